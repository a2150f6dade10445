// Package opstore implements the durable op store (C8, §4.8): an
// append-only, per-room-sequenced log of opaque CRDT update bytes, backed
// by SQLite through database/sql and modernc.org/sqlite (pure Go, no cgo).
package opstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// OpRecord is one durable entry in a room's op log (§3).
type OpRecord struct {
	RoomID string
	Seq    int64
	SiteID string
	Body   []byte
}

// Store is the SQLite-backed op store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at dsn, enables WAL
// mode for concurrent readers alongside the single writer, and applies any
// migration not yet recorded.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers that need it (health checks,
// metrics collectors).
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Append durably stores body for roomID, returning the sequence number the
// store assigned. Concurrent appends to the same room from different
// coordinators (e.g. during a handoff) are serialized with BEGIN IMMEDIATE,
// which grabs SQLite's single write lock up front so two appends can never
// read the same MAX(seq) and race (§4.8 contention-safe sequence
// requirement). Append must return before the caller applies body to its
// in-memory CrdtDoc (I1).
func (s *Store) Append(ctx context.Context, roomID, siteID string, body []byte) (int64, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return 0, fmt.Errorf("begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	var seq int64
	err = conn.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM ops WHERE room_id = ?", roomID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("assign seq: %w", err)
	}

	if _, err := conn.ExecContext(ctx,
		"INSERT INTO ops (room_id, seq, site_id, body) VALUES (?, ?, ?, ?)",
		roomID, seq, siteID, body); err != nil {
		return 0, fmt.Errorf("insert op: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	committed = true
	return seq, nil
}

// RangeScan returns every op for roomID with seq strictly greater than
// fromSeq, in ascending seq order. Pass fromSeq=0 for the full history.
func (s *Store) RangeScan(ctx context.Context, roomID string, fromSeq int64) ([]OpRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT room_id, seq, site_id, body FROM ops WHERE room_id = ? AND seq > ? ORDER BY seq",
		roomID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("range scan: %w", err)
	}
	defer rows.Close()

	var out []OpRecord
	for rows.Next() {
		var r OpRecord
		if err := rows.Scan(&r.RoomID, &r.Seq, &r.SiteID, &r.Body); err != nil {
			return nil, fmt.Errorf("scan op: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TruncateBefore deletes every op for roomID with seq <= uptoSeq. Used to
// bound log growth once every pod's cursor is known to have passed uptoSeq.
func (s *Store) TruncateBefore(ctx context.Context, roomID string, uptoSeq int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM ops WHERE room_id = ? AND seq <= ?", roomID, uptoSeq)
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}

// LatestSeq returns the highest seq stored for roomID, or 0 if none.
func (s *Store) LatestSeq(ctx context.Context, roomID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM ops WHERE room_id = ?", roomID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	return seq, nil
}
