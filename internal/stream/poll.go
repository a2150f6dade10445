package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/syncroom/pod/internal/backoff"
	"github.com/syncroom/pod/internal/logger"
)

// PollBridge is the default cross-pod PeerStream (§6.2): entries
// originated on this pod live in a local RoomLog; a background loop polls
// each configured peer's /internal/stream/since endpoint and merges what
// it returns, the same shape as this codebase's edge-to-login gossip pull.
// Swap PollBridge for a Kafka- or Redis-backed PeerStream by implementing
// the same interface; callers never know the difference.
type PollBridge struct {
	local *RoomLog
	podID string

	mu      sync.Mutex
	peers   []string
	cursors map[string]map[string]uint64 // peer addr -> roomID -> last pulled seq

	client *http.Client
}

// NewPollBridge returns a bridge that stores locally appended entries in
// its own RoomLog and, for each room passed to PollRoom, pulls from peers.
func NewPollBridge(podID string, ret Retention, peers []string) *PollBridge {
	return &PollBridge{
		local:   NewRoomLog(ret),
		podID:   podID,
		peers:   peers,
		cursors: make(map[string]map[string]uint64),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Append stores e in the local log; peers will pick it up on their next poll.
func (b *PollBridge) Append(ctx context.Context, roomID string, e Entry) (uint64, error) {
	if e.SiteID == "" {
		e.SiteID = b.podID
	}
	return b.local.Append(ctx, roomID, e)
}

// Since returns the local log's view for roomID. Remote entries merged in
// by the poll loop are folded into the same local log, so one Since call
// covers both local and peer-originated entries.
func (b *PollBridge) Since(ctx context.Context, roomID string, cursor uint64) ([]Entry, uint64, error) {
	return b.local.Since(ctx, roomID, cursor)
}

// Handler serves this pod's RoomLog to peers polling it, mounted at
// whatever path the caller chooses (conventionally /internal/stream/since).
func (b *PollBridge) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := r.URL.Query().Get("room")
		if roomID == "" {
			http.Error(w, "missing room", http.StatusBadRequest)
			return
		}
		var cursor uint64
		if c := r.URL.Query().Get("cursor"); c != "" {
			fmt.Sscanf(c, "%d", &cursor)
		}
		entries, latest, err := b.local.Since(r.Context(), roomID, cursor)
		if err == ErrCursorTooOld {
			w.WriteHeader(http.StatusGone)
			json.NewEncoder(w).Encode(sinceResponse{CursorTooOld: true, LatestSeq: latest})
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(sinceResponse{Entries: entries, LatestSeq: latest})
	}
}

type sinceResponse struct {
	Entries      []Entry `json:"entries"`
	LatestSeq    uint64  `json:"latestSeq"`
	CursorTooOld bool    `json:"cursorTooOld,omitempty"`
}

// PollRoom starts polling every configured peer for roomID at interval,
// merging returned entries into the local log, until ctx is canceled.
// Each peer gets its own retry/backoff schedule so a down peer doesn't
// stall polling of the others (§7).
func (b *PollBridge) PollRoom(ctx context.Context, roomID string, interval time.Duration) {
	for _, peer := range b.peers {
		go b.pollPeerRoom(ctx, peer, roomID, interval)
	}
}

func (b *PollBridge) pollPeerRoom(ctx context.Context, peer, roomID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	bo := backoff.New()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.pullOnce(ctx, peer, roomID); err != nil {
				logger.Warn("stream poll failed", "peer", peer, "room", roomID, "err", err)
				select {
				case <-time.After(bo.Next()):
				case <-ctx.Done():
					return
				}
				continue
			}
			bo.Reset()
		}
	}
}

func (b *PollBridge) pullOnce(ctx context.Context, peer, roomID string) error {
	cursor := b.cursorFor(peer, roomID)

	url := fmt.Sprintf("%s/internal/stream/since?room=%s&cursor=%d", peer, roomID, cursor)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, bytes.NewReader(nil))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("poll %s: %w", peer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusGone {
		return fmt.Errorf("poll %s: status %d", peer, resp.StatusCode)
	}

	var sr sinceResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return fmt.Errorf("decode response from %s: %w", peer, err)
	}

	if sr.CursorTooOld {
		// Full resync: the caller (room coordinator) is expected to detect
		// this by re-requesting Since(0,...) against the merged local log,
		// which a fresh pull with cursor=0 achieves.
		return b.pullWithCursor(ctx, peer, roomID, 0)
	}

	for _, e := range sr.Entries {
		if e.SiteID == b.podID {
			continue // don't re-ingest our own entries echoed back
		}
		if _, err := b.local.Append(ctx, roomID, e); err != nil {
			return fmt.Errorf("merge entry from %s: %w", peer, err)
		}
	}
	b.setCursor(peer, roomID, sr.LatestSeq)
	return nil
}

func (b *PollBridge) pullWithCursor(ctx context.Context, peer, roomID string, cursor uint64) error {
	b.setCursor(peer, roomID, cursor)
	return b.pullOnce(ctx, peer, roomID)
}

func (b *PollBridge) cursorFor(peer, roomID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cursors[peer] == nil {
		return 0
	}
	return b.cursors[peer][roomID]
}

func (b *PollBridge) setCursor(peer, roomID string, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cursors[peer] == nil {
		b.cursors[peer] = make(map[string]uint64)
	}
	b.cursors[peer][roomID] = seq
}
