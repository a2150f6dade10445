package room

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syncroom/pod/internal/backoff"
	"github.com/syncroom/pod/internal/crdtdoc"
	"github.com/syncroom/pod/internal/frame"
	"github.com/syncroom/pod/internal/logger"
	"github.com/syncroom/pod/internal/opstore"
	"github.com/syncroom/pod/internal/presence"
	"github.com/syncroom/pod/internal/stream"
)

// presenceWeight:storageWeight is the §5 starvation-avoidance ratio
// (default 40/60) the coordinator's inbox guarantees each message class
// per scheduling quantum.
const (
	presenceWeight = 2 // 40, reduced by gcd(40,60)=20
	storageWeight  = 3 // 60, reduced by gcd(40,60)=20
)

type presenceMsg struct {
	userID   string
	diff     map[string]any
	removed  bool
	originID string // session id; "" if peer-originated
	fromPeer bool
	sourceTS int64 // peer-stamped timestamp, used only when fromPeer
}

type storageMsg struct {
	body     []byte
	originID string
	fromPeer bool
	peerSeq  int64 // echo of the originating pod's op store seq, when fromPeer
}

// Coordinator is the per-room actor (§5): the sole mutator of one room's
// presence table, CRDT document, and session set. It owns two weighted
// inbox queues (presence, storage) plus a control queue for
// attach/detach/query operations, all drained by a single goroutine.
type Coordinator struct {
	roomID string
	podID  string

	presenceTbl *presence.Table
	doc         *crdtdoc.Doc
	store       opstore.OpStore
	peer        stream.PeerStream
	retention   stream.Retention

	mu          sync.Mutex
	sessions    map[string]Session
	onEmpty     func()
	maxSessions int // 0 means unbounded
	metrics     Metrics

	ttlMu       sync.RWMutex
	presenceTTL time.Duration // 0 disables TTL eviction

	presenceCh chan presenceMsg
	storageCh  chan storageMsg
	controlCh  chan func()
	done       chan struct{}
	stopOnce   sync.Once

	cursor uint64 // this pod's last-consumed peer stream cursor for roomID

	// storeBackoff and storeReadOnlyUntil implement the §7
	// OpStoreUnavailable schedule (base 100ms, factor 2, cap 5s): touched
	// only from run()'s goroutine.
	storeBackoff       *backoff.Backoff
	storeReadOnlyUntil time.Time

	// streamLag is the most recently observed peer-stream lag (entries
	// behind at last poll), read by the health check (§4.9) from a
	// different goroutine than run(), hence atomic rather than plain.
	streamLag atomic.Int64
}

// NewCoordinator builds an unstarted coordinator for roomID. Call run (via
// Registry.Attach, which starts it as a goroutine) exactly once.
func NewCoordinator(roomID, podID string, store opstore.OpStore, peer stream.PeerStream, ret stream.Retention) *Coordinator {
	return &Coordinator{
		roomID:       roomID,
		podID:        podID,
		presenceTbl:  presence.New(),
		doc:          crdtdoc.New(crdtdoc.LWWKernel{}),
		store:        store,
		peer:         peer,
		retention:    ret,
		sessions:     make(map[string]Session),
		presenceCh:   make(chan presenceMsg, 256),
		storageCh:    make(chan storageMsg, 256),
		controlCh:    make(chan func(), 64),
		done:         make(chan struct{}),
		metrics:      noopMetrics{},
		storeBackoff: backoff.New(),
	}
}

// SetMetrics installs m as the coordinator's metrics sink. Must be
// called before run starts (Registry.Attach's factory callback is the
// only caller); nil restores the no-op sink.
func (c *Coordinator) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	c.metrics = m
}

// RoomID returns the coordinator's room id.
func (c *Coordinator) RoomID() string { return c.roomID }

// StreamLag returns the number of peer-stream entries outstanding as of
// the last poll (§4.9 health check's stream-bridge sub-check). Zero for a
// room with no peer stream or one that has never polled yet.
func (c *Coordinator) StreamLag() int { return int(c.streamLag.Load()) }

// SetMaxSessions bounds the number of sessions this room will accept.
// Zero (the default) means unbounded. Must be called before the
// coordinator is reachable by Attach — the registry's factory is the
// only caller.
func (c *Coordinator) SetMaxSessions(n int) { c.maxSessions = n }

// SetPresenceTTL sets the interval of silence after which a user's
// presence entry is tombstoned (§4.3 TTL expiry, scenario S5). Safe to
// call at any time; the next expiry tick picks up the new value.
func (c *Coordinator) SetPresenceTTL(d time.Duration) {
	c.ttlMu.Lock()
	defer c.ttlMu.Unlock()
	c.presenceTTL = d
}

func (c *Coordinator) getPresenceTTL() time.Duration {
	c.ttlMu.RLock()
	defer c.ttlMu.RUnlock()
	return c.presenceTTL
}

func (c *Coordinator) attachSession(sess Session) error {
	reply := make(chan error, 1)
	select {
	case c.controlCh <- func() {
		c.mu.Lock()
		if c.maxSessions > 0 && len(c.sessions) >= c.maxSessions {
			c.mu.Unlock()
			reply <- ErrRoomFull
			return
		}
		c.sessions[sess.ID()] = sess
		c.mu.Unlock()
		reply <- nil
	}:
	case <-c.done:
		return ErrClosed
	}
	return <-reply
}

func (c *Coordinator) detachSession(sessID string) {
	select {
	case c.controlCh <- func() {
		c.mu.Lock()
		delete(c.sessions, sessID)
		empty := len(c.sessions) == 0
		c.mu.Unlock()
		if empty && c.onEmpty != nil {
			c.onEmpty()
		}
	}:
	case <-c.done:
	}
}

func (c *Coordinator) sessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// sessionsSnapshot returns every session currently attached, for
// Registry.DrainAll's graceful-shutdown broadcast.
func (c *Coordinator) sessionsSnapshot() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// SubmitPresenceDiff enqueues a locally originated presence diff. origin is
// excluded from the resulting broadcast (it is assumed to already know its
// own update).
func (c *Coordinator) SubmitPresenceDiff(origin Session, userID string, diff map[string]any, removed bool) error {
	msg := presenceMsg{userID: userID, diff: diff, removed: removed}
	if origin != nil {
		msg.originID = origin.ID()
	}
	select {
	case c.presenceCh <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// SubmitStorageOp enqueues a locally originated storage update. The
// coordinator durably appends it (blocking this room's inbox, a permitted
// suspension point per §5) before applying it to the CRDT document and
// broadcasting (I1).
func (c *Coordinator) SubmitStorageOp(origin Session, body []byte) error {
	msg := storageMsg{body: body}
	if origin != nil {
		msg.originID = origin.ID()
	}
	select {
	case c.storageCh <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// PresenceSnapshot and DocSnapshot are the initial-sync accessors (§4.5):
// both take a consistent read via a request to the coordinator rather
// than touching room state directly (§5).
// session handshake to build the initial sync frames.
func (c *Coordinator) PresenceSnapshot() []presence.Entry {
	reply := make(chan []presence.Entry, 1)
	select {
	case c.controlCh <- func() { reply <- c.presenceTbl.Snapshot() }:
	case <-c.done:
		return nil
	}
	return <-reply
}

func (c *Coordinator) DocSnapshot() []byte {
	reply := make(chan []byte, 1)
	select {
	case c.controlCh <- func() { reply <- c.doc.Snapshot() }:
	case <-c.done:
		return nil
	}
	return <-reply
}

// ReplayFromStore feeds the durable op history into the CRDT document on
// cold activation (§4.8), then fast-forwards the peer cursor to "now" so
// replayed entries aren't re-applied from the stream. The replay is queued
// on the control queue, not awaited, so the registry's factory can call
// this before run starts; it is applied ahead of any attach or snapshot
// request queued after it.
func (c *Coordinator) ReplayFromStore(ctx context.Context) error {
	ops, err := c.store.RangeScan(ctx, c.roomID, 0)
	if err != nil {
		return err
	}
	select {
	case c.controlCh <- func() {
		for _, op := range ops {
			if err := c.doc.Apply(op.Body); err != nil {
				logger.Warn("replay op failed", "room_id", c.roomID, "seq", op.Seq, "err", err)
			}
		}
	}:
	case <-c.done:
		return ErrClosed
	}

	if c.peer != nil {
		if _, latest, err := c.peer.Since(ctx, c.roomID, 0); err == nil {
			c.cursor = latest
		}
	}
	return nil
}

// presenceExpiryInterval is how often run checks for TTL-expired presence
// entries. Independent of PresenceTTL itself so a short TTL (as in
// scenario S5, 1s) still expires within a bounded, predictable slack.
const presenceExpiryInterval = 250 * time.Millisecond

// run drains the inbox until stop is called. Started as a goroutine by
// Registry.Attach.
func (c *Coordinator) run() {
	pattern := buildPattern(presenceWeight, storageWeight)
	idx := 0
	ctx := context.Background()

	expiryTicker := time.NewTicker(presenceExpiryInterval)
	defer expiryTicker.Stop()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		prefer := pattern[idx%len(pattern)]
		idx++

		switch prefer {
		case classPresence:
			select {
			case m := <-c.presenceCh:
				c.handlePresence(ctx, m)
				continue
			default:
			}
			select {
			case m := <-c.storageCh:
				c.handleStorage(ctx, m)
				continue
			default:
			}
		case classStorage:
			select {
			case m := <-c.storageCh:
				c.handleStorage(ctx, m)
				continue
			default:
			}
			select {
			case m := <-c.presenceCh:
				c.handlePresence(ctx, m)
				continue
			default:
			}
		}

		select {
		case fn := <-c.controlCh:
			fn()
		case m := <-c.presenceCh:
			c.handlePresence(ctx, m)
		case m := <-c.storageCh:
			c.handleStorage(ctx, m)
		case <-expiryTicker.C:
			c.expirePresence(ctx)
		case <-c.done:
			return
		}
	}
}

// expirePresence tombstones every presence entry silent longer than
// presenceTTL, broadcasting a removal diff to every live session and, so
// peers converge on the same tombstone, to the stream bridge (§4.3,
// scenario S5). A zero TTL disables expiry entirely.
func (c *Coordinator) expirePresence(ctx context.Context) {
	ttl := c.getPresenceTTL()
	if ttl <= 0 {
		return
	}
	removed := c.presenceTbl.ExpireStale(time.Now(), ttl)
	for _, userID := range removed {
		f, err := frame.EncodePresenceDiff(frame.PresenceDiffWire{UserID: userID, Removed: true})
		if err != nil {
			logger.RoomErr("encode tombstone diff failed", c.roomID, "", "presence", err)
			continue
		}
		c.publishLocal("", f)
		if c.peer != nil {
			if _, err := c.peer.Append(ctx, c.roomID, stream.Entry{
				Kind: stream.KindPresence, SiteID: c.podID, UserID: userID, SourceTimestamp: time.Now().UnixMilli(), Body: f.Payload,
			}); err != nil {
				logger.RoomErr("stream append failed", c.roomID, "", "presence", err)
			}
		}
	}
}

type class int

const (
	classPresence class = iota
	classStorage
)

// buildPattern expands a (presenceWeight, storageWeight) ratio into a
// repeating preference sequence, e.g. (2,3) -> [P,P,S,S,S].
func buildPattern(presenceW, storageW int) []class {
	pattern := make([]class, 0, presenceW+storageW)
	for i := 0; i < presenceW; i++ {
		pattern = append(pattern, classPresence)
	}
	for i := 0; i < storageW; i++ {
		pattern = append(pattern, classStorage)
	}
	return pattern
}

func (c *Coordinator) handlePresence(ctx context.Context, m presenceMsg) {
	var f frame.Frame
	var err error

	if m.fromPeer && m.removed {
		if !c.presenceTbl.ApplyPeerRemoval(m.userID, m.sourceTS) {
			c.metrics.PresenceDiffDeduped()
			return // stale peer tombstone or already gone, dropped per §4.7
		}
	} else if m.fromPeer {
		_, ok := c.presenceTbl.ApplyPeerDiff(m.userID, m.diff, m.sourceTS)
		if !ok {
			c.metrics.PresenceDiffDeduped()
			return // stale peer diff, dropped per §4.7 dedup rule
		}
	} else if m.removed {
		if !c.presenceTbl.Remove(m.userID) {
			return // no transition; nothing to broadcast
		}
	} else {
		c.presenceTbl.ApplyDiff(m.userID, m.diff)
	}

	f, err = frame.EncodePresenceDiff(frame.PresenceDiffWire{UserID: m.userID, Fields: m.diff, Removed: m.removed})
	if err != nil {
		logger.RoomErr("encode presence diff failed", c.roomID, m.originID, "presence", err)
		return
	}
	c.publishLocal(m.originID, f)

	if !m.fromPeer && c.peer != nil {
		ts := time.Now().UnixMilli()
		if _, err := c.peer.Append(ctx, c.roomID, stream.Entry{
			Kind: stream.KindPresence, SiteID: c.podID, UserID: m.userID, SourceTimestamp: ts, Body: f.Payload,
		}); err != nil {
			logger.RoomErr("stream append failed", c.roomID, m.originID, "presence", err)
		}
	}
}

// storeReadOnly reports whether the op store is currently in its §7
// backoff window, during which local storage ops are refused rather than
// attempted against a dependency that just failed.
func (c *Coordinator) storeReadOnly() bool {
	return time.Now().Before(c.storeReadOnlyUntil)
}

// storeFailed schedules the next retry via the shared backoff schedule
// (base 100ms, factor 2, cap 5s) and marks storage read-only until then.
func (c *Coordinator) storeFailed() {
	c.storeReadOnlyUntil = time.Now().Add(c.storeBackoff.Next())
}

func (c *Coordinator) storeRecovered() {
	c.storeBackoff.Reset()
	c.storeReadOnlyUntil = time.Time{}
}

// rejectStorage tells originID's session its storage op was refused
// because the op store is degraded (§7 TemporarilyReadOnly). A no-op for
// peer-originated ops (originID is empty) or a session that has already
// detached.
func (c *Coordinator) rejectStorage(originID string) {
	if originID == "" {
		return
	}
	c.mu.Lock()
	sess, ok := c.sessions[originID]
	c.mu.Unlock()
	if !ok {
		return
	}
	sess.Deliver(frame.EncodeError(frame.CodeTemporarilyReadOnly, "storage temporarily read-only"))
}

func (c *Coordinator) handleStorage(ctx context.Context, m storageMsg) {
	var peerSeq int64

	if m.fromPeer {
		peerSeq = m.peerSeq
	} else {
		if c.storeReadOnly() {
			c.rejectStorage(m.originID)
			return
		}
		seq, err := c.store.Append(ctx, c.roomID, c.podID, m.body)
		if err != nil {
			logger.RoomErr("durable append failed", c.roomID, m.originID, "storage", err)
			c.storeFailed()
			c.rejectStorage(m.originID)
			return
		}
		c.storeRecovered()
		peerSeq = seq
		c.metrics.StorageOpPersisted()
	}

	// I1: the byte is durably appended (or, for a peer entry, already
	// durable at its origin) before it reaches the in-memory document.
	if err := c.doc.Apply(m.body); err != nil {
		logger.RoomErr("crdt apply failed", c.roomID, m.originID, "storage", err)
		return
	}
	c.metrics.StorageOpApplied()

	c.publishLocal(m.originID, frame.EncodeStorageUpdate(m.body))

	if !m.fromPeer && c.peer != nil {
		if _, err := c.peer.Append(ctx, c.roomID, stream.Entry{
			Kind: stream.KindStorage, SiteID: c.podID, SourceTimestamp: peerSeq, Body: m.body,
		}); err != nil {
			logger.RoomErr("stream append failed", c.roomID, m.originID, "storage", err)
		}
	}
}

// publishLocal delivers f to every live session except the one identified
// by originID (§4.6). originID == "" (peer-originated) excludes nothing.
func (c *Coordinator) publishLocal(originID string, f frame.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.sessions {
		if id == originID {
			continue
		}
		s.Deliver(f)
	}
}

// ConsumePeerStream runs the pod-global stream consumer task for this room
// (§5): it polls the peer stream from the coordinator's cursor, applies
// entries from other pods into local state, and republishes them to local
// sessions. It blocks until ctx is canceled or the coordinator stops.
func (c *Coordinator) ConsumePeerStream(ctx context.Context, pollInterval time.Duration) {
	if c.peer == nil {
		return
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

func (c *Coordinator) pollOnce(ctx context.Context) {
	entries, latest, err := c.peer.Since(ctx, c.roomID, c.cursor)
	if err == stream.ErrCursorTooOld {
		// Bounded history exceeded: full resync via cursor 0 rather than a
		// gap (§4.7).
		entries, latest, err = c.peer.Since(ctx, c.roomID, 0)
	}
	if err != nil {
		logger.Warn("stream consume failed", "room_id", c.roomID, "err", err)
		return
	}
	c.metrics.SetStreamLag(c.roomID, len(entries))
	c.streamLag.Store(int64(len(entries)))
	for _, e := range entries {
		if e.SiteID == c.podID {
			continue // our own echo
		}
		switch e.Kind {
		case stream.KindPresence:
			var d frame.PresenceDiffWire
			if d, err = frame.DecodePresenceDiff(e.Body); err != nil {
				continue
			}
			select {
			case c.presenceCh <- presenceMsg{userID: e.UserID, diff: d.Fields, removed: d.Removed, fromPeer: true, sourceTS: e.SourceTimestamp}:
			case <-c.done:
				return
			}
		case stream.KindStorage:
			select {
			case c.storageCh <- storageMsg{body: e.Body, fromPeer: true, peerSeq: e.SourceTimestamp}:
			case <-c.done:
				return
			}
		}
	}
	c.cursor = latest
}

func (c *Coordinator) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}
