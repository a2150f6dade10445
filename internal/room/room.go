// Package room implements the room registry (C2, §4.2) and the per-room
// coordinator that backs the room hub (C6, §4.6): the single task that
// owns a room's presence table, CRDT document, and session set (§5 "the
// room coordinator is the only mutator of that room's state").
package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/syncroom/pod/internal/frame"
)

// ErrTooManyRooms is returned by Attach when the per-pod room cap is
// exceeded — backpressure to the edge (§4.2).
var ErrTooManyRooms = errors.New("room: too many rooms")

// ErrClosed is returned by operations on a room whose coordinator has
// already shut down.
var ErrClosed = errors.New("room: coordinator closed")

// ErrRoomFull is returned by Attach when roomID already holds
// MaxSessionsPerRoom sessions (§4.2 RoomCapacityExceeded).
var ErrRoomFull = errors.New("room: room capacity exceeded")

// Session is the subset of session (C5) behavior the coordinator depends
// on. Defined here (not imported from package session) to keep the
// dependency direction session -> room, not room -> session.
type Session interface {
	ID() string
	UserID() string
	// Deliver enqueues f for egress. It must not block: a full egress
	// queue is the session's own backpressure problem (§4.5 I3), not the
	// coordinator's.
	Deliver(f frame.Frame)
	// RequestDrain begins the session's own Live -> Draining transition
	// (§4.9 graceful shutdown drains every attached session). A no-op if
	// the session isn't Live.
	RequestDrain()
	// IsClosed reports whether the session has finished draining and
	// reached Closed, for DrainAll's await loop.
	IsClosed() bool
}

// Metrics is the subset of the process-wide metrics collector a
// coordinator reports through. Satisfied by *metrics.Collector; kept
// local to avoid a room -> metrics dependency for something this narrow.
type Metrics interface {
	PresenceDiffDeduped()
	StorageOpApplied()
	StorageOpPersisted()
	SetStreamLag(room string, lag int)
}

type noopMetrics struct{}

func (noopMetrics) PresenceDiffDeduped()     {}
func (noopMetrics) StorageOpApplied()        {}
func (noopMetrics) StorageOpPersisted()      {}
func (noopMetrics) SetStreamLag(string, int) {}

// Factory builds a fresh, unstarted Coordinator for roomID. The registry
// calls it at most once per room id (singleflight-protected), wiring in
// whatever CRDT kernel, op store, and stream bridge the pod is configured
// with.
type Factory func(roomID string) *Coordinator

// Registry is the C2 room registry: a race-safe map of room id ->
// Coordinator with lazy creation and idle eviction.
type Registry struct {
	mu         sync.Mutex
	rooms      map[string]*entry
	sf         singleflight.Group
	maxRooms   int
	idleGrace  time.Duration
	factory    Factory
	onRejected func(roomID, reason string)
	draining   bool
}

type entry struct {
	coord *Coordinator
	timer *time.Timer
}

// NewRegistry returns an empty registry. maxRooms <= 0 means unbounded.
func NewRegistry(maxRooms int, idleGrace time.Duration, factory Factory) *Registry {
	return &Registry{
		rooms:     make(map[string]*entry),
		maxRooms:  maxRooms,
		idleGrace: idleGrace,
		factory:   factory,
	}
}

// SetIdleGrace updates the idle-eviction grace period applied the next
// time a room's session set becomes empty. Rooms already counting down
// keep their originally scheduled deadline.
func (r *Registry) SetIdleGrace(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idleGrace = d
}

// Attach attaches sess to roomID, creating the room's coordinator on first
// attach. Concurrent Attach calls for the same unseen room id collapse
// into a single construction via singleflight — only one Coordinator
// instance per room id ever exists.
func (r *Registry) Attach(ctx context.Context, roomID string, sess Session) (*Coordinator, error) {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		r.reject(roomID, "shutting_down")
		return nil, ErrClosed
	}
	if e, ok := r.rooms[roomID]; ok {
		r.disarm(e)
		r.mu.Unlock()
		if err := e.coord.attachSession(sess); err != nil {
			r.reject(roomID, rejectReason(err))
			return nil, err
		}
		return e.coord, nil
	}
	if r.maxRooms > 0 && len(r.rooms) >= r.maxRooms {
		r.mu.Unlock()
		r.reject(roomID, "too_many_rooms")
		return nil, ErrTooManyRooms
	}
	r.mu.Unlock()

	v, err, _ := r.sf.Do(roomID, func() (any, error) {
		r.mu.Lock()
		if e, ok := r.rooms[roomID]; ok {
			r.mu.Unlock()
			return e, nil
		}
		if r.maxRooms > 0 && len(r.rooms) >= r.maxRooms {
			r.mu.Unlock()
			return nil, ErrTooManyRooms
		}
		coord := r.factory(roomID)
		coord.onEmpty = func() { r.scheduleEvict(roomID) }
		e := &entry{coord: coord}
		r.rooms[roomID] = e
		r.mu.Unlock()
		go coord.run()
		return e, nil
	})
	if err != nil {
		r.reject(roomID, rejectReason(err))
		return nil, err
	}
	e := v.(*entry)
	if err := e.coord.attachSession(sess); err != nil {
		r.reject(roomID, rejectReason(err))
		return nil, err
	}
	return e.coord, nil
}

func rejectReason(err error) string {
	if errors.Is(err, ErrTooManyRooms) {
		return "too_many_rooms"
	}
	if errors.Is(err, ErrRoomFull) {
		return "room_full"
	}
	return "closed"
}

// Detach removes sess from its room's session set, arming idle eviction
// if the room's session set becomes empty.
func (r *Registry) Detach(roomID string, sess Session) {
	r.mu.Lock()
	e, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.coord.detachSession(sess.ID())
}

// disarm must be called with r.mu held.
func (r *Registry) disarm(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (r *Registry) scheduleEvict(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[roomID]
	if !ok {
		return
	}
	r.disarm(e)
	e.timer = time.AfterFunc(r.idleGrace, func() { r.evict(roomID) })
}

func (r *Registry) evict(roomID string) {
	r.mu.Lock()
	e, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if e.coord.sessionCount() > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, roomID)
	r.mu.Unlock()
	e.coord.stop()
}

// Len returns the number of live rooms, for metrics (active_rooms).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// MaxStreamLag returns the highest StreamLag observed across every live
// room, for the §4.9 health check's "stream bridge cursor lag below
// threshold" sub-check.
func (r *Registry) MaxStreamLag() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	max := 0
	for _, e := range r.rooms {
		if lag := e.coord.StreamLag(); lag > max {
			max = lag
		}
	}
	return max
}

// DrainAll stops accepting new attaches and drains every session currently
// attached to any room (§4.9 graceful shutdown): each gets a Control/Drain
// frame and its own Live -> Draining transition, then DrainAll waits for
// every session to reach Closed or for ctx to expire, whichever comes
// first. Safe to call once; a second call is a no-op beyond re-setting the
// already-set draining flag.
func (r *Registry) DrainAll(ctx context.Context) {
	r.mu.Lock()
	r.draining = true
	coords := make([]*Coordinator, 0, len(r.rooms))
	for _, e := range r.rooms {
		coords = append(coords, e.coord)
	}
	r.mu.Unlock()

	var sessions []Session
	for _, c := range coords {
		sessions = append(sessions, c.sessionsSnapshot()...)
	}
	for _, s := range sessions {
		s.Deliver(frame.EncodeControl(frame.ControlDrain, nil))
		s.RequestDrain()
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if allClosed(sessions) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func allClosed(sessions []Session) bool {
	for _, s := range sessions {
		if !s.IsClosed() {
			return false
		}
	}
	return true
}

// OnRejected registers a callback invoked whenever Attach rejects an
// attach attempt, with the room id attempted and a short reason
// ("too_many_rooms", "room_full", "shutting_down" once DrainAll has run,
// or "closed" for any other attach error). Used to drive the §9 per-room
// admission accounting metric; nil by default.
func (r *Registry) OnRejected(f func(roomID, reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRejected = f
}

func (r *Registry) reject(roomID, reason string) {
	r.mu.Lock()
	f := r.onRejected
	r.mu.Unlock()
	if f != nil {
		f(roomID, reason)
	}
}

// Lookup returns a room's coordinator without attaching, for diagnostics.
func (r *Registry) Lookup(roomID string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	return e.coord, true
}
