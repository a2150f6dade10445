// Package session implements the per-connection session state machine
// (C5, §4.5): handshake, ingress decode/dispatch/rate-limit, and a bounded
// egress queue with the presence-coalesce-then-disconnect backpressure
// policy. Rate limiting follows this codebase's per-user token-bucket
// pattern (internal/relay/bandwidth.go's BandwidthMeter), applied here per
// frame class instead of per byte.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/syncroom/pod/internal/frame"
	"github.com/syncroom/pod/internal/presence"
	"github.com/syncroom/pod/internal/room"
)

// State is a position in the §4.5 state machine.
type State int

const (
	Opening State = iota
	Live
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Live:
		return "live"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason labels why a session left Live (for the session_closes
// metric and the error taxonomy).
type CloseReason string

const (
	ReasonNone          CloseReason = ""
	ReasonAuthFailed    CloseReason = "auth_failed"
	ReasonAttachFailed  CloseReason = "attach_failed"
	ReasonProtocol      CloseReason = "protocol_violation"
	ReasonRateLimited   CloseReason = "rate_limited"
	ReasonSlowConsumer  CloseReason = "slow_consumer"
	ReasonKeepalive     CloseReason = "keepalive_timeout"
	ReasonClientClosed  CloseReason = "client_closed"
	ReasonServerDrain   CloseReason = "server_drain"
	ReasonDrainTimeout  CloseReason = "drain_timeout"
	ReasonFatal         CloseReason = "fatal_error"
)

// Limits bundles the tunable knobs §4.5 names.
type Limits struct {
	PresenceRate  rate.Limit
	PresenceBurst int
	StorageRate   rate.Limit
	StorageBurst  int

	EgressMaxBytes  int
	EgressMaxFrames int
	SlowClientGrace time.Duration

	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration

	MalformedLimit  int
	MalformedWindow time.Duration
}

// DefaultLimits returns §4.5/§6.5's defaults.
func DefaultLimits() Limits {
	return Limits{
		PresenceRate:      20,
		PresenceBurst:     5,
		StorageRate:       200,
		StorageBurst:      50,
		EgressMaxBytes:    64 * 1024,
		EgressMaxFrames:   256,
		SlowClientGrace:   time.Second,
		KeepaliveInterval: 20 * time.Second,
		KeepaliveTimeout:  40 * time.Second,
		MalformedLimit:    8,
		MalformedWindow:   10 * time.Second,
	}
}

// Transport is the minimal framed-message duplex a Session needs. Both
// coder/websocket connections and in-process test fakes implement it.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Room is the subset of the room coordinator a session drives. Satisfied
// by *room.Coordinator; package room never imports package session, so
// there is no cycle.
type Room interface {
	SubmitPresenceDiff(origin room.Session, userID string, diff map[string]any, removed bool) error
	SubmitStorageOp(origin room.Session, body []byte) error
	PresenceSnapshot() []presence.Entry
	DocSnapshot() []byte
}

// ErrClosed is returned by session operations after Close.
var ErrClosed = errors.New("session: closed")

// Metrics is the subset of the process-wide metrics collector a session
// reports through. Satisfied by *metrics.Collector; kept as a small
// local interface (rather than importing package metrics) to avoid a
// session -> metrics -> ... dependency for something this narrow.
// SetMetrics is optional — a Session with none set simply reports nothing.
type Metrics interface {
	FrameIn(frameType string)
	FrameOut(frameType string)
	EgressDrop(reason string)
}

type noopMetrics struct{}

func (noopMetrics) FrameIn(string)    {}
func (noopMetrics) FrameOut(string)   {}
func (noopMetrics) EgressDrop(string) {}

// Session is one client connection (§3 Session).
type Session struct {
	id     string
	userID string
	roomID string

	transport Transport
	limits    Limits

	presenceLimiter *rate.Limiter
	storageLimiter  *rate.Limiter

	coord    Room
	registry *room.Registry
	metrics  Metrics

	mu              sync.Mutex
	state           State
	egress          []frame.Frame
	egressBytes     int
	malformedAt     []time.Time
	rateLimitedAt   map[string][]time.Time
	lastPong        time.Time
	closeReason     CloseReason
	egressWake      chan struct{}
}

// New returns a session in the Opening state for userID/roomID over
// transport.
func New(id, userID, roomID string, transport Transport, limits Limits) *Session {
	return &Session{
		id:              id,
		userID:          userID,
		roomID:          roomID,
		transport:       transport,
		limits:          limits,
		presenceLimiter: rate.NewLimiter(limits.PresenceRate, limits.PresenceBurst),
		storageLimiter:  rate.NewLimiter(limits.StorageRate, limits.StorageBurst),
		state:           Opening,
		lastPong:        time.Now(),
		egressWake:      make(chan struct{}, 1),
		metrics:         noopMetrics{},
	}
}

// SetMetrics installs m as the session's metrics sink. Must be called
// before Run; nil restores the no-op sink.
func (s *Session) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	s.metrics = m
}

// ID implements room.Session.
func (s *Session) ID() string { return s.id }

// UserID implements room.Session.
func (s *Session) UserID() string { return s.userID }

// RoomID returns the room this session attached to.
func (s *Session) RoomID() string { return s.roomID }

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State, reason CloseReason) {
	s.mu.Lock()
	s.state = st
	if reason != ReasonNone {
		s.closeReason = reason
	}
	s.mu.Unlock()
}

// MarkLive transitions Opening -> Live once auth, attach, and initial sync
// have all succeeded (§4.5).
func (s *Session) MarkLive() {
	s.setState(Live, ReasonNone)
}

// Fail transitions the session to Closed with reason, used for
// Opening -> Closed auth/attach failures.
func (s *Session) Fail(reason CloseReason) {
	s.setState(Closed, reason)
}

// Drain transitions Live -> Draining with reason.
func (s *Session) Drain(reason CloseReason) {
	s.mu.Lock()
	if s.state != Live {
		s.mu.Unlock()
		return
	}
	s.state = Draining
	s.closeReason = reason
	s.mu.Unlock()
	s.wakeEgress()
}

// RequestDrain implements room.Session: it begins the same Live->Draining
// transition a sustained rate-limit violation or slow-consumer backpressure
// would, but with ReasonServerDrain (§4.9 graceful shutdown).
func (s *Session) RequestDrain() {
	s.Drain(ReasonServerDrain)
}

// IsClosed implements room.Session: reports whether the session has
// finished flushing its egress queue and reached Closed.
func (s *Session) IsClosed() bool {
	return s.State() == Closed
}

// CloseReason returns why the session left Live, if it has.
func (s *Session) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Deliver implements room.Session: enqueue f for egress, applying the §4.5
// backpressure policy. It never blocks.
func (s *Session) Deliver(f frame.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return
	}

	if f.Type == frame.TypePresenceDiff {
		s.coalescePresenceLocked(f)
	} else {
		s.egress = append(s.egress, f)
		s.egressBytes += len(f.Payload)
	}

	s.enforceBoundsLocked()
	s.wakeEgressLocked()
}

// coalescePresenceLocked replaces any already-queued presence diff for the
// same user with f (latest-wins), per §4.5 backpressure rule 1.
func (s *Session) coalescePresenceLocked(f frame.Frame) {
	userID := presenceUserID(f)
	for i, q := range s.egress {
		if q.Type != frame.TypePresenceDiff {
			continue
		}
		if presenceUserID(q) == userID {
			s.egressBytes -= len(q.Payload)
			s.egress[i] = f
			s.egressBytes += len(f.Payload)
			return
		}
	}
	s.egress = append(s.egress, f)
	s.egressBytes += len(f.Payload)
}

func presenceUserID(f frame.Frame) string {
	d, err := frame.DecodePresenceDiff(f.Payload)
	if err != nil {
		return ""
	}
	return d.UserID
}

// enforceBoundsLocked drops oldest presence frames first when over bounds,
// then transitions a Live session to Draining as soon as the queue is still
// over bound with no presence frames left to drop. SlowClientGrace is not
// consulted: there is no grace period before the drain.
func (s *Session) enforceBoundsLocked() {
	if len(s.egress) <= s.limits.EgressMaxFrames && s.egressBytes <= s.limits.EgressMaxBytes {
		return
	}
	for i := 0; i < len(s.egress); {
		if s.egress[i].Type != frame.TypePresenceDiff {
			i++
			continue
		}
		if len(s.egress) <= s.limits.EgressMaxFrames && s.egressBytes <= s.limits.EgressMaxBytes {
			return
		}
		s.egressBytes -= len(s.egress[i].Payload)
		s.egress = append(s.egress[:i], s.egress[i+1:]...)
		s.metrics.EgressDrop("presence_overflow")
	}
	if len(s.egress) > s.limits.EgressMaxFrames || s.egressBytes > s.limits.EgressMaxBytes {
		if s.state == Live {
			s.state = Draining
			s.closeReason = ReasonSlowConsumer
			s.metrics.EgressDrop("storage_overflow_drain")
		}
	}
}

func (s *Session) wakeEgressLocked() {
	select {
	case s.egressWake <- struct{}{}:
	default:
	}
}

func (s *Session) wakeEgress() {
	s.mu.Lock()
	s.wakeEgressLocked()
	s.mu.Unlock()
}

// popEgress dequeues the next pending frame, if any.
func (s *Session) popEgress() (frame.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.egress) == 0 {
		return frame.Frame{}, false
	}
	f := s.egress[0]
	s.egress = s.egress[1:]
	s.egressBytes -= len(f.Payload)
	return f, true
}

// recordMalformed counts a malformed frame and reports whether the §4.1
// protocol-violation threshold (default 8 within 10s) has been crossed.
func (s *Session) recordMalformed(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.limits.MalformedWindow)
	kept := s.malformedAt[:0]
	for _, t := range s.malformedAt {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.malformedAt = kept
	return len(s.malformedAt) >= s.limits.MalformedLimit
}

// rateLimitViolationWindow is the §4.5 sustained-violation window: a
// session that keeps tripping a bucket's limiter for this long, at 3x the
// bucket's configured rate, is drained rather than merely warned.
const rateLimitViolationWindow = 5 * time.Second

// recordRateLimited counts a rejected frame for class ("presence" or
// "storage") within the sliding rateLimitViolationWindow, reporting
// whether the sustained-violation threshold — at least 3x the bucket's
// rate sustained over the window — has been crossed. Mirrors
// recordMalformed's sliding-window shape, keyed per rate-limiter class
// instead of a single counter.
func (s *Session) recordRateLimited(class string, limit rate.Limit, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rateLimitedAt == nil {
		s.rateLimitedAt = make(map[string][]time.Time)
	}
	cutoff := now.Add(-rateLimitViolationWindow)
	kept := s.rateLimitedAt[class][:0]
	for _, t := range s.rateLimitedAt[class] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.rateLimitedAt[class] = kept

	threshold := int(3 * float64(limit) * rateLimitViolationWindow.Seconds())
	if threshold < 1 {
		threshold = 1
	}
	return len(kept) >= threshold
}

// RecordPong refreshes the keepalive deadline.
func (s *Session) RecordPong() {
	s.mu.Lock()
	s.lastPong = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastPongAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPong
}

