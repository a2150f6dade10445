package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/syncroom/pod/internal/frame"
	"github.com/syncroom/pod/internal/presence"
	"github.com/syncroom/pod/internal/room"
)

type fakeTransport struct {
	mu       sync.Mutex
	inbox    [][]byte
	outbox   [][]byte
	closed   bool
	closeMsg string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) push(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, data)
}

func (f *fakeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return nil, context.Canceled
		}
		if len(f.inbox) > 0 {
			data := f.inbox[0]
			f.inbox = f.inbox[1:]
			f.mu.Unlock()
			return data, nil
		}
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (f *fakeTransport) WriteMessage(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbox = append(f.outbox, data)
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeMsg = reason
	return nil
}

func (f *fakeTransport) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.outbox))
	copy(out, f.outbox)
	return out
}

type fakeRoom struct {
	mu             sync.Mutex
	presenceDiffs  []map[string]any
	storageOps     [][]byte
	presenceResult []presence.Entry
	docResult      []byte
}

func (r *fakeRoom) SubmitPresenceDiff(origin room.Session, userID string, diff map[string]any, removed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presenceDiffs = append(r.presenceDiffs, diff)
	return nil
}

func (r *fakeRoom) SubmitStorageOp(origin room.Session, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storageOps = append(r.storageOps, body)
	return nil
}

func (r *fakeRoom) PresenceSnapshot() []presence.Entry { return r.presenceResult }
func (r *fakeRoom) DocSnapshot() []byte                { return r.docResult }

func (r *fakeRoom) submitted() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.presenceDiffs), len(r.storageOps)
}

func TestDeliverCoalescesPresenceDiffsPerUser(t *testing.T) {
	s := New("sess-1", "u1", "room-1", newFakeTransport(), DefaultLimits())
	f1, _ := frame.EncodePresenceDiff(frame.PresenceDiffWire{UserID: "u2", Fields: map[string]any{"cursor": "a"}})
	f2, _ := frame.EncodePresenceDiff(frame.PresenceDiffWire{UserID: "u2", Fields: map[string]any{"cursor": "b"}})
	s.Deliver(f1)
	s.Deliver(f2)

	s.mu.Lock()
	n := len(s.egress)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected coalesced queue length 1, got %d", n)
	}

	got, ok := s.popEgress()
	if !ok {
		t.Fatal("expected a queued frame")
	}
	d, err := frame.DecodePresenceDiff(got.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Fields["cursor"] != "b" {
		t.Fatalf("expected latest-wins diff, got %v", d.Fields["cursor"])
	}
}

func TestEnforceBoundsDropsOldestPresenceFirst(t *testing.T) {
	limits := DefaultLimits()
	limits.EgressMaxFrames = 2
	s := New("sess-1", "u1", "room-1", newFakeTransport(), limits)

	for i := 0; i < 3; i++ {
		f, _ := frame.EncodePresenceDiff(frame.PresenceDiffWire{UserID: string(rune('a' + i)), Fields: map[string]any{"x": i}})
		s.Deliver(f)
	}

	s.mu.Lock()
	n := len(s.egress)
	st := s.state
	s.mu.Unlock()
	if n > limits.EgressMaxFrames {
		t.Fatalf("expected queue trimmed to bound, got %d", n)
	}
	if st != Opening {
		t.Fatalf("presence-only overflow should not drain the session, state=%v", st)
	}
}

func TestEnforceBoundsDrainsOnStorageOverflow(t *testing.T) {
	limits := DefaultLimits()
	limits.EgressMaxFrames = 1
	s := New("sess-1", "u1", "room-1", newFakeTransport(), limits)
	s.MarkLive()

	s.Deliver(frame.EncodeStorageUpdate([]byte("op-1")))
	s.Deliver(frame.EncodeStorageUpdate([]byte("op-2")))

	if s.State() != Draining {
		t.Fatalf("expected Draining after storage-only overflow, got %v", s.State())
	}
	if s.CloseReason() != ReasonSlowConsumer {
		t.Fatalf("expected ReasonSlowConsumer, got %v", s.CloseReason())
	}
}

func TestRecordMalformedCrossesThreshold(t *testing.T) {
	limits := DefaultLimits()
	limits.MalformedLimit = 3
	limits.MalformedWindow = time.Second
	s := New("sess-1", "u1", "room-1", newFakeTransport(), limits)

	now := time.Now()
	if s.recordMalformed(now) {
		t.Fatal("should not trip on first malformed frame")
	}
	if s.recordMalformed(now) {
		t.Fatal("should not trip on second malformed frame")
	}
	if !s.recordMalformed(now) {
		t.Fatal("should trip on third malformed frame within window")
	}
}

func TestRecordMalformedWindowExpires(t *testing.T) {
	limits := DefaultLimits()
	limits.MalformedLimit = 2
	limits.MalformedWindow = 10 * time.Millisecond
	s := New("sess-1", "u1", "room-1", newFakeTransport(), limits)

	base := time.Now()
	s.recordMalformed(base)
	if s.recordMalformed(base.Add(20 * time.Millisecond)) {
		t.Fatal("expected first malformed hit to have aged out of the window")
	}
}

func TestRecordRateLimitedCrossesThresholdAtThreeTimesRate(t *testing.T) {
	s := New("sess-1", "u1", "room-1", newFakeTransport(), DefaultLimits())

	now := time.Now()
	// limit=1/s over the 5s window means a 3x violation threshold of 15.
	for i := 0; i < 14; i++ {
		if s.recordRateLimited("presence", 1, now) {
			t.Fatalf("should not trip before 3x budget over the window, tripped at hit %d", i+1)
		}
	}
	if !s.recordRateLimited("presence", 1, now) {
		t.Fatal("should trip once violations reach 3x the bucket's rate within the window")
	}
}

func TestRecordRateLimitedWindowExpires(t *testing.T) {
	s := New("sess-1", "u1", "room-1", newFakeTransport(), DefaultLimits())

	base := time.Now()
	for i := 0; i < 14; i++ {
		s.recordRateLimited("presence", 1, base)
	}
	if s.recordRateLimited("presence", 1, base.Add(rateLimitViolationWindow+time.Millisecond)) {
		t.Fatal("expected earlier violations to have aged out of the window")
	}
}

func TestRecordRateLimitedTracksClassesIndependently(t *testing.T) {
	s := New("sess-1", "u1", "room-1", newFakeTransport(), DefaultLimits())

	now := time.Now()
	for i := 0; i < 14; i++ {
		s.recordRateLimited("presence", 1, now)
	}
	if s.recordRateLimited("storage", 1, now) {
		t.Fatal("storage violations should not be pushed over threshold by presence's count")
	}
}

func TestOnRateLimitedDrainsSessionAfterSustainedViolation(t *testing.T) {
	s := New("sess-1", "u1", "room-1", newFakeTransport(), DefaultLimits())
	s.MarkLive()

	for i := 0; i < 14; i++ {
		s.onRateLimited("presence", 1)
	}
	if s.State() != Live {
		t.Fatalf("expected session still Live before crossing threshold, got %s", s.State())
	}
	s.onRateLimited("presence", 1)
	if s.State() != Draining {
		t.Fatalf("expected session Draining after sustained rate limit violation, got %s", s.State())
	}
	if s.CloseReason() != ReasonRateLimited {
		t.Fatalf("expected close reason %q, got %q", ReasonRateLimited, s.CloseReason())
	}
}

func TestRequestDrainTransitionsLiveSessionAndFlushesToClosed(t *testing.T) {
	s := New("sess-1", "u1", "room-1", newFakeTransport(), DefaultLimits())
	s.MarkLive()

	s.RequestDrain()
	if s.State() != Draining {
		t.Fatalf("expected Draining after RequestDrain, got %s", s.State())
	}
	if s.CloseReason() != ReasonServerDrain {
		t.Fatalf("expected close reason %q, got %q", ReasonServerDrain, s.CloseReason())
	}
	if s.IsClosed() {
		t.Fatal("session should not report closed before its egress queue drains")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.egressLoop(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.IsClosed() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected IsClosed to become true once egressLoop drains an empty queue")
}

func TestIngressDispatchesPresenceAndStorage(t *testing.T) {
	transport := newFakeTransport()
	limits := DefaultLimits()
	s := New("sess-1", "u1", "room-1", transport, limits)
	rm := &fakeRoom{}
	s.coord = rm
	s.MarkLive()

	diffFrame, _ := frame.EncodePresenceDiff(frame.PresenceDiffWire{Fields: map[string]any{"cursor": "a"}})
	transport.push(frame.Encode(diffFrame))
	transport.push(frame.Encode(frame.EncodeStorageUpdate([]byte("op"))))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go s.ingressLoop(ctx)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		p, st := rm.submitted()
		if p == 1 && st == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	p, st := rm.submitted()
	t.Fatalf("expected 1 presence + 1 storage submission, got %d/%d", p, st)
}

func TestIngressRejectsFramesBeforeLive(t *testing.T) {
	transport := newFakeTransport()
	s := New("sess-1", "u1", "room-1", transport, DefaultLimits())
	rm := &fakeRoom{}
	s.coord = rm

	diffFrame, _ := frame.EncodePresenceDiff(frame.PresenceDiffWire{Fields: map[string]any{"cursor": "a"}})
	transport.push(frame.Encode(diffFrame))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	s.ingressLoop(ctx)

	p, _ := rm.submitted()
	if p != 0 {
		t.Fatalf("expected frames before MarkLive to be dropped, got %d submissions", p)
	}
}

type fakeMetrics struct {
	mu        sync.Mutex
	framesIn  []string
	framesOut []string
	drops     []string
}

func (f *fakeMetrics) FrameIn(frameType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.framesIn = append(f.framesIn, frameType)
}

func (f *fakeMetrics) FrameOut(frameType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.framesOut = append(f.framesOut, frameType)
}

func (f *fakeMetrics) EgressDrop(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drops = append(f.drops, reason)
}

func (f *fakeMetrics) snapshot() (in, out, drop []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.framesIn...), append([]string(nil), f.framesOut...), append([]string(nil), f.drops...)
}

func TestEnforceBoundsReportsPresenceOverflowDrops(t *testing.T) {
	limits := DefaultLimits()
	limits.EgressMaxFrames = 2
	s := New("sess-1", "u1", "room-1", newFakeTransport(), limits)
	fm := &fakeMetrics{}
	s.SetMetrics(fm)

	for i := 0; i < 3; i++ {
		f, _ := frame.EncodePresenceDiff(frame.PresenceDiffWire{UserID: string(rune('a' + i)), Fields: map[string]any{"x": i}})
		s.Deliver(f)
	}

	_, _, drops := fm.snapshot()
	if len(drops) == 0 || drops[0] != "presence_overflow" {
		t.Fatalf("expected a presence_overflow drop, got %v", drops)
	}
}

func TestEnforceBoundsReportsStorageOverflowDrain(t *testing.T) {
	limits := DefaultLimits()
	limits.EgressMaxFrames = 1
	s := New("sess-1", "u1", "room-1", newFakeTransport(), limits)
	s.MarkLive()
	fm := &fakeMetrics{}
	s.SetMetrics(fm)

	s.Deliver(frame.EncodeStorageUpdate([]byte("op-1")))
	s.Deliver(frame.EncodeStorageUpdate([]byte("op-2")))

	_, _, drops := fm.snapshot()
	found := false
	for _, d := range drops {
		if d == "storage_overflow_drain" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a storage_overflow_drain report, got %v", drops)
	}
}

func TestDispatchReportsFrameInByType(t *testing.T) {
	transport := newFakeTransport()
	s := New("sess-1", "u1", "room-1", transport, DefaultLimits())
	rm := &fakeRoom{}
	s.coord = rm
	fm := &fakeMetrics{}
	s.SetMetrics(fm)
	s.MarkLive()

	diffFrame, _ := frame.EncodePresenceDiff(frame.PresenceDiffWire{Fields: map[string]any{"cursor": "a"}})
	s.dispatch(context.Background(), diffFrame)
	s.dispatch(context.Background(), frame.EncodeStorageUpdate([]byte("op")))

	in, _, _ := fm.snapshot()
	if len(in) != 2 || in[0] != "presence_diff" || in[1] != "storage_update" {
		t.Fatalf("got FrameIn labels %v", in)
	}
}

func TestEgressLoopReportsFrameOutByType(t *testing.T) {
	transport := newFakeTransport()
	s := New("sess-1", "u1", "room-1", transport, DefaultLimits())
	fm := &fakeMetrics{}
	s.SetMetrics(fm)
	s.MarkLive()
	s.Deliver(frame.EncodeStorageUpdate([]byte("op")))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go s.egressLoop(ctx)

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, out, _ := fm.snapshot()
		if len(out) == 1 && out[0] == "storage_update" {
			return
		}
		time.Sleep(time.Millisecond)
	}
	_, out, _ := fm.snapshot()
	t.Fatalf("expected FrameOut(storage_update), got %v", out)
}

func TestKeepaliveDrainsOnMissingPong(t *testing.T) {
	transport := newFakeTransport()
	limits := DefaultLimits()
	limits.KeepaliveInterval = 10 * time.Millisecond
	limits.KeepaliveTimeout = 15 * time.Millisecond
	s := New("sess-1", "u1", "room-1", transport, limits)
	s.MarkLive()
	s.lastPong = time.Now().Add(-time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go s.keepaliveLoop(ctx)

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		if s.State() == Draining {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected keepalive timeout to drain session, state=%v", s.State())
}
