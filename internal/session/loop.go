package session

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/syncroom/pod/internal/frame"
	"github.com/syncroom/pod/internal/logger"
)

// Run drives the session until it closes: ingress decode/dispatch, egress
// delivery, and the keepalive ping/pong cycle, all as concurrent logical
// tasks per §5. Run blocks until the session reaches Closed, then detaches
// from its room.
func Run(ctx context.Context, s *Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() { s.ingressLoop(ctx); close(done) }()
	go s.egressLoop(ctx)
	go s.keepaliveLoop(ctx)

	select {
	case <-done:
	case <-ctx.Done():
	}

	s.setState(Closed, s.CloseReason())
	if s.registry != nil {
		s.registry.Detach(s.roomID, s)
	}
	_ = s.transport.Close(string(s.CloseReason()))
}

func (s *Session) ingressLoop(ctx context.Context) {
	for {
		if s.State() != Live && s.State() != Opening {
			return
		}
		data, err := s.transport.ReadMessage(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.RoomErr("transport read failed", s.roomID, s.id, "transport", err)
			}
			s.setState(Closed, ReasonClientClosed)
			return
		}

		f, err := frame.Decode(data)
		if err != nil {
			if s.recordMalformed(time.Now()) {
				s.setState(Closed, ReasonProtocol)
				return
			}
			continue
		}

		if s.State() != Live {
			continue // handshake not complete; drop any frame that slipped in
		}

		s.dispatch(ctx, f)
	}
}

func (s *Session) dispatch(ctx context.Context, f frame.Frame) {
	s.metrics.FrameIn(frameTypeName(f.Type))
	switch f.Type {
	case frame.TypePresenceDiff:
		s.handlePresenceFrame(ctx, f)
	case frame.TypeStorageUpdate:
		s.handleStorageFrame(ctx, f)
	case frame.TypeControl:
		s.handleControlFrame(ctx, f)
	default:
		// Sync frames are server->client only; anything else recognized by
		// Decode but not handled here is simply ignored rather than
		// treated as malformed.
	}
}

func frameTypeName(t byte) string {
	switch t {
	case frame.TypePresenceDiff:
		return "presence_diff"
	case frame.TypeStorageUpdate:
		return "storage_update"
	case frame.TypePresenceSync:
		return "presence_sync"
	case frame.TypeStorageSync:
		return "storage_sync"
	case frame.TypeError:
		return "error"
	case frame.TypeControl:
		return "control"
	default:
		return "unknown"
	}
}

func (s *Session) handlePresenceFrame(ctx context.Context, f frame.Frame) {
	if !s.presenceLimiter.Allow() {
		s.onRateLimited("presence", s.limits.PresenceRate)
		return
	}
	d, err := frame.DecodePresenceDiff(f.Payload)
	if err != nil {
		s.recordMalformed(time.Now())
		return
	}
	// The session's authenticated identity always wins over whatever the
	// client put in the diff (§4.3 "lastActive never taken from the
	// client", extended here to user identity).
	if err := s.coord.SubmitPresenceDiff(s, s.userID, d.Fields, d.Removed); err != nil {
		logger.RoomErr("submit presence diff failed", s.roomID, s.id, "presence", err)
	}
}

func (s *Session) handleStorageFrame(ctx context.Context, f frame.Frame) {
	if !s.storageLimiter.Allow() {
		s.onRateLimited("storage", s.limits.StorageRate)
		return
	}
	if err := s.coord.SubmitStorageOp(s, f.Payload); err != nil {
		logger.RoomErr("submit storage op failed", s.roomID, s.id, "storage", err)
	}
}

func (s *Session) handleControlFrame(ctx context.Context, f frame.Frame) {
	subtype, body, err := frame.DecodeControl(f.Payload)
	if err != nil {
		s.recordMalformed(time.Now())
		return
	}
	switch subtype {
	case frame.ControlPong:
		s.RecordPong()
	case frame.ControlResync:
		s.sendResync(context.Background())
	default:
		_ = body
	}
}

func (s *Session) sendResync(ctx context.Context) {
	entries := s.coord.PresenceSnapshot()
	wireEntries := make([]frame.PresenceEntryWire, len(entries))
	for i, e := range entries {
		wireEntries[i] = frame.PresenceEntryWire{UserID: e.UserID, Fields: e.Fields, LastActive: e.LastActive}
	}
	if f, err := frame.EncodePresenceSync(frame.PresenceSyncWire{Entries: wireEntries}); err == nil {
		s.Deliver(f)
	}
	s.Deliver(frame.EncodeStorageSync(s.coord.DocSnapshot()))
}

// onRateLimited notifies the client it exceeded its token bucket and, once
// the violations for class sustain at >=3x its configured rate over
// rateLimitViolationWindow (§4.5), drains the session instead of letting
// it keep hammering the limiter.
func (s *Session) onRateLimited(class string, limit rate.Limit) {
	s.Deliver(frame.EncodeError(CodeRateLimited, "rate limited"))
	if s.recordRateLimited(class, limit, time.Now()) {
		s.Drain(ReasonRateLimited)
	}
}

func (s *Session) egressLoop(ctx context.Context) {
	for {
		st := s.State()
		if st == Closed {
			return
		}
		f, ok := s.popEgress()
		if !ok {
			if st == Draining {
				s.setState(Closed, s.CloseReason())
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-s.egressWake:
				continue
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}
		if err := s.writeFrame(ctx, f); err != nil {
			logger.RoomErr("egress write failed", s.roomID, s.id, "transport", err)
			s.setState(Closed, ReasonFatal)
			return
		}
		s.metrics.FrameOut(frameTypeName(f.Type))
	}
}

func (s *Session) keepaliveLoop(ctx context.Context) {
	pingTicker := time.NewTicker(s.limits.KeepaliveInterval)
	defer pingTicker.Stop()
	checkTicker := time.NewTicker(s.limits.KeepaliveInterval / 2)
	defer checkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if s.State() == Closed {
				return
			}
			s.Deliver(frame.EncodeControl(frame.ControlPing, nil))
		case <-checkTicker.C:
			if s.State() == Closed {
				return
			}
			if time.Since(s.lastPongAt()) > s.limits.KeepaliveTimeout {
				s.Drain(ReasonKeepalive)
				return
			}
		}
	}
}
