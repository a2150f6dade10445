package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/syncroom/pod/internal/authtoken"
	"github.com/syncroom/pod/internal/frame"
	"github.com/syncroom/pod/internal/room"
)

// ErrUnauthorized is returned by Open when the session token fails
// verification (§6.1).
var ErrUnauthorized = errors.New("session: unauthorized")

// Open performs the §4.5 handshake: verify the token, attach to the room,
// and send the initial sync (presence snapshot + CRDT snapshot) before the
// session is marked Live. On any failure the session is sent an Error
// frame and closed, matching "the session closes with Error(code=...)
// before any frame is processed."
func Open(ctx context.Context, id string, transport Transport, token string, verifier *authtoken.Verifier, registry *room.Registry, limits Limits) (*Session, error) {
	userID, roomID, err := verifier.Verify(token)
	if err != nil {
		sendErrorAndClose(ctx, transport, CodeUnauthorized, "unauthorized")
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	s := New(id, userID, roomID, transport, limits)

	coord, err := registry.Attach(ctx, roomID, s)
	if err != nil {
		code := CodeRoomCapacityExceed
		if errors.Is(err, room.ErrTooManyRooms) {
			code = CodeTooManyRooms
		}
		s.Fail(ReasonAttachFailed)
		sendErrorAndClose(ctx, transport, code, err.Error())
		return nil, err
	}
	s.coord = coord
	s.registry = registry

	if err := s.sendInitialSync(ctx, coord); err != nil {
		registry.Detach(roomID, s)
		s.Fail(ReasonAttachFailed)
		sendErrorAndClose(ctx, transport, CodeInternalBug, "initial sync failed")
		return nil, fmt.Errorf("send initial sync: %w", err)
	}

	s.MarkLive()
	return s, nil
}

func (s *Session) sendInitialSync(ctx context.Context, coord Room) error {
	entries := coord.PresenceSnapshot()
	wireEntries := make([]frame.PresenceEntryWire, len(entries))
	for i, e := range entries {
		wireEntries[i] = frame.PresenceEntryWire{UserID: e.UserID, Fields: e.Fields, LastActive: e.LastActive}
	}
	presenceFrame, err := frame.EncodePresenceSync(frame.PresenceSyncWire{Entries: wireEntries})
	if err != nil {
		return fmt.Errorf("encode presence sync: %w", err)
	}
	if err := s.writeFrame(ctx, presenceFrame); err != nil {
		return err
	}

	docFrame := frame.EncodeStorageSync(coord.DocSnapshot())
	return s.writeFrame(ctx, docFrame)
}

func (s *Session) writeFrame(ctx context.Context, f frame.Frame) error {
	return s.transport.WriteMessage(ctx, frame.Encode(f))
}

func sendErrorAndClose(ctx context.Context, transport Transport, code uint16, message string) {
	f := frame.EncodeError(code, message)
	_ = transport.WriteMessage(ctx, frame.Encode(f))
	_ = transport.Close(message)
}
