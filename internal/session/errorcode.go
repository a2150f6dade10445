package session

import "github.com/syncroom/pod/internal/frame"

// ErrorCode values sent in 0x7E Error frames (§7 error taxonomy). Aliased
// from package frame, which also needs them from package room (a storage
// rejection while the op store is degraded) without creating a
// session <-> room import cycle.
const (
	CodeUnauthorized        = frame.CodeUnauthorized
	CodeMalformedFrame      = frame.CodeMalformedFrame
	CodeProtocolViolation   = frame.CodeProtocolViolation
	CodeRateLimited         = frame.CodeRateLimited
	CodeSlowConsumer        = frame.CodeSlowConsumer
	CodeRoomCapacityExceed  = frame.CodeRoomCapacityExceed
	CodeTooManyRooms        = frame.CodeTooManyRooms
	CodeTemporarilyReadOnly = frame.CodeTemporarilyReadOnly
	CodeShutdown            = frame.CodeShutdown
	CodeInternalBug         = frame.CodeInternalBug
)
