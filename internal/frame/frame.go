// Package frame implements the client wire protocol codec (C1, §4.1/§6.1):
// type:u8 | payload, with typed payload encodings for presence and control
// frames. Storage payloads pass through untouched — this package never
// interprets CRDT bytes.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Type tags recognized on the wire (§4.1).
const (
	TypePresenceDiff  byte = 0x01
	TypeStorageUpdate byte = 0x02
	TypePresenceSync  byte = 0x20 // server -> client only
	TypeStorageSync   byte = 0x21 // server -> client only
	TypeError         byte = 0x7E
	TypeControl       byte = 0x7F
)

// Control subtypes (§6.1).
const (
	ControlPing   byte = 0x01
	ControlPong   byte = 0x02
	ControlDrain  byte = 0x03
	ControlResync byte = 0x04
)

// MaxPresencePayload is the §3 bound on a presence entry's encoded bag of
// fields. A presence frame over this size is malformed.
const MaxPresencePayload = 2 * 1024

// ErrMalformed is returned for any frame that fails to parse or violates a
// length/type bound. Per §4.1 it never kills the session by itself.
var ErrMalformed = errors.New("malformed frame")

// Frame is a decoded wire message: a type tag plus its raw payload.
type Frame struct {
	Type    byte
	Payload []byte
}

var recognized = map[byte]bool{
	TypePresenceDiff:  true,
	TypeStorageUpdate: true,
	TypePresenceSync:  true,
	TypeStorageSync:   true,
	TypeError:         true,
	TypeControl:       true,
}

// Decode splits one transport message into its type tag and payload.
func Decode(data []byte) (Frame, error) {
	if len(data) < 1 {
		return Frame{}, ErrMalformed
	}
	t := data[0]
	if !recognized[t] {
		return Frame{}, ErrMalformed
	}
	f := Frame{Type: t, Payload: data[1:]}
	if (t == TypePresenceDiff || t == TypePresenceSync) && len(f.Payload) > MaxPresencePayload {
		return Frame{}, ErrMalformed
	}
	return f, nil
}

// Encode joins a type tag and payload into one transport message.
func Encode(f Frame) []byte {
	out := make([]byte, 1+len(f.Payload))
	out[0] = f.Type
	copy(out[1:], f.Payload)
	return out
}

// PresenceDiffWire is the CBOR body of a 0x01 PresenceDiff frame.
// UserID is advisory on ingress (the session's authenticated identity always
// wins — see §4.5) and authoritative on egress, since a room broadcasts
// diffs for many users over one session.
type PresenceDiffWire struct {
	UserID  string         `cbor:"userId"`
	Fields  map[string]any `cbor:"fields,omitempty"`
	Removed bool           `cbor:"removed,omitempty"`
}

// PresenceEntryWire is one row of a PresenceSync snapshot.
type PresenceEntryWire struct {
	UserID     string         `cbor:"userId"`
	Fields     map[string]any `cbor:"fields"`
	LastActive int64          `cbor:"lastActive"`
}

// PresenceSyncWire is the CBOR body of a 0x20 PresenceSync frame.
type PresenceSyncWire struct {
	Entries []PresenceEntryWire `cbor:"entries"`
}

// EncodePresenceDiff builds a 0x01 frame from a diff.
func EncodePresenceDiff(d PresenceDiffWire) (Frame, error) {
	payload, err := cbor.Marshal(d)
	if err != nil {
		return Frame{}, fmt.Errorf("encode presence diff: %w", err)
	}
	return Frame{Type: TypePresenceDiff, Payload: payload}, nil
}

// DecodePresenceDiff parses a 0x01 frame's payload.
func DecodePresenceDiff(payload []byte) (PresenceDiffWire, error) {
	var d PresenceDiffWire
	if err := cbor.Unmarshal(payload, &d); err != nil {
		return PresenceDiffWire{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return d, nil
}

// EncodePresenceSync builds a 0x20 frame from a full snapshot.
func EncodePresenceSync(s PresenceSyncWire) (Frame, error) {
	payload, err := cbor.Marshal(s)
	if err != nil {
		return Frame{}, fmt.Errorf("encode presence sync: %w", err)
	}
	return Frame{Type: TypePresenceSync, Payload: payload}, nil
}

// DecodePresenceSync parses a 0x20 frame's payload.
func DecodePresenceSync(payload []byte) (PresenceSyncWire, error) {
	var s PresenceSyncWire
	if err := cbor.Unmarshal(payload, &s); err != nil {
		return PresenceSyncWire{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return s, nil
}

// EncodeStorageUpdate wraps opaque CRDT bytes in a 0x02 frame.
func EncodeStorageUpdate(bytes []byte) Frame {
	return Frame{Type: TypeStorageUpdate, Payload: bytes}
}

// EncodeStorageSync wraps an opaque CRDT snapshot in a 0x21 frame.
func EncodeStorageSync(bytes []byte) Frame {
	return Frame{Type: TypeStorageSync, Payload: bytes}
}

// Error codes carried in a 0x7E frame's body (§7 error taxonomy). Defined
// here, not in package session, so package room can also send one
// (rejecting a storage op while the op store is degraded) without
// importing session and creating a cycle.
const (
	CodeUnauthorized        uint16 = 4001
	CodeMalformedFrame      uint16 = 4002
	CodeProtocolViolation   uint16 = 4003
	CodeRateLimited         uint16 = 4004
	CodeSlowConsumer        uint16 = 4005
	CodeRoomCapacityExceed  uint16 = 4006
	CodeTooManyRooms        uint16 = 4007
	CodeTemporarilyReadOnly uint16 = 4008
	CodeShutdown            uint16 = 4009
	CodeInternalBug         uint16 = 4010
)

// EncodeError builds a 0x7E frame: code:u16 | message:utf8.
func EncodeError(code uint16, message string) Frame {
	payload := make([]byte, 2+len(message))
	binary.BigEndian.PutUint16(payload[0:2], code)
	copy(payload[2:], message)
	return Frame{Type: TypeError, Payload: payload}
}

// DecodeError parses a 0x7E frame's payload.
func DecodeError(payload []byte) (code uint16, message string, err error) {
	if len(payload) < 2 {
		return 0, "", ErrMalformed
	}
	return binary.BigEndian.Uint16(payload[0:2]), string(payload[2:]), nil
}

// EncodeControl builds a 0x7F frame: subtype:u8 | body.
func EncodeControl(subtype byte, body []byte) Frame {
	payload := make([]byte, 1+len(body))
	payload[0] = subtype
	copy(payload[1:], body)
	return Frame{Type: TypeControl, Payload: payload}
}

// DecodeControl parses a 0x7F frame's payload.
func DecodeControl(payload []byte) (subtype byte, body []byte, err error) {
	if len(payload) < 1 {
		return 0, nil, ErrMalformed
	}
	return payload[0], payload[1:], nil
}
