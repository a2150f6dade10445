package frame

import (
	"bytes"
	"strings"
	"testing"
)

func TestDecodeRejectsEmpty(t *testing.T) {
	if _, err := Decode(nil); err != ErrMalformed {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := Decode([]byte{0x99, 1, 2, 3}); err != ErrMalformed {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := Frame{Type: TypeStorageUpdate, Payload: []byte("opaque-crdt-bytes")}
	got, err := Decode(Encode(want))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestPresenceDiffRoundTrip(t *testing.T) {
	d := PresenceDiffWire{UserID: "u1", Fields: map[string]any{"cursor": map[string]any{"x": 0.25, "y": 0.5}}}
	f, err := EncodePresenceDiff(d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if f.Type != TypePresenceDiff {
		t.Fatalf("type = %x, want %x", f.Type, TypePresenceDiff)
	}
	got, err := DecodePresenceDiff(f.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UserID != "u1" {
		t.Fatalf("userID = %q", got.UserID)
	}
	cursor, ok := got.Fields["cursor"].(map[any]any)
	if !ok {
		// cbor may decode nested maps as map[any]any depending on options; accept either.
		m2, ok2 := got.Fields["cursor"].(map[string]any)
		if !ok2 {
			t.Fatalf("cursor field not a map: %T", got.Fields["cursor"])
		}
		if m2["x"] != 0.25 {
			t.Fatalf("x = %v", m2["x"])
		}
		return
	}
	if cursor["x"] != 0.25 {
		t.Fatalf("x = %v", cursor["x"])
	}
}

func TestPresencePayloadTooLarge(t *testing.T) {
	big := strings.Repeat("x", MaxPresencePayload+1)
	data := append([]byte{TypePresenceDiff}, []byte(big)...)
	if _, err := Decode(data); err != ErrMalformed {
		t.Fatalf("got %v, want ErrMalformed for oversized presence payload", err)
	}
}

func TestErrorFrameRoundTrip(t *testing.T) {
	f := EncodeError(4004, "rate limited")
	code, msg, err := DecodeError(f.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if code != 4004 || msg != "rate limited" {
		t.Fatalf("got (%d, %q)", code, msg)
	}
}

func TestControlFrameRoundTrip(t *testing.T) {
	f := EncodeControl(ControlPing, nil)
	sub, body, err := DecodeControl(f.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub != ControlPing || len(body) != 0 {
		t.Fatalf("got (%x, %v)", sub, body)
	}
}
