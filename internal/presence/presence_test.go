package presence

import (
	"testing"
	"time"
)

func TestApplyDiffCreatesAndMerges(t *testing.T) {
	tb := New()
	e := tb.ApplyDiff("u1", map[string]any{"cursor": "a"})
	if e.UserID != "u1" || e.Fields["cursor"] != "a" {
		t.Fatalf("got %+v", e)
	}
	e2 := tb.ApplyDiff("u1", map[string]any{"status": "typing"})
	if e2.Fields["cursor"] != "a" || e2.Fields["status"] != "typing" {
		t.Fatalf("shallow merge lost a field: %+v", e2)
	}
}

func TestLastActiveMonotonicAcrossDiffs(t *testing.T) {
	tb := New()
	var tick int64 = 100
	tb.nowFn = func() int64 { tick++; return tick }

	e1 := tb.ApplyDiff("u1", map[string]any{"a": 1})
	e2 := tb.ApplyDiff("u1", map[string]any{"a": 2})
	if e2.LastActive <= e1.LastActive {
		t.Fatalf("lastActive not monotonic: %d -> %d", e1.LastActive, e2.LastActive)
	}
}

func TestRemoveIsIdempotentTransition(t *testing.T) {
	tb := New()
	tb.ApplyDiff("u1", map[string]any{"a": 1})
	if !tb.Remove("u1") {
		t.Fatal("first remove should report a transition")
	}
	if tb.Remove("u1") {
		t.Fatal("second remove should not report a transition")
	}
}

func TestSnapshotSortedByUserID(t *testing.T) {
	tb := New()
	tb.ApplyDiff("bob", nil)
	tb.ApplyDiff("alice", nil)
	snap := tb.Snapshot()
	if len(snap) != 2 || snap[0].UserID != "alice" || snap[1].UserID != "bob" {
		t.Fatalf("got %+v", snap)
	}
}

func TestExpireStale(t *testing.T) {
	tb := New()
	base := time.Now()
	tb.nowFn = func() int64 { return base.UnixMilli() }
	tb.ApplyDiff("u1", map[string]any{"a": 1})

	removed := tb.ExpireStale(base.Add(500*time.Millisecond), time.Second)
	if len(removed) != 0 {
		t.Fatalf("expired too early: %v", removed)
	}
	removed = tb.ExpireStale(base.Add(2*time.Second), time.Second)
	if len(removed) != 1 || removed[0] != "u1" {
		t.Fatalf("got %v, want [u1]", removed)
	}
	if tb.Len() != 0 {
		t.Fatalf("entry not removed from table")
	}
}

func TestApplyPeerDiffRejectsStaleTimestamp(t *testing.T) {
	tb := New()
	tb.ApplyPeerDiff("u1", map[string]any{"a": 1}, 1000)
	e, ok := tb.ApplyPeerDiff("u1", map[string]any{"a": 2}, 500)
	if ok {
		t.Fatal("stale peer diff should be rejected")
	}
	if e.Fields["a"] != 1 {
		t.Fatalf("state should be unchanged: %+v", e)
	}
	e, ok = tb.ApplyPeerDiff("u1", map[string]any{"a": 3}, 2000)
	if !ok || e.Fields["a"] != 3 {
		t.Fatalf("newer peer diff should apply: %+v ok=%v", e, ok)
	}
}

func TestApplyPeerRemovalRejectsStaleTimestamp(t *testing.T) {
	tb := New()
	tb.ApplyPeerDiff("u1", map[string]any{"a": 1}, 1000)

	if tb.ApplyPeerRemoval("u1", 500) {
		t.Fatal("tombstone older than current LastActive should be rejected")
	}
	if _, ok := tb.Get("u1"); !ok {
		t.Fatal("entry should survive a stale tombstone")
	}

	if !tb.ApplyPeerRemoval("u1", 2000) {
		t.Fatal("tombstone newer than current LastActive should apply")
	}
	if _, ok := tb.Get("u1"); ok {
		t.Fatal("entry should be gone after a fresh tombstone")
	}
}

func TestApplyPeerRemovalOnUnknownUserIsNoop(t *testing.T) {
	tb := New()
	if tb.ApplyPeerRemoval("ghost", 1000) {
		t.Fatal("removal of an unknown user should report no transition")
	}
}
