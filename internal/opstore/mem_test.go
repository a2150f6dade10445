package opstore

import (
	"context"
	"testing"
)

func TestMemStoreAppendAssignsIncreasingSeq(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	seq1, err := m.Append(ctx, "room-1", "site-a", []byte("a"))
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	seq2, err := m.Append(ctx, "room-1", "site-a", []byte("b"))
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if seq1 != 1 || seq2 != 2 {
		t.Fatalf("got seqs %d, %d; want 1, 2", seq1, seq2)
	}
}

func TestMemStoreSequencesArePerRoom(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	seqA, _ := m.Append(ctx, "room-a", "site-1", []byte("x"))
	seqB, _ := m.Append(ctx, "room-b", "site-1", []byte("y"))
	if seqA != 1 || seqB != 1 {
		t.Fatalf("rooms should have independent sequences, got %d, %d", seqA, seqB)
	}
}

func TestMemStoreRangeScanExcludesFromSeq(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := m.Append(ctx, "room-1", "site-a", []byte{byte(i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	ops, err := m.RangeScan(ctx, "room-1", 1)
	if err != nil {
		t.Fatalf("range scan: %v", err)
	}
	if len(ops) != 2 || ops[0].Seq != 2 || ops[1].Seq != 3 {
		t.Fatalf("got %+v", ops)
	}
}

func TestMemStoreLatestSeqEmptyRoom(t *testing.T) {
	m := NewMemStore()
	seq, err := m.LatestSeq(context.Background(), "never-touched")
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if seq != 0 {
		t.Fatalf("got %d, want 0", seq)
	}
}
