// Package crdtdoc implements the per-room CRDT document (C4, §4.4): an
// opaque byte sequence whose merge semantics are owned entirely by a
// pluggable Kernel. Doc itself never parses the bytes it carries — it only
// sequences calls into the kernel under a lock, satisfying the "treated as
// a black box by the pod" contract in §3.
package crdtdoc

import (
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Kernel is the CRDT merge engine selected at build time (§4.4). Apply must
// be deterministic and idempotent under duplicate application, and
// commutative across any delivery order of a fixed set of updates — that is
// what gives the pod convergence (testable property 1) for free.
type Kernel interface {
	// Apply merges update into state, returning the new state. state may be
	// nil (empty document). update is never mutated or retained.
	Apply(state, update []byte) ([]byte, error)
	// Snapshot returns a self-contained update that reconstructs state when
	// applied to an empty document.
	Snapshot(state []byte) []byte
}

// Doc is one room's CRDT document.
type Doc struct {
	mu     sync.Mutex
	kernel Kernel
	state  []byte
}

// New returns an empty document driven by the given kernel.
func New(kernel Kernel) *Doc {
	return &Doc{kernel: kernel}
}

// Apply merges update into the document. Per I1, callers MUST have already
// durably appended update (§4.8) before calling this.
func (d *Doc) Apply(update []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next, err := d.kernel.Apply(d.state, update)
	if err != nil {
		return err
	}
	d.state = next
	return nil
}

// Snapshot returns a self-contained byte update representing the full
// document state.
func (d *Doc) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.kernel.Snapshot(d.state)
}

// SizeHint returns the current in-memory state size in bytes, for admission
// and metrics decisions.
func (d *Doc) SizeHint() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.state)
}

// Fingerprint returns a 16-byte BLAKE2b digest of the current snapshot, a
// cheap equality check for tests. It is never
// used for ordering or dedup decisions — §4.7/§3 reserve that to sequence
// numbers and timestamps.
func (d *Doc) Fingerprint() [16]byte {
	snap := d.Snapshot()
	h, err := blake2b.New(16, nil)
	if err != nil {
		panic(err) // only fails for an invalid size/key, both fixed here
	}
	h.Write(snap)
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}
