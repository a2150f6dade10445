package crdtdoc

import (
	"encoding/json"
	"fmt"
	"sort"
)

// LWWKernel is the pod's default Kernel (§4.4): a last-write-wins per-key
// register. It exists so the pipeline — handshake, storage diffs, the
// stream bridge, convergence — is exercisable and deterministic without
// linking a real CRDT library (Yjs- or Automerge-compatible) in at build
// time. An update is a JSON-encoded list of ops; state is a JSON object
// keyed by field name. Marshaling a Go map always sorts keys, so two
// replicas holding the same records always produce byte-identical
// snapshots.
type LWWKernel struct{}

type lwwOp struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	TS    int64           `json:"ts"`
	Site  string          `json:"site"`
}

type lwwRecord struct {
	Value json.RawMessage `json:"value"`
	TS    int64           `json:"ts"`
	Site  string          `json:"site"`
}

// wins reports whether candidate should replace current under (ts, site)
// ordering, site breaking ties so the merge stays deterministic even when
// two sites stamp the same millisecond.
func wins(cur lwwRecord, candTS int64, candSite string) bool {
	if candTS != cur.TS {
		return candTS > cur.TS
	}
	return candSite > cur.Site
}

// Apply decodes update as a list of lwwOp and folds each into state,
// keeping the (ts, site)-greatest value per key. Re-applying the same
// update is a no-op (ties never replace), and applying a batch of updates
// in any order converges to the same state.
func (LWWKernel) Apply(state, update []byte) ([]byte, error) {
	records := map[string]lwwRecord{}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &records); err != nil {
			return nil, fmt.Errorf("crdtdoc: decode state: %w", err)
		}
	}

	var ops []lwwOp
	if len(update) > 0 {
		if err := json.Unmarshal(update, &ops); err != nil {
			return nil, fmt.Errorf("crdtdoc: decode update: %w", err)
		}
	}

	for _, op := range ops {
		cur, ok := records[op.Key]
		if !ok || wins(cur, op.TS, op.Site) {
			records[op.Key] = lwwRecord{Value: op.Value, TS: op.TS, Site: op.Site}
		}
	}

	return json.Marshal(records)
}

// Snapshot re-encodes state as a flat op list so it can be replayed
// through Apply on an empty document to reconstruct it exactly.
func (LWWKernel) Snapshot(state []byte) []byte {
	if len(state) == 0 {
		out, _ := json.Marshal([]lwwOp{})
		return out
	}
	records := map[string]lwwRecord{}
	if err := json.Unmarshal(state, &records); err != nil {
		out, _ := json.Marshal([]lwwOp{})
		return out
	}
	ops := make([]lwwOp, 0, len(records))
	for k, r := range records {
		ops = append(ops, lwwOp{Key: k, Value: r.Value, TS: r.TS, Site: r.Site})
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Key < ops[j].Key })
	out, _ := json.Marshal(ops)
	return out
}

// EncodeOps is a test/ingress helper that builds a raw update payload for
// the default kernel from a set of field writes.
func EncodeOps(ts int64, site string, fields map[string]any) ([]byte, error) {
	ops := make([]lwwOp, 0, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("crdtdoc: encode field %q: %w", k, err)
		}
		ops = append(ops, lwwOp{Key: k, Value: raw, TS: ts, Site: site})
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Key < ops[j].Key })
	return json.Marshal(ops)
}
