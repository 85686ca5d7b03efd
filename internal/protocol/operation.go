package protocol

import "github.com/RoseWrightdev/collabkit-go/internal/crdt"

// ToOperation converts a wire OpRecord into a crdt.Operation, stamping Ts
// with the server-assigned receive timestamp. The client-supplied ClientTs
// is intentionally never consulted here - this is the single choke point
// implementing spec §4.1's "server assigns receive-time to every inbound
// client op" invariant.
func (r OpRecord) ToOperation(serverTs float64) crdt.Operation {
	return crdt.Operation{
		ID:     r.ID,
		Ts:     serverTs,
		Origin: r.Origin,
		Path:   r.Path,
		Kind:   r.Kind,
		Value:  r.Value,
	}
}

// FromOperation converts a crdt.Operation into its wire representation for a
// broadcast or sync response. The server-assigned Ts is carried back out in
// the same ClientTs field it arrived in, so a sync response or persisted
// room can be replayed through ToOperation without losing ordering.
func FromOperation(op crdt.Operation) OpRecord {
	return OpRecord{
		ID:       op.ID,
		ClientTs: op.Ts,
		Origin:   op.Origin,
		Path:     op.Path,
		Kind:     op.Kind,
		Value:    op.Value,
	}
}

// FromOperations converts a slice of crdt.Operation into their wire form.
func FromOperations(ops []crdt.Operation) []OpRecord {
	out := make([]OpRecord, len(ops))
	for i, op := range ops {
		out[i] = FromOperation(op)
	}
	return out
}
