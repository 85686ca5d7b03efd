package crdt

// timestampedValue is the register's current winner: a value plus the
// (ts, origin) pair that produced it, grounded on
// original_source/python/collabkit/crdt/register.py's TimestampedValue.
type timestampedValue struct {
	value  any
	ts     float64
	origin string
}

// LWWRegister is a last-writer-wins register over a single arbitrary value.
type LWWRegister struct {
	opLog
	current *timestampedValue
}

// NewLWWRegister returns an empty register with no current value.
func NewLWWRegister() *LWWRegister {
	return &LWWRegister{opLog: newOpLog()}
}

// Set creates a set operation stamped with ts/origin (the caller - normally
// the session dispatcher - supplies the server-assigned timestamp) and
// applies it locally.
func (r *LWWRegister) Set(value any, ts float64, origin, opID string) Operation {
	op := Operation{ID: opID, Ts: ts, Origin: origin, Kind: OpSet, Value: value}
	r.Apply(op)
	return op
}

// Apply applies op if it has not been seen and, for a set op, only if it is
// newer than the current winner. Returns whether the operation changed state.
func (r *LWWRegister) Apply(op Operation) bool {
	if r.hasSeen(op.ID) {
		return false
	}
	if op.Kind != OpSet {
		return false
	}
	r.record(op)
	if r.current == nil || greaterThan(op.Ts, op.Origin, r.current.ts, r.current.origin) {
		r.current = &timestampedValue{value: op.Value, ts: op.Ts, origin: op.Origin}
		return true
	}
	return false
}

// Merge replays every operation from other not yet seen locally.
func (r *LWWRegister) Merge(other *LWWRegister) {
	for _, op := range other.allOperations() {
		if !r.hasSeen(op.ID) {
			r.Apply(op)
		}
	}
}

// Value returns the current winning value, or nil if never set.
func (r *LWWRegister) Value() any {
	if r.current == nil {
		return nil
	}
	return r.current.value
}

// OperationsSince delegates to the shared log.
func (r *LWWRegister) OperationsSince(ts float64) []Operation { return r.operationsSince(ts) }

// AllOperations delegates to the shared log.
func (r *LWWRegister) AllOperations() []Operation { return r.allOperations() }

// registerState is the round-trip-safe serialization of an LWWRegister.
type registerState struct {
	Operations []Operation `json:"operations"`
}

// State returns a round-trip-safe snapshot including the full op log.
func (r *LWWRegister) State() registerState {
	return registerState{Operations: r.allOperations()}
}

// FromRegisterState rebuilds a register from a previously captured State.
func FromRegisterState(s registerState) *LWWRegister {
	r := NewLWWRegister()
	for _, op := range s.Operations {
		r.Apply(op)
	}
	return r
}
