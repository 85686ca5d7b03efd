package crdt

// GCounter is a grow-only counter: each origin tracks its own monotonic
// count, and the total is their sum. Negative increments are rejected,
// matching counter.py's validation.
type GCounter struct {
	opLog
	counts map[string]int64
}

// NewGCounter returns a zero-valued counter.
func NewGCounter() *GCounter {
	return &GCounter{opLog: newOpLog(), counts: make(map[string]int64)}
}

// Increment builds and applies an increment operation. delta must be >= 0.
func (c *GCounter) Increment(delta int64, ts float64, origin, opID string) (Operation, bool) {
	if delta < 0 {
		return Operation{}, false
	}
	op := Operation{ID: opID, Ts: ts, Origin: origin, Kind: OpIncrement, Value: delta}
	ok := c.Apply(op)
	return op, ok
}

// Apply adds op's delta to its origin's count. Idempotent on op.ID; rejects
// negative or malformed deltas.
func (c *GCounter) Apply(op Operation) bool {
	if c.hasSeen(op.ID) || op.Kind != OpIncrement {
		return false
	}
	delta, ok := asInt64(op.Value)
	if !ok || delta < 0 {
		return false
	}
	c.record(op)
	c.counts[op.Origin] += delta
	return true
}

// Merge takes the pointwise max of per-origin counts, then records any
// operation from other not yet seen locally into the log/version vector
// only - counter.py's merge calls _record_operation in this loop, never
// re-applying the delta, since the max-map above already absorbed it.
func (c *GCounter) Merge(other *GCounter) {
	for origin, count := range other.counts {
		if cur := c.counts[origin]; count > cur {
			c.counts[origin] = count
		}
	}
	for _, op := range other.allOperations() {
		if !c.hasSeen(op.ID) {
			c.record(op)
		}
	}
}

// Value returns the sum of every origin's count.
func (c *GCounter) Value() int64 {
	var total int64
	for _, v := range c.counts {
		total += v
	}
	return total
}

// OperationsSince delegates to the shared log.
func (c *GCounter) OperationsSince(ts float64) []Operation { return c.operationsSince(ts) }

// AllOperations delegates to the shared log.
func (c *GCounter) AllOperations() []Operation { return c.allOperations() }

type counterState struct {
	Operations []Operation `json:"operations"`
}

// State returns a round-trip-safe snapshot.
func (c *GCounter) State() counterState { return counterState{Operations: c.allOperations()} }

// FromGCounterState rebuilds a GCounter from a previously captured State.
func FromGCounterState(s counterState) *GCounter {
	c := NewGCounter()
	for _, op := range s.Operations {
		c.Apply(op)
	}
	return c
}

// PNCounter is a counter supporting both increment and decrement, tracked as
// two independent GCounter-style per-origin maps so both directions remain
// grow-only and mergeable by pointwise max.
type PNCounter struct {
	opLog
	positive map[string]int64
	negative map[string]int64
}

// NewPNCounter returns a zero-valued counter.
func NewPNCounter() *PNCounter {
	return &PNCounter{opLog: newOpLog(), positive: make(map[string]int64), negative: make(map[string]int64)}
}

// Increment builds and applies an increment operation. delta must be >= 0.
func (c *PNCounter) Increment(delta int64, ts float64, origin, opID string) (Operation, bool) {
	if delta < 0 {
		return Operation{}, false
	}
	op := Operation{ID: opID, Ts: ts, Origin: origin, Kind: OpIncrement, Value: delta}
	ok := c.Apply(op)
	return op, ok
}

// Decrement builds and applies a decrement operation. delta must be >= 0.
func (c *PNCounter) Decrement(delta int64, ts float64, origin, opID string) (Operation, bool) {
	if delta < 0 {
		return Operation{}, false
	}
	op := Operation{ID: opID, Ts: ts, Origin: origin, Kind: OpDecrement, Value: delta}
	ok := c.Apply(op)
	return op, ok
}

// Apply adds op's delta to the appropriate positive/negative map for its
// origin. Idempotent on op.ID; rejects negative or malformed deltas.
func (c *PNCounter) Apply(op Operation) bool {
	if c.hasSeen(op.ID) {
		return false
	}
	delta, ok := asInt64(op.Value)
	if !ok || delta < 0 {
		return false
	}
	switch op.Kind {
	case OpIncrement:
		c.record(op)
		c.positive[op.Origin] += delta
		return true
	case OpDecrement:
		c.record(op)
		c.negative[op.Origin] += delta
		return true
	default:
		return false
	}
}

// Merge takes the pointwise max of both the positive and negative per-origin
// maps, then records any unseen operation from other into the log/version
// vector only - the max-map above already absorbed its delta.
func (c *PNCounter) Merge(other *PNCounter) {
	for origin, count := range other.positive {
		if cur := c.positive[origin]; count > cur {
			c.positive[origin] = count
		}
	}
	for origin, count := range other.negative {
		if cur := c.negative[origin]; count > cur {
			c.negative[origin] = count
		}
	}
	for _, op := range other.allOperations() {
		if !c.hasSeen(op.ID) {
			c.record(op)
		}
	}
}

// Value returns sum(positive) - sum(negative).
func (c *PNCounter) Value() int64 {
	var total int64
	for _, v := range c.positive {
		total += v
	}
	for _, v := range c.negative {
		total -= v
	}
	return total
}

// OperationsSince delegates to the shared log.
func (c *PNCounter) OperationsSince(ts float64) []Operation { return c.operationsSince(ts) }

// AllOperations delegates to the shared log.
func (c *PNCounter) AllOperations() []Operation { return c.allOperations() }

// State returns a round-trip-safe snapshot.
func (c *PNCounter) State() counterState { return counterState{Operations: c.allOperations()} }

// FromPNCounterState rebuilds a PNCounter from a previously captured State.
func FromPNCounterState(s counterState) *PNCounter {
	c := NewPNCounter()
	for _, op := range s.Operations {
		c.Apply(op)
	}
	return c
}

// asInt64 coerces a decoded JSON numeric value (float64 from encoding/json,
// or an already-typed int64 set programmatically) into an int64.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
