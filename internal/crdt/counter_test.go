package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGCounter_IncrementAndValue(t *testing.T) {
	c := NewGCounter()
	_, ok := c.Increment(3, 1.0, "a", "inc-1")
	require.True(t, ok)
	_, ok = c.Increment(2, 2.0, "b", "inc-2")
	require.True(t, ok)
	require.Equal(t, int64(5), c.Value())
}

func TestGCounter_RejectsNegativeDelta(t *testing.T) {
	c := NewGCounter()
	_, ok := c.Increment(-1, 1.0, "a", "inc-1")
	require.False(t, ok)
	require.Equal(t, int64(0), c.Value())
}

func TestGCounter_MergeTakesPointwiseMax(t *testing.T) {
	a := NewGCounter()
	a.Increment(5, 1.0, "a", "a-1")

	b := NewGCounter()
	b.Increment(3, 1.0, "a", "b-1") // stale relative to a's view of origin "a"
	b.Increment(7, 2.0, "b", "b-2")

	a.Merge(b)
	require.Equal(t, int64(12), a.Value()) // max(5,3) + 7
}

func TestPNCounter_IncrementAndDecrement(t *testing.T) {
	c := NewPNCounter()
	c.Increment(10, 1.0, "a", "inc-1")
	c.Decrement(3, 2.0, "a", "dec-1")
	require.Equal(t, int64(7), c.Value())
}

func TestPNCounter_MergeCommutative(t *testing.T) {
	a := NewPNCounter()
	a.Increment(5, 1.0, "a", "a-1")
	a.Decrement(1, 2.0, "a", "a-2")

	b := NewPNCounter()
	b.Increment(2, 1.0, "b", "b-1")

	left := NewPNCounter()
	left.Merge(a)
	left.Merge(b)

	right := NewPNCounter()
	right.Merge(b)
	right.Merge(a)

	require.Equal(t, left.Value(), right.Value())
}

func TestCounter_ApplyIdempotent(t *testing.T) {
	c := NewGCounter()
	op := Operation{ID: "inc-1", Ts: 1.0, Origin: "a", Kind: OpIncrement, Value: int64(5)}
	require.True(t, c.Apply(op))
	require.False(t, c.Apply(op))
	require.Equal(t, int64(5), c.Value())
}
