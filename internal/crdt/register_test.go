package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLWWRegister_SetAndValue(t *testing.T) {
	r := NewLWWRegister()
	require.Nil(t, r.Value())

	r.Set("hello", 1.0, "a", "op-1")
	require.Equal(t, "hello", r.Value())
}

func TestLWWRegister_HigherTimestampWins(t *testing.T) {
	r := NewLWWRegister()
	r.Set("first", 1.0, "a", "op-1")
	r.Set("second", 2.0, "a", "op-2")
	require.Equal(t, "second", r.Value())

	// A stale write never overwrites a newer one.
	r.Set("stale", 1.5, "a", "op-3")
	require.Equal(t, "second", r.Value())
}

func TestLWWRegister_TieBreaksOnOrigin(t *testing.T) {
	r := NewLWWRegister()
	r.Set("from-a", 5.0, "a", "op-1")
	r.Set("from-b", 5.0, "b", "op-2")
	require.Equal(t, "from-b", r.Value(), "b > a lexicographically")
}

func TestLWWRegister_ApplyIsIdempotent(t *testing.T) {
	r := NewLWWRegister()
	op := Operation{ID: "dup", Ts: 1.0, Origin: "a", Kind: OpSet, Value: "x"}
	require.True(t, r.Apply(op))
	require.False(t, r.Apply(op))
	require.Equal(t, "x", r.Value())
}

func TestLWWRegister_MergeCommutative(t *testing.T) {
	a := NewLWWRegister()
	a.Set("alpha", 1.0, "a", "op-1")

	b := NewLWWRegister()
	b.Set("beta", 2.0, "b", "op-2")

	left := NewLWWRegister()
	left.Merge(a)
	left.Merge(b)

	right := NewLWWRegister()
	right.Merge(b)
	right.Merge(a)

	require.Equal(t, left.Value(), right.Value())
	require.Equal(t, "beta", left.Value())
}

func TestLWWRegister_StateRoundTrip(t *testing.T) {
	r := NewLWWRegister()
	r.Set("one", 1.0, "a", "op-1")
	r.Set("two", 2.0, "a", "op-2")

	rebuilt := FromRegisterState(r.State())
	require.Equal(t, r.Value(), rebuilt.Value())
	require.Equal(t, r.OperationsSince(0), rebuilt.OperationsSince(0))
}
