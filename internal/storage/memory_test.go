package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySaveLoadRoundTripsJSONTypes(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.Save(ctx, "room:1", map[string]any{"count": 3, "title": "doc"})
	require.NoError(t, err)

	got, err := m.Load(ctx, "room:1")
	require.NoError(t, err)
	assert.Equal(t, float64(3), got["count"], "JSON round-trip coerces numbers to float64")
	assert.Equal(t, "doc", got["title"])
}

func TestMemoryLoadMissingKeyReturnsNilNotError(t *testing.T) {
	m := NewMemory()
	got, err := m.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryExistsAndDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Save(ctx, "k1", map[string]any{"a": 1})

	ok, err := m.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	deleted, err := m.Delete(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, deleted)

	ok, _ = m.Exists(ctx, "k1")
	assert.False(t, ok)

	deleted, err = m.Delete(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, deleted, "deleting an already-gone key reports false")
}

func TestMemoryListKeysFiltersByPrefix(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Save(ctx, "room:1", map[string]any{})
	_ = m.Save(ctx, "room:2", map[string]any{})
	_ = m.Save(ctx, "session:1", map[string]any{})

	keys, err := m.ListKeys(ctx, "room:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"room:1", "room:2"}, keys)
}

func TestRoomKey(t *testing.T) {
	assert.Equal(t, "room:abc", RoomKey("abc"))
}
