package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := New(context.Background(), mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Disconnect(context.Background()) })
	return store, mr
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "room:1", map[string]any{"title": "doc"}))

	got, err := store.Load(ctx, "room:1")
	require.NoError(t, err)
	assert.Equal(t, "doc", got["title"])
}

func TestStoreLoadMissingKeyReturnsNil(t *testing.T) {
	store, _ := newTestStore(t)
	got, err := store.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreExistsAndDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "k1", map[string]any{"a": 1}))

	ok, err := store.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	deleted, err := store.Delete(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, deleted)

	ok, _ = store.Exists(ctx, "k1")
	assert.False(t, ok)
}

func TestStoreListKeysFiltersByPrefix(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "room:1", map[string]any{}))
	require.NoError(t, store.Save(ctx, "room:2", map[string]any{}))
	require.NoError(t, store.Save(ctx, "session:1", map[string]any{}))

	keys, err := store.ListKeys(ctx, "room:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"room:1", "room:2"}, keys)
}

func TestStorePublishSubscribe(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 1)
	store.Subscribe(ctx, "room-events", func(payload []byte) {
		received <- payload
	})

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, store.Publish(ctx, "room-events", map[string]any{"type": "joined"}))

	select {
	case payload := <-received:
		assert.Contains(t, string(payload), "joined")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestNewFailsWhenRedisUnreachable(t *testing.T) {
	_, err := New(context.Background(), "127.0.0.1:1", "")
	assert.Error(t, err)
}
