package room

import (
	"context"
	"testing"
	"time"

	"github.com/RoseWrightdev/collabkit-go/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

func TestManagerCreateRoomIsIdempotent(t *testing.T) {
	m := NewManager(time.Second)
	a := m.CreateRoom("room-1", nil)
	b := m.CreateRoom("room-1", map[string]any{"x": 1})
	assert.Same(t, a, b, "re-creating an existing room must return the same instance")
}

func TestManagerAdoptRoomKeepsExistingOnCollision(t *testing.T) {
	m := NewManager(time.Second)
	original := m.CreateRoom("room-1", nil)
	adopted := Restore("room-1", nil)

	got := m.AdoptRoom("room-1", adopted)
	assert.Same(t, original, got)
}

func TestManagerAdoptRoomSeedsGlobalFunctions(t *testing.T) {
	m := NewManager(time.Second)
	m.RegisterFunction(RegisteredFunction{Name: "ping", Func: func(ctx context.Context, r *Room, u *protocol.User, args []any, kwargs map[string]any) (any, error) {
		return "pong", nil
	}})

	restored := Restore("room-2", nil)
	_, ok := restored.GetFunction("ping")
	assert.False(t, ok, "global functions are seeded by AdoptRoom itself, not present on the bare Restore result")

	m.AdoptRoom("room-2", restored)

	got, ok := m.GetRoom("room-2")
	require.True(t, ok)
	_, ok = got.GetFunction("ping")
	assert.True(t, ok, "AdoptRoom must seed every registered global function into the adopted room")
}

func TestManagerScheduleCleanupRemovesEmptyRoomAfterGracePeriod(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	m.CreateRoom("room-1", nil)
	m.ScheduleCleanup("room-1")

	assert.True(t, m.HasRoom("room-1"))
	time.Sleep(100 * time.Millisecond)
	assert.False(t, m.HasRoom("room-1"))
}

func TestManagerScheduleCleanupSkipsRoomThatBecameNonEmpty(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	r := m.CreateRoom("room-1", nil)
	m.ScheduleCleanup("room-1")
	r.AddMember(protocol.User{ID: "u1"}, &recordingSender{})

	time.Sleep(100 * time.Millisecond)
	assert.True(t, m.HasRoom("room-1"), "a room that gained a member before the grace period elapsed must survive")
}

func TestManagerGetOrCreateRoomCancelsPendingCleanup(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	m.CreateRoom("room-1", nil)
	m.ScheduleCleanup("room-1")

	m.GetOrCreateRoom("room-1", nil)
	time.Sleep(100 * time.Millisecond)
	assert.True(t, m.HasRoom("room-1"), "GetOrCreateRoom must cancel a pending grace-period deletion")
}

func TestManagerRegisterFunctionAppliesToExistingRooms(t *testing.T) {
	m := NewManager(time.Second)
	r := m.CreateRoom("room-1", nil)

	m.RegisterFunction(RegisteredFunction{Name: "echo", Func: func(ctx context.Context, rm *Room, u *protocol.User, args []any, kwargs map[string]any) (any, error) {
		return nil, nil
	}})

	_, ok := r.GetFunction("echo")
	assert.True(t, ok)
}

func TestManagerCleanupEmptyRoomsRemovesOnlyEmptyRooms(t *testing.T) {
	m := NewManager(time.Second)
	m.CreateRoom("empty", nil)
	occupied := m.CreateRoom("occupied", nil)
	occupied.AddMember(protocol.User{ID: "u1"}, &recordingSender{})

	removed := m.CleanupEmptyRooms()
	assert.Equal(t, 1, removed)
	assert.False(t, m.HasRoom("empty"))
	assert.True(t, m.HasRoom("occupied"))
}

func TestManagerDeleteRoomCancelsPendingTimer(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	m.CreateRoom("room-1", nil)
	m.ScheduleCleanup("room-1")

	assert.True(t, m.DeleteRoom("room-1"))
	assert.False(t, m.DeleteRoom("room-1"), "deleting an already-gone room reports false")
}
