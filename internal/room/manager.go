package room

import (
	"context"
	"sync"
	"time"

	"github.com/RoseWrightdev/collabkit-go/internal/crdt"
	"github.com/RoseWrightdev/collabkit-go/internal/logging"
	"github.com/RoseWrightdev/collabkit-go/internal/metrics"
	"github.com/RoseWrightdev/collabkit-go/internal/protocol"
	"go.uber.org/zap"
)

// Manager owns every active room, global server functions, and the
// debounced grace-period cleanup adapted from the teacher's
// Hub.removeRoom/getOrCreateRoom (internal/v1/session/hub.go).
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*Room

	globalFuncsMu sync.RWMutex
	globalFuncs   map[string]RegisteredFunction

	pendingCleanup    map[string]*time.Timer
	cleanupGracePeriod time.Duration
}

// NewManager creates an empty room manager. gracePeriod controls how long an
// emptied room is kept alive before deletion, so a page refresh doesn't
// destroy room state out from under a reconnecting client.
func NewManager(gracePeriod time.Duration) *Manager {
	return &Manager{
		rooms:              make(map[string]*Room),
		globalFuncs:        make(map[string]RegisteredFunction),
		pendingCleanup:     make(map[string]*time.Timer),
		cleanupGracePeriod: gracePeriod,
	}
}

// GetRoom returns an existing room, if any.
func (m *Manager) GetRoom(roomID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// HasRoom reports whether roomID currently exists.
func (m *Manager) HasRoom(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[roomID]
	return ok
}

// CreateRoom creates and registers a new room, seeding it with every
// registered global function. If roomID already exists, the existing room
// is returned instead (idempotent create, matching room.py's create_room).
func (m *Manager) CreateRoom(roomID string, initialState map[string]any) *Room {
	m.mu.Lock()
	if existing, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return existing
	}

	r := New(roomID, initialState)

	m.globalFuncsMu.RLock()
	for _, fn := range m.globalFuncs {
		r.RegisterFunction(fn)
	}
	m.globalFuncsMu.RUnlock()

	m.rooms[roomID] = r
	m.mu.Unlock()

	metrics.ActiveRooms.Inc()
	return r
}

// AdoptRoom registers a room built outside the manager (e.g. via Restore
// from a persisted operation log), seeding it with every global function.
// If roomID already exists, the existing room is kept and r is discarded.
func (m *Manager) AdoptRoom(roomID string, r *Room) *Room {
	m.mu.Lock()
	if existing, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return existing
	}

	m.globalFuncsMu.RLock()
	for _, fn := range m.globalFuncs {
		r.RegisterFunction(fn)
	}
	m.globalFuncsMu.RUnlock()

	m.rooms[roomID] = r
	m.mu.Unlock()

	metrics.ActiveRooms.Inc()
	return r
}

// GetOrCreateRoom returns the existing room for roomID or creates one,
// canceling any pending grace-period deletion along the way.
func (m *Manager) GetOrCreateRoom(roomID string, initialState map[string]any) *Room {
	m.mu.Lock()
	if r, ok := m.rooms[roomID]; ok {
		if timer, pending := m.pendingCleanup[roomID]; pending {
			timer.Stop()
			delete(m.pendingCleanup, roomID)
		}
		m.mu.Unlock()
		return r
	}
	m.mu.Unlock()
	return m.CreateRoom(roomID, initialState)
}

// ScheduleCleanup schedules roomID for deletion after the grace period if it
// is still empty then, canceling any existing pending timer first so
// repeated empty-room notifications don't pile up duplicate timers.
func (m *Manager) ScheduleCleanup(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pendingCleanup[roomID]; ok {
		existing.Stop()
		delete(m.pendingCleanup, roomID)
	}

	timer := time.AfterFunc(m.cleanupGracePeriod, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if r, ok := m.rooms[roomID]; ok && r.IsEmpty() {
			delete(m.rooms, roomID)
			delete(m.pendingCleanup, roomID)
			metrics.ActiveRooms.Dec()
			metrics.RoomMembers.DeleteLabelValues(roomID)
			logging.Info(context.Background(), "removed empty room after grace period", zap.String("room_id", roomID))
		} else {
			delete(m.pendingCleanup, roomID)
		}
	})

	m.pendingCleanup[roomID] = timer
}

// DeleteRoom removes roomID immediately, bypassing the grace period.
func (m *Manager) DeleteRoom(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.pendingCleanup[roomID]; ok {
		timer.Stop()
		delete(m.pendingCleanup, roomID)
	}
	if _, ok := m.rooms[roomID]; !ok {
		return false
	}
	delete(m.rooms, roomID)
	metrics.ActiveRooms.Dec()
	return true
}

// RegisterFunction registers fn in every existing room and in every room
// created afterward.
func (m *Manager) RegisterFunction(fn RegisteredFunction) {
	m.globalFuncsMu.Lock()
	m.globalFuncs[fn.Name] = fn
	m.globalFuncsMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		r.RegisterFunction(fn)
	}
}

// GetGlobalFunction looks up a function registered across all rooms.
func (m *Manager) GetGlobalFunction(name string) (RegisteredFunction, bool) {
	m.globalFuncsMu.RLock()
	defer m.globalFuncsMu.RUnlock()
	fn, ok := m.globalFuncs[name]
	return fn, ok
}

// BroadcastOperation fans an applied operation out to every member of
// roomID, leaving out the sender when excludeSender is set.
func (m *Manager) BroadcastOperation(roomID string, op crdt.Operation, senderID string, excludeSender bool) {
	r, ok := m.GetRoom(roomID)
	if !ok {
		return
	}

	exclude := ""
	if excludeSender {
		exclude = senderID
	}

	r.Broadcast(&protocol.OperationBroadcast{
		Type:      "operation",
		RoomID:    roomID,
		UserID:    senderID,
		Operation: protocol.FromOperation(op),
	}, exclude)
}

// CleanupEmptyRooms deletes every currently-empty room immediately,
// bypassing the grace period; intended for administrative/shutdown use.
func (m *Manager) CleanupEmptyRooms() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for id, r := range m.rooms {
		if r.IsEmpty() {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		delete(m.rooms, id)
		if timer, ok := m.pendingCleanup[id]; ok {
			timer.Stop()
			delete(m.pendingCleanup, id)
		}
	}
	metrics.ActiveRooms.Sub(float64(len(removed)))
	return len(removed)
}

// RoomCount returns the number of active rooms.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
