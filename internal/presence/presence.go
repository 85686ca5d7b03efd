// Package presence tracks connected users per room and their ephemeral
// presence data (cursor, status, custom fields), grounded on
// original_source/python/collabkit/presence.py. Stale entries are reaped by
// a background loop started with Start and stopped with Stop, the same
// cooperative-cancellation shape the teacher uses for its grace-period room
// cleanup timers (internal/v1/session/hub.go's removeRoom).
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/RoseWrightdev/collabkit-go/internal/logging"
	"github.com/RoseWrightdev/collabkit-go/internal/metrics"
	"github.com/RoseWrightdev/collabkit-go/internal/protocol"
	"go.uber.org/zap"
)

// Data is one user's presence record within a room.
type Data struct {
	User        protocol.User
	Fields      map[string]any
	LastUpdated time.Time
}

func (d *Data) update(fields map[string]any) {
	if d.Fields == nil {
		d.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		d.Fields[k] = v
	}
	d.LastUpdated = time.Now()
}

// ToMap renders a presence record the way PresenceBroadcast/sync payloads
// expect on the wire.
func (d *Data) ToMap() map[string]any {
	return map[string]any{
		"user":         d.User,
		"data":         d.Fields,
		"last_updated": d.LastUpdated.Unix(),
	}
}

// roomPresence tracks presence for every user in a single room.
type roomPresence struct {
	mu    sync.RWMutex
	users map[string]*Data
}

func newRoomPresence() *roomPresence {
	return &roomPresence{users: make(map[string]*Data)}
}

func (r *roomPresence) addUser(user protocol.User, initial map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if initial == nil {
		initial = map[string]any{}
	}
	r.users[user.ID] = &Data{User: user, Fields: initial, LastUpdated: time.Now()}
}

func (r *roomPresence) removeUser(userID string) (protocol.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.users[userID]
	if !ok {
		return protocol.User{}, false
	}
	delete(r.users, userID)
	return d.User, true
}

func (r *roomPresence) updatePresence(userID string, fields map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.users[userID]
	if !ok {
		return false
	}
	d.update(fields)
	return true
}

func (r *roomPresence) userList() []protocol.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.User, 0, len(r.users))
	for _, d := range r.users {
		out = append(out, d.User)
	}
	return out
}

func (r *roomPresence) hasUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[userID]
	return ok
}

func (r *roomPresence) isEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users) == 0
}

func (r *roomPresence) allPresence() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]any, len(r.users))
	for id, d := range r.users {
		out[id] = d.ToMap()
	}
	return out
}

func (r *roomPresence) staleUsers(threshold time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []string
	for id, d := range r.users {
		if d.LastUpdated.Before(threshold) {
			stale = append(stale, id)
		}
	}
	return stale
}

// BroadcastFunc is invoked whenever a presence update should be fanned out
// to a room's members.
type BroadcastFunc func(roomID, userID string, data map[string]any)

// Manager tracks presence across all rooms and reaps stale entries.
type Manager struct {
	mu       sync.Mutex
	rooms    map[string]*roomPresence
	onUpdate BroadcastFunc

	staleTimeout    time.Duration
	cleanupInterval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a presence manager. staleTimeout is how long an entry
// may go without an update before the reaper removes it; cleanupInterval is
// how often the reaper runs.
func NewManager(staleTimeout, cleanupInterval time.Duration) *Manager {
	return &Manager{
		rooms:           make(map[string]*roomPresence),
		staleTimeout:    staleTimeout,
		cleanupInterval: cleanupInterval,
	}
}

// SetBroadcastFunc registers the callback used to fan out presence updates.
func (m *Manager) SetBroadcastFunc(fn BroadcastFunc) {
	m.onUpdate = fn
}

// Start launches the stale-entry reaper loop.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cleanupStale()
			}
		}
	}()
}

// Stop cancels the reaper loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Manager) cleanupStale() {
	threshold := time.Now().Add(-m.staleTimeout)

	m.mu.Lock()
	rooms := make(map[string]*roomPresence, len(m.rooms))
	for id, r := range m.rooms {
		rooms[id] = r
	}
	m.mu.Unlock()

	for roomID, room := range rooms {
		for _, userID := range room.staleUsers(threshold) {
			if _, ok := room.removeUser(userID); ok {
				metrics.PresenceStaleReaped.Inc()
				logging.Info(context.Background(), "reaped stale presence entry",
					zap.String("room_id", roomID), zap.String("user_id", userID))
			}
		}
		if room.isEmpty() {
			m.mu.Lock()
			if r, ok := m.rooms[roomID]; ok && r.isEmpty() {
				delete(m.rooms, roomID)
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) getOrCreateRoom(roomID string) *roomPresence {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		r = newRoomPresence()
		m.rooms[roomID] = r
	}
	return r
}

// JoinRoom adds user to roomID's presence set and returns the resulting
// member list.
func (m *Manager) JoinRoom(roomID string, user protocol.User, initial map[string]any) []protocol.User {
	room := m.getOrCreateRoom(roomID)
	room.addUser(user, initial)
	metrics.PresenceEntries.WithLabelValues(roomID).Set(float64(len(room.userList())))
	return room.userList()
}

// LeaveRoom removes userID from roomID, deleting the room's presence
// tracker entirely once it is empty.
func (m *Manager) LeaveRoom(roomID, userID string) (protocol.User, bool) {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return protocol.User{}, false
	}
	m.mu.Unlock()

	user, removed := room.removeUser(userID)
	if room.isEmpty() {
		m.mu.Lock()
		if r, ok := m.rooms[roomID]; ok && r.isEmpty() {
			delete(m.rooms, roomID)
		}
		m.mu.Unlock()
	} else {
		metrics.PresenceEntries.WithLabelValues(roomID).Set(float64(len(room.userList())))
	}
	return user, removed
}

// UpdatePresence merges data into userID's presence entry in roomID and,
// unless broadcast is false, invokes the registered BroadcastFunc.
func (m *Manager) UpdatePresence(roomID, userID string, data map[string]any, broadcast bool) bool {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	updated := room.updatePresence(userID, data)
	if updated && broadcast && m.onUpdate != nil {
		m.onUpdate(roomID, userID, data)
	}
	return updated
}

// RoomUsers returns every user currently present in roomID.
func (m *Manager) RoomUsers(roomID string) []protocol.User {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return room.userList()
}

// RoomPresence returns the full presence snapshot for roomID.
func (m *Manager) RoomPresence(roomID string) map[string]map[string]any {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return map[string]map[string]any{}
	}
	return room.allPresence()
}

// IsUserInRoom reports whether userID has a presence entry in roomID.
func (m *Manager) IsUserInRoom(roomID, userID string) bool {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return room.hasUser(userID)
}
