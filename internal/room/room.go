// Package room implements the collaborative document container: CRDT state,
// connected members, registered server functions, and broadcast fan-out.
// Grounded on original_source/python/collabkit/room.py, with the broadcast
// snapshot-then-evict pattern and grace-period GC adapted from the teacher's
// session.Room/session.Hub (internal/v1/session/room.go, hub.go).
package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RoseWrightdev/collabkit-go/internal/crdt"
	"github.com/RoseWrightdev/collabkit-go/internal/logging"
	"github.com/RoseWrightdev/collabkit-go/internal/metrics"
	"github.com/RoseWrightdev/collabkit-go/internal/protocol"
	"go.uber.org/zap"
)

// Sender abstracts the transport a member is reachable on, so Room never
// imports the websocket layer directly.
type Sender interface {
	Send(msg protocol.ServerMessage) error
}

// ServerFunction is a registered room function, invoked with the calling
// room, user, and the raw positional/keyword arguments the client sent.
type ServerFunction func(ctx context.Context, r *Room, user *protocol.User, args []any, kwargs map[string]any) (any, error)

// RegisteredFunction pairs a function with its authorization requirements.
type RegisteredFunction struct {
	Name                 string
	Func                 ServerFunction
	RequiresAuth         bool
	RequiredPermissions  []string
}

type member struct {
	user   protocol.User
	sender Sender
}

// Room is a single collaborative document: CRDT state, connected members,
// and server functions scoped to this room.
type Room struct {
	ID     string
	NodeID string

	state *crdt.LWWMap

	mu      sync.RWMutex
	members map[string]member

	functionsMu sync.RWMutex
	functions   map[string]RegisteredFunction

	metadataMu sync.RWMutex
	metadata   map[string]any

	createdAt time.Time
}

// New creates a room with optional initial CRDT state. initialState entries
// are seeded as operations at ts=0 so they are always dominated by any real
// client write.
func New(id string, initialState map[string]any) *Room {
	nodeID := "server-" + id
	state := crdt.NewLWWMap()
	if len(initialState) > 0 {
		seedTs := 0.0
		state.Set(nil, initialState, seedTs, nodeID, staticIDGenerator(nodeID))
	}

	return &Room{
		ID:        id,
		NodeID:    nodeID,
		state:     state,
		members:   make(map[string]member),
		functions: make(map[string]RegisteredFunction),
		metadata:  make(map[string]any),
		createdAt: time.Now(),
	}
}

// Restore rebuilds a room by replaying a previously persisted operation log,
// per SPEC_FULL.md's resolution that the durability guarantee is the
// combined storage blob, not the operations array in isolation - the
// operations array is what lets a restored room keep correct per-origin
// version vectors instead of collapsing history into a single snapshot
// write.
func Restore(id string, ops []crdt.Operation) *Room {
	nodeID := "server-" + id
	state := crdt.NewLWWMap()
	for _, op := range ops {
		state.Apply(op)
	}

	return &Room{
		ID:        id,
		NodeID:    nodeID,
		state:     state,
		members:   make(map[string]member),
		functions: make(map[string]RegisteredFunction),
		metadata:  make(map[string]any),
		createdAt: time.Now(),
	}
}

func staticIDGenerator(nodeID string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-seed-%d", nodeID, n)
	}
}

// State returns the room's CRDT document.
func (r *Room) State() *crdt.LWWMap { return r.state }

// Value returns the current materialized state value.
func (r *Room) Value() map[string]any { return r.state.Value() }

// AddMember registers user's transport for this room.
func (r *Room) AddMember(user protocol.User, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[user.ID] = member{user: user, sender: sender}
	metrics.RoomMembers.WithLabelValues(r.ID).Set(float64(len(r.members)))
}

// RemoveMember drops a user's transport, returning the removed user.
func (r *Room) RemoveMember(userID string) (protocol.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[userID]
	if !ok {
		return protocol.User{}, false
	}
	delete(r.members, userID)
	metrics.RoomMembers.WithLabelValues(r.ID).Set(float64(len(r.members)))
	return m.user, true
}

// HasMember reports whether userID is currently in the room.
func (r *Room) HasMember(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[userID]
	return ok
}

// MemberSender returns the transport for userID, used to relay signaling
// messages directly to one peer.
func (r *Room) MemberSender(userID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[userID]
	if !ok {
		return nil, false
	}
	return m.sender, true
}

// Members returns every user currently in the room.
func (r *Room) Members() []protocol.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.User, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.user)
	}
	return out
}

// MemberCount returns the number of connected members.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// IsEmpty reports whether the room has no connected members.
func (r *Room) IsEmpty() bool {
	return r.MemberCount() == 0
}

// SetMetadata stores an opaque room-level metadata value.
func (r *Room) SetMetadata(key string, value any) {
	r.metadataMu.Lock()
	defer r.metadataMu.Unlock()
	r.metadata[key] = value
}

// Metadata returns a copy of the room's metadata.
func (r *Room) Metadata() map[string]any {
	r.metadataMu.Lock()
	defer r.metadataMu.Unlock()
	out := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		out[k] = v
	}
	return out
}

// ApplyOperation applies a CRDT operation to the room's state, returning
// false if it was a duplicate (already-seen operation ID).
func (r *Room) ApplyOperation(op crdt.Operation) bool {
	applied := r.state.Apply(op)
	if applied {
		metrics.OperationsApplied.WithLabelValues(string(op.Kind)).Inc()
	}
	return applied
}

// OperationsSince returns every operation applied after ts.
func (r *Room) OperationsSince(ts float64) []crdt.Operation {
	return r.state.OperationsSince(ts)
}

// AllOperations returns every operation ever applied.
func (r *Room) AllOperations() []crdt.Operation {
	return r.state.AllOperations()
}

// RegisterFunction adds a callable server function scoped to this room.
func (r *Room) RegisterFunction(fn RegisteredFunction) {
	r.functionsMu.Lock()
	defer r.functionsMu.Unlock()
	r.functions[fn.Name] = fn
}

// GetFunction looks up a registered function by name.
func (r *Room) GetFunction(name string) (RegisteredFunction, bool) {
	r.functionsMu.RLock()
	defer r.functionsMu.RUnlock()
	fn, ok := r.functions[name]
	return fn, ok
}

// CallFunction invokes a registered function by name, injecting the room and
// calling user per spec §4.4's dispatch signature.
func (r *Room) CallFunction(ctx context.Context, name string, args []any, kwargs map[string]any, user *protocol.User) (any, error) {
	fn, ok := r.GetFunction(name)
	if !ok {
		return nil, fmt.Errorf("function %q not registered", name)
	}
	return fn.Func(ctx, r, user, args, kwargs)
}

// Broadcast sends message to every connected member except excludeUserID (if
// non-empty). Grounded on the teacher's broadcast: the member list is
// snapshotted under a read lock, sends run concurrently with no lock held,
// and once all have finished, members whose send failed are evicted under a
// write lock.
func (r *Room) Broadcast(message protocol.ServerMessage, excludeUserID string) {
	r.mu.RLock()
	type target struct {
		userID string
		sender Sender
	}
	targets := make([]target, 0, len(r.members))
	for userID, m := range r.members {
		if userID == excludeUserID {
			continue
		}
		targets = append(targets, target{userID: userID, sender: m.sender})
	}
	r.mu.RUnlock()

	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   []string
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			if err := t.sender.Send(message); err != nil {
				logging.Warn(context.Background(), "broadcast send failed",
					zap.String("room_id", r.ID), zap.String("user_id", t.userID), zap.Error(err))
				failedMu.Lock()
				failed = append(failed, t.userID)
				failedMu.Unlock()
			}
		}(t)
	}
	wg.Wait()

	if len(failed) == 0 {
		return
	}

	r.mu.Lock()
	for _, userID := range failed {
		delete(r.members, userID)
	}
	metrics.RoomMembers.WithLabelValues(r.ID).Set(float64(len(r.members)))
	r.mu.Unlock()
}
