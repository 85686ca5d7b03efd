package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RoseWrightdev/collabkit-go/internal/auth"
	"github.com/RoseWrightdev/collabkit-go/internal/crdt"
	"github.com/RoseWrightdev/collabkit-go/internal/logging"
	"github.com/RoseWrightdev/collabkit-go/internal/metrics"
	"github.com/RoseWrightdev/collabkit-go/internal/permission"
	"github.com/RoseWrightdev/collabkit-go/internal/protocol"
	"github.com/RoseWrightdev/collabkit-go/internal/room"
	"github.com/RoseWrightdev/collabkit-go/internal/storage"
	"go.uber.org/zap"
)

func nowTs() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// authenticate resolves a join/auth token into a user, following
// server.py's token-then-anonymous fallback: a present token must validate,
// lockout gates repeated failures, and an absent token only succeeds if
// anonymous access is allowed.
func (sess *Session) authenticate(ctx context.Context, token string) (*protocol.User, error) {
	s := sess.server

	if token != "" {
		if !s.authRL.Allowed(sess.connID) {
			return nil, fmt.Errorf("too many authentication attempts")
		}
		if s.auth == nil {
			s.authRL.RecordFailure(sess.connID)
			return nil, fmt.Errorf("authentication is not configured")
		}
		user, err := s.auth.ValidateToken(ctx, token)
		if err != nil {
			s.authRL.RecordFailure(sess.connID)
			return nil, fmt.Errorf("invalid token: %w", err)
		}
		s.authRL.RecordSuccess(sess.connID)
		return user, nil
	}

	if s.opts.RequireAuth {
		return nil, fmt.Errorf("authentication required")
	}
	if !s.opts.AllowAnonymous {
		return nil, fmt.Errorf("anonymous access is disabled")
	}
	return auth.NewAnonymousUser(""), nil
}

// identify resolves the user for a join: a present token always (re)validates
// against the auth provider, but an absent token reuses an already
// authenticated identity on this connection before falling back to the
// anonymous path, mirroring server.py's _handle_join reading
// self._ws_users.get(websocket) first and only revalidating when a token is
// present.
func (sess *Session) identify(ctx context.Context, token string) (*protocol.User, error) {
	if token == "" {
		if user := sess.currentUser(); user != nil {
			return user, nil
		}
	}
	return sess.authenticate(ctx, token)
}

// reserveConnectionSlot atomically checks and increments the per-user
// connection count, mirroring server.py's check-and-add under _ws_lock.
func (s *Server) reserveConnectionSlot(userID string) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.opts.MaxConnectionsPerUser > 0 && s.connsPerUser[userID] >= s.opts.MaxConnectionsPerUser {
		return false
	}
	s.connsPerUser[userID]++
	return true
}

func (sess *Session) handleJoin(ctx context.Context, m protocol.JoinMessage) error {
	s := sess.server

	user, err := sess.identify(ctx, m.Token)
	if err != nil {
		sess.sendError(protocol.ErrAuthenticationFailed, err.Error(), nil)
		return err
	}

	if !sess.reserveSlot(user.ID) {
		sess.sendError(protocol.ErrPermissionDenied, "too many connections for this user", nil)
		return fmt.Errorf("connection limit exceeded for user %s", user.ID)
	}

	if !s.perm.CheckPermission(user.ID, m.RoomID, permission.Read) {
		sess.sendError(protocol.ErrPermissionDenied, "not permitted to join this room", nil)
		return fmt.Errorf("permission denied")
	}

	r, ok := s.rooms.GetRoom(m.RoomID)
	if !ok {
		if !s.opts.AutoCreateRooms {
			sess.sendError(protocol.ErrRoomNotFound, "room does not exist", nil)
			return fmt.Errorf("room %s not found", m.RoomID)
		}
		r = s.loadOrCreateRoom(ctx, m.RoomID)
	}

	sess.setUser(user)
	r.AddMember(*user, sess.sender)
	sess.addRoom(m.RoomID)
	s.presence.JoinRoom(m.RoomID, *user, nil)

	_ = sess.sender.Send(&protocol.JoinedMessage{
		Type:   "joined",
		RoomID: m.RoomID,
		UserID: user.ID,
		Users:  r.Members(),
		State:  r.Value(),
	})

	r.Broadcast(&protocol.UserJoinedMessage{
		Type:   "user_joined",
		RoomID: m.RoomID,
		User:   *user,
	}, user.ID)

	return nil
}

// loadOrCreateRoom seeds a freshly created room from storage when a backend
// is configured, replaying its persisted operation log so version vectors
// stay correct (see room.Restore).
func (s *Server) loadOrCreateRoom(ctx context.Context, roomID string) *room.Room {
	if s.storage != nil {
		if blob, err := s.storage.Load(ctx, storage.RoomKey(roomID)); err == nil && blob != nil {
			if opsRaw, ok := blob["operations"]; ok {
				if ops, ok := decodeOperations(opsRaw); ok {
					return s.rooms.AdoptRoom(roomID, room.Restore(roomID, ops))
				}
			}
		}
	}
	return s.rooms.CreateRoom(roomID, nil)
}

func decodeOperations(raw any) ([]crdt.Operation, bool) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var records []protocol.OpRecord
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, false
	}
	ops := make([]crdt.Operation, len(records))
	for i, rec := range records {
		ops[i] = rec.ToOperation(rec.ClientTs)
	}
	return ops, true
}

func (sess *Session) handleLeave(ctx context.Context, m protocol.LeaveMessage) error {
	user := sess.currentUser()
	if user == nil {
		return fmt.Errorf("not authenticated")
	}
	sess.leaveRoom(ctx, m.RoomID, user.ID)
	return nil
}

// leaveRoom removes userID from roomID's membership and presence, broadcasts
// the departure, optionally persists the room, and schedules the
// grace-period cleanup if the room is now empty.
func (sess *Session) leaveRoom(ctx context.Context, roomID, userID string) {
	s := sess.server
	r, ok := s.rooms.GetRoom(roomID)
	if !ok {
		return
	}

	if _, removed := r.RemoveMember(userID); !removed {
		return
	}
	sess.removeRoom(roomID)
	s.presence.LeaveRoom(roomID, userID)

	r.Broadcast(&protocol.UserLeftMessage{
		Type:   "user_left",
		RoomID: roomID,
		UserID: userID,
	}, "")

	if s.storage != nil {
		s.persistRoom(ctx, r)
	}

	if r.IsEmpty() {
		s.rooms.ScheduleCleanup(roomID)
	}
}

func (s *Server) persistRoom(ctx context.Context, r *room.Room) {
	blob := map[string]any{
		"state":      r.Value(),
		"operations": protocol.FromOperations(r.AllOperations()),
	}
	if err := s.storage.Save(ctx, storage.RoomKey(r.ID), blob); err != nil {
		logging.Warn(ctx, "failed to persist room", zap.String("room_id", r.ID), zap.Error(err))
	}
}

func (sess *Session) handleOperation(ctx context.Context, m protocol.OperationMessage) error {
	user := sess.currentUser()
	if user == nil || !sess.inRoom(m.RoomID) {
		sess.sendError(protocol.ErrPermissionDenied, "not a member of this room", nil)
		return fmt.Errorf("not a member of room %s", m.RoomID)
	}

	s := sess.server
	if !s.perm.CheckPermission(user.ID, m.RoomID, permission.Write) {
		sess.sendError(protocol.ErrPermissionDenied, "write not permitted", nil)
		return fmt.Errorf("permission denied")
	}

	r, ok := s.rooms.GetRoom(m.RoomID)
	if !ok {
		sess.sendError(protocol.ErrRoomNotFound, "room does not exist", nil)
		return fmt.Errorf("room %s not found", m.RoomID)
	}

	op := m.Operation.ToOperation(nowTs())
	if !r.ApplyOperation(op) {
		return nil // duplicate, already applied
	}

	s.rooms.BroadcastOperation(m.RoomID, op, user.ID, true)

	if s.opts.SaveOnOperation && s.storage != nil {
		s.persistRoom(ctx, r)
	}
	return nil
}

// handleStateUpdate implements the legacy direct-set path: unlike operation
// messages, the write's origin is the raw user id rather than a CRDT node
// id, matching server.py's room.state.set(path, value, user_id).
func (sess *Session) handleStateUpdate(ctx context.Context, m protocol.StateUpdateMessage) error {
	user := sess.currentUser()
	if user == nil || !sess.inRoom(m.RoomID) {
		sess.sendError(protocol.ErrPermissionDenied, "not a member of this room", nil)
		return fmt.Errorf("not a member of room %s", m.RoomID)
	}

	s := sess.server
	if !s.perm.CheckPermission(user.ID, m.RoomID, permission.Write) {
		sess.sendError(protocol.ErrPermissionDenied, "write not permitted", nil)
		return fmt.Errorf("permission denied")
	}

	r, ok := s.rooms.GetRoom(m.RoomID)
	if !ok {
		sess.sendError(protocol.ErrRoomNotFound, "room does not exist", nil)
		return fmt.Errorf("room %s not found", m.RoomID)
	}

	var path []string
	if m.Path != "" {
		path = splitPath(m.Path)
	}

	counter := 0
	ops := r.State().Set(path, m.Value, nowTs(), user.ID, func() string {
		counter++
		return fmt.Sprintf("%s-state-%d-%d", user.ID, time.Now().UnixNano(), counter)
	})

	for _, op := range ops {
		s.rooms.BroadcastOperation(m.RoomID, op, user.ID, true)
	}

	if s.opts.SaveOnOperation && s.storage != nil {
		s.persistRoom(ctx, r)
	}
	return nil
}

func splitPath(path string) []string {
	var out []string
	cur := ""
	for _, c := range path {
		if c == '.' {
			out = append(out, cur)
			cur = ""
			continue
		}
		cur += string(c)
	}
	out = append(out, cur)
	return out
}

func (sess *Session) handleSyncRequest(ctx context.Context, m protocol.SyncRequestMessage) error {
	user := sess.currentUser()
	if user == nil || !sess.inRoom(m.RoomID) {
		sess.sendError(protocol.ErrPermissionDenied, "not a member of this room", nil)
		return fmt.Errorf("not a member of room %s", m.RoomID)
	}

	s := sess.server
	if !s.perm.CheckPermission(user.ID, m.RoomID, permission.Read) {
		sess.sendError(protocol.ErrPermissionDenied, "not permitted to sync this room", nil)
		return fmt.Errorf("permission denied")
	}

	r, ok := s.rooms.GetRoom(m.RoomID)
	if !ok {
		sess.sendError(protocol.ErrRoomNotFound, "room does not exist", nil)
		return fmt.Errorf("room %s not found", m.RoomID)
	}

	ops := r.OperationsSince(m.SinceTs)

	return sess.sender.Send(&protocol.SyncMessage{
		Type:          "sync",
		RoomID:        m.RoomID,
		State:         r.Value(),
		Operations:    protocol.FromOperations(ops),
		VersionVector: r.State().Version().ToMap(),
	})
}

func (sess *Session) handleCall(ctx context.Context, m protocol.CallMessage) error {
	if !sess.inRoom(m.RoomID) {
		sess.sendError(protocol.ErrPermissionDenied, "not a member of this room", nil)
		return fmt.Errorf("not a member of room %s", m.RoomID)
	}

	user := sess.currentUser()
	s := sess.server
	r, ok := s.rooms.GetRoom(m.RoomID)
	if !ok {
		sess.sendError(protocol.ErrRoomNotFound, "room does not exist", nil)
		return fmt.Errorf("room %s not found", m.RoomID)
	}

	fn, ok := r.GetFunction(m.FunctionName)
	if !ok {
		fn, ok = s.rooms.GetGlobalFunction(m.FunctionName)
	}
	if !ok {
		sess.sendError(protocol.ErrFunctionNotFound, "function not registered", nil)
		return fmt.Errorf("function %s not found", m.FunctionName)
	}

	if fn.RequiresAuth && (user == nil || !user.Authenticated) {
		return sess.sendCallResult(m.CallID, false, nil, "authentication required")
	}
	for _, perm := range fn.RequiredPermissions {
		p, err := permission.Parse(perm)
		if err != nil {
			return sess.sendCallResult(m.CallID, false, nil, "misconfigured function permissions")
		}
		if !s.perm.CheckPermission(user.ID, m.RoomID, p) {
			return sess.sendCallResult(m.CallID, false, nil, "permission denied")
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.FunctionTimeout)
	defer cancel()

	start := time.Now()
	result, err := r.CallFunction(callCtx, m.FunctionName, m.Args, m.Kwargs, user)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.FunctionCallDuration.WithLabelValues(m.FunctionName, status).Observe(time.Since(start).Seconds())

	if callCtx.Err() != nil {
		return sess.sendCallResult(m.CallID, false, nil, "function call timed out")
	}
	if err != nil {
		return sess.sendCallResult(m.CallID, false, nil, "function call failed")
	}
	return sess.sendCallResult(m.CallID, true, result, "")
}

func (sess *Session) sendCallResult(callID string, success bool, result any, errMsg string) error {
	return sess.sender.Send(&protocol.CallResultMessage{
		Type:    "call_result",
		CallID:  callID,
		Success: success,
		Result:  result,
		Error:   errMsg,
	})
}

func (sess *Session) handlePresence(ctx context.Context, m protocol.PresenceMessage) error {
	user := sess.currentUser()
	if user == nil || !sess.inRoom(m.RoomID) {
		sess.sendError(protocol.ErrPermissionDenied, "not a member of this room", nil)
		return fmt.Errorf("not a member of room %s", m.RoomID)
	}
	sess.server.presence.UpdatePresence(m.RoomID, user.ID, m.Data, true)
	return nil
}

func (s *Server) broadcastPresence(roomID, userID string, data map[string]any) {
	r, ok := s.rooms.GetRoom(roomID)
	if !ok {
		return
	}
	r.Broadcast(&protocol.PresenceBroadcast{
		Type:   "presence",
		RoomID: roomID,
		UserID: userID,
		Data:   data,
	}, userID)
}

func (sess *Session) handlePing(ctx context.Context, m protocol.PingMessage) error {
	return sess.sender.Send(&protocol.PongMessage{Type: "pong", Timestamp: nowTs()})
}

func (sess *Session) handleAuth(ctx context.Context, m protocol.AuthMessage) error {
	user, err := sess.authenticate(ctx, m.Token)
	if err != nil {
		sess.sendError(protocol.ErrAuthenticationFailed, err.Error(), nil)
		return err
	}
	if !sess.reserveSlot(user.ID) {
		sess.sendError(protocol.ErrPermissionDenied, "too many connections for this user", nil)
		return fmt.Errorf("connection limit exceeded for user %s", user.ID)
	}
	sess.setUser(user)
	return nil
}

func (sess *Session) handleScreenShareStart(ctx context.Context, m protocol.ScreenShareStartMessage) error {
	user := sess.currentUser()
	if user == nil || !sess.inRoom(m.RoomID) {
		sess.sendError(protocol.ErrPermissionDenied, "not a member of this room", nil)
		return fmt.Errorf("not a member of room %s", m.RoomID)
	}

	s := sess.server
	s.screenMu.Lock()
	if existing, sharing := s.screenSharers[m.RoomID]; sharing && existing != user.ID {
		s.screenMu.Unlock()
		sess.sendError(protocol.ErrPermissionDenied, "another user is already sharing", nil)
		return fmt.Errorf("room %s already has an active screen share", m.RoomID)
	}
	s.screenSharers[m.RoomID] = user.ID
	s.screenMu.Unlock()

	r, ok := s.rooms.GetRoom(m.RoomID)
	if !ok {
		return fmt.Errorf("room %s not found", m.RoomID)
	}
	r.Broadcast(&protocol.ScreenShareStartedBroadcast{
		Type:      "screenshare_started",
		RoomID:    m.RoomID,
		UserID:    user.ID,
		ShareName: m.ShareName,
	}, "")
	return nil
}

func (sess *Session) handleScreenShareStop(ctx context.Context, m protocol.ScreenShareStopMessage) error {
	user := sess.currentUser()
	if user == nil || !sess.inRoom(m.RoomID) {
		sess.sendError(protocol.ErrPermissionDenied, "not a member of this room", nil)
		return fmt.Errorf("not a member of room %s", m.RoomID)
	}

	s := sess.server
	s.screenMu.Lock()
	if s.screenSharers[m.RoomID] != user.ID {
		s.screenMu.Unlock()
		return nil
	}
	delete(s.screenSharers, m.RoomID)
	s.screenMu.Unlock()

	r, ok := s.rooms.GetRoom(m.RoomID)
	if !ok {
		return fmt.Errorf("room %s not found", m.RoomID)
	}
	r.Broadcast(&protocol.ScreenShareStoppedBroadcast{
		Type:   "screenshare_stopped",
		RoomID: m.RoomID,
		UserID: user.ID,
	}, "")
	return nil
}

// handleRelay forwards a signaling message to exactly one peer, rewriting
// from_user_id the way server.py's _handle_rtc_offer/_handle_rtc_answer/
// _handle_rtc_ice_candidate/_handle_remote_control_* do, swallowing relay
// failures rather than surfacing them to the sender.
func (sess *Session) handleRelay(ctx context.Context, msgType, roomID, targetUserID string, payload any) error {
	user := sess.currentUser()
	if user == nil || !sess.inRoom(roomID) {
		sess.sendError(protocol.ErrPermissionDenied, "not a member of this room", nil)
		return fmt.Errorf("not a member of room %s", roomID)
	}

	r, ok := sess.server.rooms.GetRoom(roomID)
	if !ok {
		return fmt.Errorf("room %s not found", roomID)
	}

	target, ok := r.MemberSender(targetUserID)
	if !ok {
		logging.Info(ctx, "relay target not connected", zap.String("room_id", roomID), zap.String("target_user_id", targetUserID))
		metrics.SignalingRelays.WithLabelValues(msgType, "target_offline").Inc()
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if err := target.Send(&protocol.Relay{Type: msgType, FromUserID: user.ID, Payload: raw}); err != nil {
		logging.Info(ctx, "relay send failed", zap.String("room_id", roomID), zap.Error(err))
		metrics.SignalingRelays.WithLabelValues(msgType, "send_failed").Inc()
		return nil
	}

	metrics.SignalingRelays.WithLabelValues(msgType, "ok").Inc()
	return nil
}
