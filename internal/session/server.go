// Package session implements the per-connection protocol dispatcher: the
// accept/read loop, the sixteen-message handler table, screen-share and
// signaling relay, and connection teardown. Grounded on
// original_source/python/collabkit/server.py's CollabkitServer.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/RoseWrightdev/collabkit-go/internal/auth"
	"github.com/RoseWrightdev/collabkit-go/internal/crdt"
	"github.com/RoseWrightdev/collabkit-go/internal/logging"
	"github.com/RoseWrightdev/collabkit-go/internal/metrics"
	"github.com/RoseWrightdev/collabkit-go/internal/permission"
	"github.com/RoseWrightdev/collabkit-go/internal/presence"
	"github.com/RoseWrightdev/collabkit-go/internal/protocol"
	"github.com/RoseWrightdev/collabkit-go/internal/ratelimit"
	"github.com/RoseWrightdev/collabkit-go/internal/room"
	"github.com/RoseWrightdev/collabkit-go/internal/storage"
	"github.com/RoseWrightdev/collabkit-go/internal/transportws"
	"go.uber.org/zap"
)

// Options configures a Server's behavior, mirroring CollabkitServer's
// constructor kwargs (spec §6).
type Options struct {
	RequireAuth           bool
	AllowAnonymous        bool
	AutoCreateRooms       bool
	SaveOnOperation       bool
	MaxMessageSize        int
	MessageTimeout        time.Duration
	FunctionTimeout       time.Duration
	MaxConnectionsPerUser int

	RateLimitMessagesPerSecond float64
	AuthMaxAttempts            int
	AuthLockoutDuration        time.Duration
}

// Server is the collaboration protocol dispatcher. One Server backs every
// active connection; each connection gets its own Session.
type Server struct {
	opts Options

	auth       auth.Provider
	perm       permission.Manager
	storage    storage.Backend
	rooms      *room.Manager
	presence   *presence.Manager
	messageRL  *ratelimit.TokenBucket
	authRL     *ratelimit.AuthLockout

	connMu       sync.Mutex
	connsPerUser map[string]int

	screenMu      sync.Mutex
	screenSharers map[string]string // roomID -> userID currently sharing
}

// New builds a Server. rooms and pres may be freshly constructed; storage
// and authProvider may be nil (memory-only, no-auth deployments).
func New(opts Options, authProvider auth.Provider, perm permission.Manager, backend storage.Backend, rooms *room.Manager, pres *presence.Manager) *Server {
	if perm == nil {
		perm = permission.AllowAll{}
	}

	s := &Server{
		opts:          opts,
		auth:          authProvider,
		perm:          perm,
		storage:       backend,
		rooms:         rooms,
		presence:      pres,
		messageRL:     ratelimit.NewTokenBucket(opts.RateLimitMessagesPerSecond, 1.0),
		authRL:        ratelimit.NewAuthLockout(opts.AuthMaxAttempts, opts.AuthLockoutDuration),
		connsPerUser:  make(map[string]int),
		screenSharers: make(map[string]string),
	}

	pres.SetBroadcastFunc(func(roomID, userID string, data map[string]any) {
		s.broadcastPresence(roomID, userID, data)
	})

	return s
}

// Start brings up background subsystems (the presence reaper).
func (s *Server) Start() { s.presence.Start() }

// Stop tears down background subsystems.
func (s *Server) Stop() { s.presence.Stop() }

// sendableConn adapts a transportws.Conn into a room.Sender that writes JSON
// text frames, matching the teacher's writePump but for text/JSON instead of
// binary/protobuf frames.
type sendableConn struct {
	conn      transportws.Conn
	writeWait time.Duration
}

func (c *sendableConn) Send(msg protocol.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(transportws.TextMessage, data)
}

// Session is the mutable per-connection state the dispatcher threads through
// every handler call.
type Session struct {
	server *Server
	conn   transportws.Conn
	sender *sendableConn
	connID string

	mu              sync.Mutex
	user            *protocol.User
	rooms           map[string]struct{}
	pendingAuthOnly bool
	reservedSlot    bool
}

// HandleConnection runs the accept/read/dispatch loop for one WebSocket
// connection until the client disconnects or a fatal error occurs, then
// performs teardown. connID is a unique key (e.g. remote addr + counter)
// used for per-connection rate limiting and auth lockout bookkeeping.
func (s *Server) HandleConnection(ctx context.Context, conn transportws.Conn, connID string) {
	sess := &Session{
		server: s,
		conn:   conn,
		sender: &sendableConn{conn: conn, writeWait: 10 * time.Second},
		connID: connID,
		rooms:  make(map[string]struct{}),
	}

	metrics.IncConnection()
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error(ctx, "panic while handling connection", zap.String("conn_id", connID), zap.Any("panic", rec))
			sess.sendError(protocol.ErrInternalError, "internal error", nil)
			_ = conn.Close()
		}
		metrics.DecConnection()
		sess.cleanup(ctx)
		s.messageRL.Cleanup(connID)
		s.authRL.Cleanup(connID)
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.opts.MessageTimeout)); err != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if len(data) > s.opts.MaxMessageSize {
			sess.sendError(protocol.ErrInvalidMessage, "message too large", nil)
			continue
		}

		if !s.messageRL.Allow(connID) {
			metrics.RateLimitExceeded.WithLabelValues("message", "token_bucket").Inc()
			sess.sendError(protocol.ErrRateLimited, "rate limit exceeded", nil)
			continue
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			sess.sendError(protocol.ErrInvalidMessage, err.Error(), nil)
			continue
		}

		start := time.Now()
		status := "ok"
		if err := sess.dispatch(ctx, msg); err != nil {
			status = "error"
			logging.Warn(ctx, "message handling failed", zap.String("conn_id", connID), zap.Error(err))
		}
		mt := messageTypeOf(msg)
		metrics.MessagesTotal.WithLabelValues(mt, status).Inc()
		metrics.MessageProcessingDuration.WithLabelValues(mt).Observe(time.Since(start).Seconds())
	}
}

func messageTypeOf(msg protocol.ClientMessage) string {
	switch msg.(type) {
	case protocol.JoinMessage:
		return "join"
	case protocol.LeaveMessage:
		return "leave"
	case protocol.OperationMessage:
		return "operation"
	case protocol.StateUpdateMessage:
		return "state_update"
	case protocol.SyncRequestMessage:
		return "sync_request"
	case protocol.CallMessage:
		return "call"
	case protocol.PresenceMessage:
		return "presence"
	case protocol.PingMessage:
		return "ping"
	case protocol.AuthMessage:
		return "auth"
	case protocol.ScreenShareStartMessage:
		return "screenshare_start"
	case protocol.ScreenShareStopMessage:
		return "screenshare_stop"
	case protocol.RtcOfferMessage:
		return "rtc_offer"
	case protocol.RtcAnswerMessage:
		return "rtc_answer"
	case protocol.RtcIceCandidateMessage:
		return "rtc_ice_candidate"
	case protocol.RemoteControlRequestMessage:
		return "remote_control_request"
	case protocol.RemoteControlResponseMessage:
		return "remote_control_response"
	default:
		return "unknown"
	}
}

// dispatch routes a decoded message to its handler, the Go equivalent of
// server.py's _handle_message table.
func (sess *Session) dispatch(ctx context.Context, msg protocol.ClientMessage) error {
	switch m := msg.(type) {
	case protocol.JoinMessage:
		return sess.handleJoin(ctx, m)
	case protocol.LeaveMessage:
		return sess.handleLeave(ctx, m)
	case protocol.OperationMessage:
		return sess.handleOperation(ctx, m)
	case protocol.StateUpdateMessage:
		return sess.handleStateUpdate(ctx, m)
	case protocol.SyncRequestMessage:
		return sess.handleSyncRequest(ctx, m)
	case protocol.CallMessage:
		return sess.handleCall(ctx, m)
	case protocol.PresenceMessage:
		return sess.handlePresence(ctx, m)
	case protocol.PingMessage:
		return sess.handlePing(ctx, m)
	case protocol.AuthMessage:
		return sess.handleAuth(ctx, m)
	case protocol.ScreenShareStartMessage:
		return sess.handleScreenShareStart(ctx, m)
	case protocol.ScreenShareStopMessage:
		return sess.handleScreenShareStop(ctx, m)
	case protocol.RtcOfferMessage:
		return sess.handleRelay(ctx, "rtc_offer", m.RoomID, m.TargetUserID, m)
	case protocol.RtcAnswerMessage:
		return sess.handleRelay(ctx, "rtc_answer", m.RoomID, m.TargetUserID, m)
	case protocol.RtcIceCandidateMessage:
		return sess.handleRelay(ctx, "rtc_ice_candidate", m.RoomID, m.TargetUserID, m)
	case protocol.RemoteControlRequestMessage:
		return sess.handleRelay(ctx, "remote_control_request", m.RoomID, m.TargetUserID, m)
	case protocol.RemoteControlResponseMessage:
		return sess.handleRelay(ctx, "remote_control_response", m.RoomID, m.TargetUserID, m)
	default:
		return fmt.Errorf("unhandled message type %T", msg)
	}
}

func (sess *Session) sendError(code protocol.ErrorCode, message string, details map[string]any) {
	_ = sess.sender.Send(&protocol.ErrorMessage{
		Type:    "error",
		Code:    string(code),
		Message: message,
		Details: details,
	})
}

func (sess *Session) currentUser() *protocol.User {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.user
}

func (sess *Session) setUser(u *protocol.User) {
	sess.mu.Lock()
	sess.user = u
	sess.mu.Unlock()
}

func (sess *Session) addRoom(roomID string) {
	sess.mu.Lock()
	sess.rooms[roomID] = struct{}{}
	sess.mu.Unlock()
}

func (sess *Session) removeRoom(roomID string) {
	sess.mu.Lock()
	delete(sess.rooms, roomID)
	sess.mu.Unlock()
}

func (sess *Session) roomIDs() []string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]string, 0, len(sess.rooms))
	for id := range sess.rooms {
		out = append(out, id)
	}
	return out
}

func (sess *Session) inRoom(roomID string) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	_, ok := sess.rooms[roomID]
	return ok
}

// reserveSlot reserves this connection's slot against userID's connection cap
// at most once, mirroring server.py's _user_connections[user_id] set (a
// websocket is added once per connection regardless of how many messages it
// sends). Later calls for the same session, even for a different userID on
// re-auth, are no-ops once a slot is held.
func (sess *Session) reserveSlot(userID string) bool {
	sess.mu.Lock()
	if sess.reservedSlot {
		sess.mu.Unlock()
		return true
	}
	sess.mu.Unlock()

	if !sess.server.reserveConnectionSlot(userID) {
		return false
	}

	sess.mu.Lock()
	sess.reservedSlot = true
	sess.mu.Unlock()
	return true
}

// cleanup mirrors server.py's _cleanup_connection: it pops every binding for
// this connection and, outside any shared lock, clears screen-share state
// and runs the leave flow for each room the connection was in.
func (sess *Session) cleanup(ctx context.Context) {
	user := sess.currentUser()
	if user == nil {
		return
	}

	s := sess.server
	sess.mu.Lock()
	held := sess.reservedSlot
	sess.reservedSlot = false
	sess.mu.Unlock()

	if held {
		s.connMu.Lock()
		s.connsPerUser[user.ID]--
		if s.connsPerUser[user.ID] <= 0 {
			delete(s.connsPerUser, user.ID)
		}
		s.connMu.Unlock()
	}

	for _, roomID := range sess.roomIDs() {
		s.screenMu.Lock()
		sharing := s.screenSharers[roomID] == user.ID
		if sharing {
			delete(s.screenSharers, roomID)
		}
		s.screenMu.Unlock()

		if sharing {
			if r, ok := s.rooms.GetRoom(roomID); ok {
				r.Broadcast(&protocol.ScreenShareStoppedBroadcast{
					Type:   "screenshare_stopped",
					RoomID: roomID,
					UserID: user.ID,
				}, "")
			}
		}

		sess.leaveRoom(ctx, roomID, user.ID)
	}
}
