package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/RoseWrightdev/collabkit-go/internal/permission"
	"github.com/RoseWrightdev/collabkit-go/internal/presence"
	"github.com/RoseWrightdev/collabkit-go/internal/protocol"
	"github.com/RoseWrightdev/collabkit-go/internal/room"
	"github.com/RoseWrightdev/collabkit-go/internal/storage"
	"github.com/RoseWrightdev/collabkit-go/internal/transportws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory transportws.Conn that feeds a preloaded queue of
// inbound frames and records every outbound frame, avoiding a real socket.
type fakeConn struct {
	mu      sync.Mutex
	inbox   [][]byte
	outbox  [][]byte
	closed  bool
	hold    chan struct{} // if set, an empty inbox blocks ReadMessage until closed
}

// newFakeConn encodes each frame as JSON, adding the "type" discriminator for
// client messages (their structs do not carry it).
func newFakeConn(frames ...any) *fakeConn {
	c := &fakeConn{}
	for _, f := range frames {
		b, _ := json.Marshal(f)
		if cm, ok := f.(protocol.ClientMessage); ok {
			var obj map[string]any
			_ = json.Unmarshal(b, &obj)
			obj["type"] = messageTypeOf(cm)
			b, _ = json.Marshal(obj)
		}
		c.inbox = append(c.inbox, b)
	}
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if len(c.inbox) == 0 {
		hold := c.hold
		c.mu.Unlock()
		if hold != nil {
			<-hold
		}
		return 0, nil, errClosed
	}
	b := c.inbox[0]
	c.inbox = c.inbox[1:]
	c.mu.Unlock()
	return transportws.TextMessage, b, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbox = append(c.outbox, data)
	return nil
}

func (c *fakeConn) Close() error                       { c.closed = true; return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error     { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error    { return nil }
func (c *fakeConn) RemoteAddr() string                  { return "127.0.0.1:0" }

func (c *fakeConn) messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.outbox))
	for _, b := range c.outbox {
		var m map[string]any
		_ = json.Unmarshal(b, &m)
		out = append(out, m)
	}
	return out
}

type sentinelErr struct{ msg string }

func (e *sentinelErr) Error() string { return e.msg }

var errClosed = &sentinelErr{"connection closed"}

func testOptions() Options {
	return Options{
		AllowAnonymous:             true,
		AutoCreateRooms:            true,
		MaxMessageSize:             65536,
		MessageTimeout:             time.Second,
		FunctionTimeout:            time.Second,
		MaxConnectionsPerUser:      5,
		RateLimitMessagesPerSecond: 100,
		AuthMaxAttempts:            5,
		AuthLockoutDuration:        time.Minute,
	}
}

func newTestServer(opts Options) *Server {
	rooms := room.NewManager(50 * time.Millisecond)
	pres := presence.NewManager(time.Minute, time.Minute)
	s := New(opts, nil, permission.AllowAll{}, storage.NewMemory(), rooms, pres)
	s.Start()
	return s
}

func TestHandleConnectionJoinSendsJoined(t *testing.T) {
	s := newTestServer(testOptions())
	defer s.Stop()

	conn := newFakeConn(protocol.JoinMessage{RoomID: "room-1"})
	s.HandleConnection(context.Background(), conn, "conn-1")

	msgs := conn.messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "joined", msgs[0]["type"])
	assert.Equal(t, "room-1", msgs[0]["room_id"])
}

func TestHandleConnectionRejectsOversizedMessage(t *testing.T) {
	opts := testOptions()
	opts.MaxMessageSize = 10
	s := newTestServer(opts)
	defer s.Stop()

	conn := newFakeConn(protocol.JoinMessage{RoomID: "a-room-id-longer-than-ten-bytes"})
	s.HandleConnection(context.Background(), conn, "conn-1")

	msgs := conn.messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "error", msgs[0]["type"])
	assert.Equal(t, string(protocol.ErrInvalidMessage), msgs[0]["code"])
}

func TestHandleConnectionRateLimitsMessages(t *testing.T) {
	opts := testOptions()
	opts.RateLimitMessagesPerSecond = 1
	s := newTestServer(opts)
	defer s.Stop()

	conn := newFakeConn(
		protocol.JoinMessage{RoomID: "room-1"},
		protocol.PingMessage{},
		protocol.PingMessage{},
	)
	s.HandleConnection(context.Background(), conn, "conn-rl")

	msgs := conn.messages()
	var sawRateLimited bool
	for _, m := range msgs {
		if m["type"] == "error" && m["code"] == string(protocol.ErrRateLimited) {
			sawRateLimited = true
		}
	}
	assert.True(t, sawRateLimited, "expected at least one rate_limited error, got %+v", msgs)
}

func TestJoinThenOperationAppliesToRoomState(t *testing.T) {
	s := newTestServer(testOptions())
	defer s.Stop()

	connA := newFakeConn(protocol.JoinMessage{RoomID: "room-1"})
	s.HandleConnection(context.Background(), connA, "conn-a")

	connB := newFakeConn(
		protocol.JoinMessage{RoomID: "room-1"},
		protocol.OperationMessage{
			RoomID: "room-1",
			Operation: protocol.OpRecord{
				ID:     "op-1",
				Origin: "conn-b",
				Path:   []string{"title"},
				Kind:   "set",
				Value:  "hello",
			},
		},
	)
	s.HandleConnection(context.Background(), connB, "conn-b")

	r, ok := s.rooms.GetRoom("room-1")
	require.True(t, ok)
	assert.Equal(t, "hello", r.Value()["title"])
}

func TestScreenShareSingleSharerInvariant(t *testing.T) {
	s := newTestServer(testOptions())
	defer s.Stop()

	// A stays connected (its ReadMessage blocks on hold) while B tries to share.
	connA := newFakeConn(
		protocol.JoinMessage{RoomID: "room-1"},
		protocol.ScreenShareStartMessage{RoomID: "room-1", ShareName: "alice-screen"},
	)
	connA.hold = make(chan struct{})
	doneA := make(chan struct{})
	go func() {
		defer close(doneA)
		s.HandleConnection(context.Background(), connA, "conn-a")
	}()
	require.Eventually(t, func() bool {
		for _, m := range connA.messages() {
			if m["type"] == "screenshare_started" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "first screen share should be accepted")

	connB := newFakeConn(
		protocol.JoinMessage{RoomID: "room-1"},
		protocol.ScreenShareStartMessage{RoomID: "room-1", ShareName: "bob-screen"},
	)
	s.HandleConnection(context.Background(), connB, "conn-b")
	close(connA.hold)
	<-doneA

	msgsB := connB.messages()
	var rejected bool
	for _, m := range msgsB {
		if m["type"] == "error" && m["code"] == string(protocol.ErrPermissionDenied) {
			rejected = true
		}
	}
	assert.True(t, rejected, "second screen share attempt should be rejected, got %+v", msgsB)
}

func TestLeaveRoomEvictsMemberAndSchedulesCleanup(t *testing.T) {
	s := newTestServer(testOptions())
	defer s.Stop()

	conn := newFakeConn(
		protocol.JoinMessage{RoomID: "room-1"},
		protocol.LeaveMessage{RoomID: "room-1"},
	)
	s.HandleConnection(context.Background(), conn, "conn-a")

	r, ok := s.rooms.GetRoom("room-1")
	require.True(t, ok)
	assert.True(t, r.IsEmpty())

	time.Sleep(100 * time.Millisecond)
	assert.False(t, s.rooms.HasRoom("room-1"))
}

func TestSyncRequestReturnsOperationsSinceCutoff(t *testing.T) {
	s := newTestServer(testOptions())
	defer s.Stop()

	conn := newFakeConn(
		protocol.JoinMessage{RoomID: "room-1"},
		protocol.OperationMessage{
			RoomID: "room-1",
			Operation: protocol.OpRecord{ID: "op-1", Origin: "conn-a", Path: []string{"a"}, Kind: "set", Value: 1.0},
		},
		protocol.SyncRequestMessage{RoomID: "room-1", SinceTs: 0},
	)
	s.HandleConnection(context.Background(), conn, "conn-a")

	msgs := conn.messages()
	var sync map[string]any
	for _, m := range msgs {
		if m["type"] == "sync" {
			sync = m
		}
	}
	require.NotNil(t, sync, "expected a sync response, got %+v", msgs)
	ops, _ := sync["operations"].([]any)
	assert.NotEmpty(t, ops)
}
