// Package transportws adapts gorilla/websocket connections to the narrow
// interface the session dispatcher needs, grounded on the teacher's
// wsConnection abstraction (session/client.go) but carrying JSON text
// frames instead of protobuf binary frames.
package transportws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the interface the session dispatcher reads/writes through. In
// production it is satisfied by gorillaConn, a thin wrapper around
// *websocket.Conn; tests can substitute a
// fake to simulate disconnects, slow readers, and malformed frames.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() string
}

// gorillaConn wraps *websocket.Conn to satisfy Conn, exposing RemoteAddr as
// a plain string for logging.
type gorillaConn struct {
	*websocket.Conn
}

func (c *gorillaConn) RemoteAddr() string {
	if addr := c.Conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Upgrader wraps gorilla's websocket.Upgrader with the origin-check policy
// the HTTP layer configures at startup from AllowedOrigins.
type Upgrader struct {
	upgrader websocket.Upgrader
}

// NewUpgrader builds an Upgrader. allowedOrigins of length zero allows any
// origin, matching the teacher's permissive development default.
func NewUpgrader(allowedOrigins []string, readBufferSize, writeBufferSize int) *Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// Upgrade promotes an HTTP request to a WebSocket connection.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error) {
	c, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaConn{Conn: c}, nil
}

const (
	// TextMessage is re-exported so callers don't need to import gorilla
	// directly just to pass a message type constant.
	TextMessage = websocket.TextMessage
	CloseMessage = websocket.CloseMessage
)
