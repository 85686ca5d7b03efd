package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/RoseWrightdev/collabkit-go/internal/crdt"
)

// ErrorCode enumerates the server->client error codes from spec §6.
type ErrorCode string

const (
	ErrAuthenticationFailed ErrorCode = "authentication_failed"
	ErrPermissionDenied     ErrorCode = "permission_denied"
	ErrRoomNotFound         ErrorCode = "room_not_found"
	ErrInvalidMessage       ErrorCode = "invalid_message"
	ErrInvalidOperation     ErrorCode = "invalid_operation"
	ErrFunctionNotFound     ErrorCode = "function_not_found"
	ErrFunctionError        ErrorCode = "function_error"
	ErrInternalError        ErrorCode = "internal_error"
	ErrRateLimited          ErrorCode = "rate_limited"
)

// User is the protocol-visible identity of a room member (spec §3).
type User struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Authenticated is true for a token-validated user and false for an
	// anonymous one. Never serialized to the wire; used only to gate calls
	// to functions registered with RequiresAuth.
	Authenticated bool `json:"-"`
}

// Envelope is the minimal shape every inbound frame must satisfy: a type
// discriminator plus the raw remainder for type-specific decoding.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// ClientMessage is implemented by every decoded client->server message.
type ClientMessage interface {
	messageType() string
}

type JoinMessage struct {
	RoomID   string         `json:"room_id"`
	Token    string         `json:"token,omitempty"`
	UserInfo map[string]any `json:"user_info,omitempty"`
}

func (JoinMessage) messageType() string { return "join" }

type LeaveMessage struct {
	RoomID string `json:"room_id"`
}

func (LeaveMessage) messageType() string { return "leave" }

// OperationMessage carries a raw operation record; ClientTs (if present) is
// parsed but never trusted - the dispatcher overwrites Ts with the server's
// receive time before the operation reaches any CRDT (spec §4.1's critical
// invariant).
type OperationMessage struct {
	RoomID    string   `json:"room_id"`
	Operation OpRecord `json:"operation"`
}

func (OperationMessage) messageType() string { return "operation" }

// OpRecord is the wire shape of a crdt.Operation. ClientTs is discarded by
// the dispatcher, never copied into the resulting crdt.Operation.Ts.
type OpRecord struct {
	ID       string        `json:"id"`
	ClientTs float64       `json:"ts,omitempty"`
	Origin   string        `json:"origin"`
	Path     []string      `json:"path"`
	Kind     crdt.OpKind   `json:"kind"`
	Value    any           `json:"value,omitempty"`
}

type StateUpdateMessage struct {
	RoomID string `json:"room_id"`
	Path   string `json:"path,omitempty"`
	Value  any    `json:"value"`
}

func (StateUpdateMessage) messageType() string { return "state_update" }

type SyncRequestMessage struct {
	RoomID        string             `json:"room_id"`
	SinceTs       float64            `json:"since_timestamp"`
	VersionVector map[string]float64 `json:"version_vector,omitempty"`
}

func (SyncRequestMessage) messageType() string { return "sync_request" }

type CallMessage struct {
	RoomID       string         `json:"room_id"`
	CallID       string         `json:"call_id"`
	FunctionName string         `json:"function_name"`
	Args         []any          `json:"args,omitempty"`
	Kwargs       map[string]any `json:"kwargs,omitempty"`
}

func (CallMessage) messageType() string { return "call" }

type PresenceMessage struct {
	RoomID string         `json:"room_id"`
	Data   map[string]any `json:"data,omitempty"`
}

func (PresenceMessage) messageType() string { return "presence" }

type PingMessage struct {
	Timestamp float64 `json:"timestamp,omitempty"`
}

func (PingMessage) messageType() string { return "ping" }

type AuthMessage struct {
	Token string `json:"token"`
}

func (AuthMessage) messageType() string { return "auth" }

type ScreenShareStartMessage struct {
	RoomID    string `json:"room_id"`
	ShareName string `json:"share_name,omitempty"`
}

func (ScreenShareStartMessage) messageType() string { return "screenshare_start" }

type ScreenShareStopMessage struct {
	RoomID string `json:"room_id"`
}

func (ScreenShareStopMessage) messageType() string { return "screenshare_stop" }

type RtcOfferMessage struct {
	RoomID       string `json:"room_id"`
	TargetUserID string `json:"target_user_id"`
	SDP          string `json:"sdp"`
}

func (RtcOfferMessage) messageType() string { return "rtc_offer" }

type RtcAnswerMessage struct {
	RoomID       string `json:"room_id"`
	TargetUserID string `json:"target_user_id"`
	SDP          string `json:"sdp"`
}

func (RtcAnswerMessage) messageType() string { return "rtc_answer" }

type RtcIceCandidateMessage struct {
	RoomID        string `json:"room_id"`
	TargetUserID  string `json:"target_user_id"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *int   `json:"sdp_m_line_index,omitempty"`
}

func (RtcIceCandidateMessage) messageType() string { return "rtc_ice_candidate" }

type RemoteControlRequestMessage struct {
	RoomID       string `json:"room_id"`
	TargetUserID string `json:"target_user_id"`
}

func (RemoteControlRequestMessage) messageType() string { return "remote_control_request" }

type RemoteControlResponseMessage struct {
	RoomID       string `json:"room_id"`
	TargetUserID string `json:"target_user_id"`
	Granted      bool   `json:"granted"`
}

func (RemoteControlResponseMessage) messageType() string { return "remote_control_response" }

// ParseClientMessage decodes a raw frame into its concrete ClientMessage,
// validating the sizes/denylist rules from spec §6 along the way.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	env.Raw = raw

	switch env.Type {
	case "join":
		var m JoinMessage
		if err := decodeAndValidate(raw, &m, MaxValueSize); err != nil {
			return nil, err
		}
		return m, nil
	case "leave":
		var m LeaveMessage
		if err := decodeAndValidate(raw, &m, 0); err != nil {
			return nil, err
		}
		return m, nil
	case "operation":
		var m OperationMessage
		if err := decodeAndValidate(raw, &m, MaxValueSize); err != nil {
			return nil, err
		}
		if err := ValidatePath(m.Operation.Path); err != nil {
			return nil, err
		}
		if err := ValidateID(m.Operation.ID); err != nil {
			return nil, err
		}
		return m, nil
	case "state_update":
		var m StateUpdateMessage
		if err := decodeAndValidate(raw, &m, MaxValueSize); err != nil {
			return nil, err
		}
		return m, nil
	case "sync_request":
		var m SyncRequestMessage
		if err := decodeAndValidate(raw, &m, 0); err != nil {
			return nil, err
		}
		return m, nil
	case "call":
		var m CallMessage
		if err := decodeAndValidate(raw, &m, MaxValueSize); err != nil {
			return nil, err
		}
		if err := ValidateArgs(m.Args); err != nil {
			return nil, err
		}
		return m, nil
	case "presence":
		var m PresenceMessage
		if err := decodeAndValidate(raw, &m, MaxPresenceDataSize); err != nil {
			return nil, err
		}
		return m, nil
	case "ping":
		var m PingMessage
		if err := decodeAndValidate(raw, &m, 0); err != nil {
			return nil, err
		}
		return m, nil
	case "auth":
		var m AuthMessage
		if err := decodeAndValidate(raw, &m, 0); err != nil {
			return nil, err
		}
		return m, nil
	case "screenshare_start":
		var m ScreenShareStartMessage
		if err := decodeAndValidate(raw, &m, 0); err != nil {
			return nil, err
		}
		return m, nil
	case "screenshare_stop":
		var m ScreenShareStopMessage
		if err := decodeAndValidate(raw, &m, 0); err != nil {
			return nil, err
		}
		return m, nil
	case "rtc_offer":
		var m RtcOfferMessage
		if err := decodeAndValidate(raw, &m, 0); err != nil {
			return nil, err
		}
		if len(m.SDP) > 65536 {
			return nil, fmt.Errorf("sdp exceeds maximum size")
		}
		return m, nil
	case "rtc_answer":
		var m RtcAnswerMessage
		if err := decodeAndValidate(raw, &m, 0); err != nil {
			return nil, err
		}
		if len(m.SDP) > 65536 {
			return nil, fmt.Errorf("sdp exceeds maximum size")
		}
		return m, nil
	case "rtc_ice_candidate":
		var m RtcIceCandidateMessage
		if err := decodeAndValidate(raw, &m, 0); err != nil {
			return nil, err
		}
		if len(m.Candidate) > 4096 {
			return nil, fmt.Errorf("candidate exceeds maximum size")
		}
		return m, nil
	case "remote_control_request":
		var m RemoteControlRequestMessage
		if err := decodeAndValidate(raw, &m, 0); err != nil {
			return nil, err
		}
		return m, nil
	case "remote_control_response":
		var m RemoteControlResponseMessage
		if err := decodeAndValidate(raw, &m, 0); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown message type: %s", env.Type)
	}
}

// decodeAndValidate unmarshals raw into dst, then re-marshals it back to a
// generic any to run it through ValidateSafeJSON's denylist/depth/size
// checks - the same approach original_source's Pydantic models take
// (validate the whole payload shape, not just the fields we kept typed).
func decodeAndValidate(raw []byte, dst any, maxBytes int) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return ValidateSafeJSON(generic, maxBytes)
}

// ServerMessage is implemented by every server->client message, used solely
// to document the family; all are encoded directly via json.Marshal.
type ServerMessage interface {
	messageType() string
}

type JoinedMessage struct {
	Type   string         `json:"type"`
	RoomID string         `json:"room_id"`
	UserID string         `json:"user_id"`
	Users  []User         `json:"users"`
	State  map[string]any `json:"state"`
}

type OperationBroadcast struct {
	Type      string   `json:"type"`
	RoomID    string   `json:"room_id"`
	UserID    string   `json:"user_id"`
	Operation OpRecord `json:"operation"`
}

type SyncMessage struct {
	Type          string             `json:"type"`
	RoomID        string             `json:"room_id"`
	State         map[string]any     `json:"state"`
	Operations    []OpRecord         `json:"operations"`
	VersionVector map[string]float64 `json:"version_vector"`
}

type CallResultMessage struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

type PresenceBroadcast struct {
	Type   string         `json:"type"`
	RoomID string         `json:"room_id"`
	UserID string         `json:"user_id"`
	Data   map[string]any `json:"data"`
}

type UserJoinedMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	User   User   `json:"user"`
}

type UserLeftMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type ErrorMessage struct {
	Type    string         `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type PongMessage struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

type ScreenShareStartedBroadcast struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	ShareName string `json:"share_name,omitempty"`
}

type ScreenShareStoppedBroadcast struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

func (JoinedMessage) messageType() string                   { return "joined" }
func (OperationBroadcast) messageType() string               { return "operation" }
func (SyncMessage) messageType() string                      { return "sync" }
func (CallResultMessage) messageType() string                { return "call_result" }
func (PresenceBroadcast) messageType() string                { return "presence" }
func (UserJoinedMessage) messageType() string                { return "user_joined" }
func (UserLeftMessage) messageType() string                  { return "user_left" }
func (ErrorMessage) messageType() string                     { return "error" }
func (PongMessage) messageType() string                      { return "pong" }
func (ScreenShareStartedBroadcast) messageType() string       { return "screenshare_started" }
func (ScreenShareStoppedBroadcast) messageType() string       { return "screenshare_stopped" }

// Relay is the envelope used to forward a WebRTC/remote-control signaling
// message to a single target peer: the sender's decoded message, re-encoded
// as payload, alongside a server-set from_user_id field.
type Relay struct {
	Type       string          `json:"type"`
	FromUserID string          `json:"from_user_id"`
	Payload    json.RawMessage `json:"payload"`
}

func (Relay) messageType() string { return "relay" }
