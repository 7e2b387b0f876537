package types

import "encoding/json"

// Identity is the authenticated caller as supplied by the auth layer
type Identity struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
}

// PushDescriptor tells a client how to reach the push server
type PushDescriptor struct {
	WSURL      string `json:"ws_url"`
	Token      string `json:"token"`
	UserID     int64  `json:"user_id"`
	IssuedAt   int64  `json:"issued_at"`
	TS         int64  `json:"ts"`
	SocketPath string `json:"socket_path"`
}

// Me is the identity response with the embedded push descriptor.
// WS is nil when the push path is disabled.
type Me struct {
	Identity
	WS *PushDescriptor `json:"ws"`
}

// Push event names accepted by the push server
const (
	PushEventCallAgain = "call_again"
)

// PushEvent is the body posted to the push server's emit endpoint
type PushEvent struct {
	Event    string          `json:"event" validate:"required,oneof=rooms queue progress ta_accept call_again"`
	CourseID *int64          `json:"course_id,omitempty"`
	RoomID   *int64          `json:"room_id,omitempty"`
	RefID    *int64          `json:"ref_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// PushMessage is what connected websocket clients receive
type PushMessage struct {
	Type     string          `json:"type"`
	Event    string          `json:"event"`
	CourseID *int64          `json:"course_id"`
	RoomID   *int64          `json:"room_id"`
	RefID    *int64          `json:"ref_id"`
	Payload  json.RawMessage `json:"payload"`
	TS       int64           `json:"ts"`
}
