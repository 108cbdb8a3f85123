package types

import "time"

// Client to server frame types
const (
	FrameRegister    = "register"
	FrameJoinRoom    = "join_room"
	FrameLeaveRoom   = "leave_room"
	FrameTypingStart = "typing_start"
	FrameTypingStop  = "typing_stop"
	FrameHeartbeat   = "heartbeat"
)

// Server to client event types
const (
	EventRegistered        = "registered"
	EventRoomJoined        = "room_joined"
	EventRoomLeft          = "room_left"
	EventNewMessage        = "new_message"
	EventNewNotification   = "new_notification"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventPresenceChanged   = "presence_changed"
	EventHeartbeatAck      = "heartbeat_ack"
	EventError             = "error"
)

// InboundFrame is a decoded client frame. Fields not used by a frame type are empty.
type InboundFrame struct {
	Type           string `json:"type"`
	UserID         string `json:"user_id,omitempty"`
	Token          string `json:"token,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Event is a server-originated live frame.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType string, data interface{}) *Event {
	return &Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
}

// TypingPayload is carried by user_typing and user_stopped_typing.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// PresencePayload is carried by presence_changed.
type PresencePayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Online         bool   `json:"online"`
}

// RoomPayload acknowledges join_room and leave_room.
type RoomPayload struct {
	ConversationID string `json:"conversation_id"`
}

// RegisteredPayload acknowledges register.
type RegisteredPayload struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

// ErrorPayload is carried by error events.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessagePayload is the new_message body: the message plus sender identity.
type NewMessagePayload struct {
	Message *Message `json:"message"`
	Sender  *User    `json:"sender,omitempty"`
}
