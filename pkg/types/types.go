package types

import (
	"time"
)

// Conversation kinds
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// Message kinds
const (
	MessageKindText   = "text"
	MessageKindSystem = "system"
)

// Notification kinds produced by the messaging core. Other subsystems may use
// their own kinds (e.g. "ENROLLMENT", "COMPLIANCE_DUE") through the same sink.
const (
	NotificationNewMessage  = "NEW_MESSAGE"
	NotificationAddedToChat = "ADDED_TO_CONVERSATION"
)

// Typing states carried by typing signals
const (
	TypingStart = "start"
	TypingStop  = "stop"
)

// User is the external identity as seen by the conversation layer.
// It is never persisted by this service.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Role   string `json:"role"`
}

// GroupContext ties a group conversation to the course it was created for.
type GroupContext struct {
	CourseID string `json:"course_id"`
	Name     string `json:"name"`
}

// MessageSummary is the denormalized copy of a conversation's newest message.
// It is written only inside the append transaction.
type MessageSummary struct {
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	Preview   string    `json:"preview"`
	Kind      string    `json:"kind"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is a durable channel of messages among a set of participants.
// UnreadCount is computed per viewer and is zero outside of list/get results.
type Conversation struct {
	ID                 string          `json:"id"`
	Kind               string          `json:"kind"`
	ParticipantIDs     []string        `json:"participant_ids"`
	GroupContext       *GroupContext   `json:"group_context,omitempty"`
	LastMessageSummary *MessageSummary `json:"last_message,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UnreadCount        int             `json:"unread_count"`
}

// HasParticipant reports whether userID is in the participant set.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// LastActivity is the ordering key for conversation lists.
func (c *Conversation) LastActivity() time.Time {
	if c.LastMessageSummary != nil {
		return c.LastMessageSummary.CreatedAt
	}
	return c.CreatedAt
}

// Message is immutable once appended. Seq is assigned per conversation inside
// the append transaction and matches the (created_at, id) ordering.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Kind           string    `json:"kind"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
}

// ReadCursor is a user's bookmark into a conversation.
type ReadCursor struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	LastMessageID  string    `json:"last_message_id"`
	LastSeq        int64     `json:"last_seq"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Notification is a durable, queryable alert owned by a single user.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	RelatedID *string   `json:"related_id,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationRequest is the single fan-out entry point payload.
type NotificationRequest struct {
	UserID    string  `json:"user_id"`
	Kind      string  `json:"kind"`
	Title     string  `json:"title"`
	Message   string  `json:"message"`
	RelatedID *string `json:"related_id,omitempty"`
}

// MessagePage selects a window of a conversation's history. At most one of
// BeforeSeq/AfterSeq is honoured; with neither, the newest Limit messages are returned.
type MessagePage struct {
	Limit     int
	BeforeSeq int64
	AfterSeq  int64
}

// MessageList is a page of messages ordered oldest to newest.
type MessageList struct {
	Messages []*Message `json:"messages"`
	HasMore  bool       `json:"has_more"`
}

// NotificationPage selects a window of a user's notifications, newest first.
type NotificationPage struct {
	Limit  int
	Cursor string
}

// NotificationList is a page of notifications plus the user's total unread count.
type NotificationList struct {
	Notifications []*Notification `json:"notifications"`
	UnreadCount   int             `json:"unread_count"`
	HasMore       bool            `json:"has_more"`
	NextCursor    string          `json:"next_cursor,omitempty"`
}
