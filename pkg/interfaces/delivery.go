package interfaces

import (
	"context"

	"coursechat/pkg/types"
)

// DeliveryReport summarizes one push to all of a user's connections.
type DeliveryReport struct {
	Delivered int
	Failed    int
}

// Online reports whether at least one connection accepted the event.
func (r DeliveryReport) Online() bool {
	return r.Delivered > 0
}

// Pusher delivers an event to every live connection of a user.
type Pusher interface {
	Push(userID string, event *types.Event) DeliveryReport
	IsOnline(userID string) bool
}

// RoomMembership answers whether a user currently has a connection joined
// to a conversation's room.
type RoomMembership interface {
	UserInRoom(conversationID, userID string) bool
}

// NotificationSink is the single entry point for durable notifications.
type NotificationSink interface {
	Notify(ctx context.Context, req types.NotificationRequest) (*types.Notification, error)
}

// MessageRouter delivers an already-persisted message to its recipients.
type MessageRouter interface {
	RouteMessage(ctx context.Context, message *types.Message, conversation *types.Conversation) error
}
