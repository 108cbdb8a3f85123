package interfaces

import (
	"context"
	"time"

	"coursechat/pkg/types"
)

// ConversationStore persists conversations, messages and read cursors.
// FUNCTIONAL DISCOVERY: Every mutation is applied by a single writer, so
// methods may assume they never interleave with another write.
type ConversationStore interface {
	// GetOrCreateDirect returns the existing direct conversation for key or
	// inserts conv. The returned conversation is the stored one.
	GetOrCreateDirect(ctx context.Context, conv *types.Conversation, directKey string) (*types.Conversation, error)

	CreateConversation(ctx context.Context, conv *types.Conversation) error

	GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error)

	// ListConversationsForUser orders by last activity, newest first, and
	// fills UnreadCount for userID.
	ListConversationsForUser(ctx context.Context, userID string) ([]*types.Conversation, error)

	// UnreadCount counts messages after the user's cursor not sent by the user.
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)

	// AddParticipant reports false if the user was already a participant.
	AddParticipant(ctx context.Context, conversationID, userID string) (bool, error)

	// AppendMessage assigns msg.Seq and updates the last message summary in
	// one transaction.
	AppendMessage(ctx context.Context, msg *types.Message) error

	ListMessages(ctx context.Context, conversationID string, page types.MessagePage) (*types.MessageList, error)

	// MarkRead moves the cursor to the newest message. It reports false when
	// the cursor was already there or the conversation is empty.
	MarkRead(ctx context.Context, conversationID, userID string) (*types.ReadCursor, bool, error)

	GetReadCursor(ctx context.Context, conversationID, userID string) (*types.ReadCursor, error)

	HealthCheck(ctx context.Context) error

	Close() error
}

// NotificationStore persists per-user notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *types.Notification) error

	// MarkNotificationRead fails with types.ErrNotificationNotFound or
	// types.ErrNotificationForbidden.
	MarkNotificationRead(ctx context.Context, notificationID, userID string) error

	// MarkAllNotificationsRead returns how many rows changed.
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)

	ListNotifications(ctx context.Context, userID string, page types.NotificationPage) (*types.NotificationList, error)

	// PruneReadNotifications deletes read notifications created before cutoff.
	PruneReadNotifications(ctx context.Context, cutoff time.Time) (int64, error)
}
