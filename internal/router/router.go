// Package router delivers persisted messages to the live connections of a
// conversation's participants and raises notifications for those not watching.
package router

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"coursechat/internal/metrics"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

var _ interfaces.MessageRouter = (*Router)(nil)

// Router is stateless; ordering is the caller's concern (see internal/hub).
type Router struct {
	presence  interfaces.Pusher
	rooms     interfaces.RoomMembership
	notifier  interfaces.NotificationSink
	directory interfaces.UserDirectory
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewRouter wires the router to its collaborators.
func NewRouter(
	presence interfaces.Pusher,
	rooms interfaces.RoomMembership,
	notifier interfaces.NotificationSink,
	directory interfaces.UserDirectory,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Router {
	return &Router{
		presence:  presence,
		rooms:     rooms,
		notifier:  notifier,
		directory: directory,
		logger:    logger.Named("router"),
		metrics:   m,
	}
}

// Recipients returns the conversation's participants minus the sender, deduplicated.
func Recipients(message *types.Message, conversation *types.Conversation) []string {
	out := make([]string, 0, len(conversation.ParticipantIDs))
	for _, id := range types.UniqueIDs(conversation.ParticipantIDs) {
		if id != message.SenderID {
			out = append(out, id)
		}
	}
	return out
}

// RouteMessage pushes new_message to every connection of every recipient.
// Recipients with no connection joined to the conversation's room also get a
// NEW_MESSAGE notification. System messages are pushed but never notified.
// Failures for one recipient do not stop delivery to the others.
func (r *Router) RouteMessage(ctx context.Context, message *types.Message, conversation *types.Conversation) error {
	sender := r.lookupSender(ctx, message.SenderID)
	event := types.NewEvent(types.EventNewMessage, types.NewMessagePayload{
		Message: message,
		Sender:  sender,
	})

	var errs []error
	for _, recipient := range Recipients(message, conversation) {
		report := r.presence.Push(recipient, event)
		r.recordDelivery(report)

		if message.Kind == types.MessageKindSystem || r.rooms.UserInRoom(conversation.ID, recipient) {
			continue
		}

		conversationID := conversation.ID
		_, err := r.notifier.Notify(ctx, types.NotificationRequest{
			UserID:    recipient,
			Kind:      types.NotificationNewMessage,
			Title:     notificationTitle(sender, conversation),
			Message:   types.Preview(message.Content),
			RelatedID: &conversationID,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", recipient, err))
		}
	}

	r.logger.Debug("message_routed",
		zap.String("conversation_id", conversation.ID),
		zap.String("message_id", message.ID),
		zap.Int64("seq", message.Seq),
		zap.Int("failures", len(errs)),
	)
	return errors.Join(errs...)
}

func (r *Router) lookupSender(ctx context.Context, senderID string) *types.User {
	user, err := r.directory.GetUser(ctx, senderID)
	if err != nil || user == nil {
		return &types.User{ID: senderID, Name: senderID}
	}
	return user
}

func (r *Router) recordDelivery(report interfaces.DeliveryReport) {
	for i := 0; i < report.Delivered; i++ {
		r.metrics.Delivery(types.EventNewMessage, metrics.DeliveryDelivered)
	}
	for i := 0; i < report.Failed; i++ {
		r.metrics.Delivery(types.EventNewMessage, metrics.DeliveryFailed)
	}
	if report.Delivered == 0 && report.Failed == 0 {
		r.metrics.Delivery(types.EventNewMessage, metrics.DeliveryOffline)
	}
}

func notificationTitle(sender *types.User, conversation *types.Conversation) string {
	if conversation.GroupContext != nil && conversation.GroupContext.Name != "" {
		return fmt.Sprintf("%s in %s", sender.Name, conversation.GroupContext.Name)
	}
	return fmt.Sprintf("New message from %s", sender.Name)
}
