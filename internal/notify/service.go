// Package notify is the single fan-out point for durable user notifications.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"coursechat/internal/metrics"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

var _ interfaces.NotificationSink = (*Service)(nil)

type Service struct {
	store    interfaces.NotificationStore
	presence interfaces.Pusher
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewService(store interfaces.NotificationStore, presence interfaces.Pusher, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:    store,
		presence: presence,
		logger:   logger.Named("notify"),
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Notify persists the notification and then, if the user is online, pushes
// new_notification to all of their connections. A storage failure aborts
// before any push.
func (s *Service) Notify(ctx context.Context, req types.NotificationRequest) (*types.Notification, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	n := &types.Notification{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Kind:      req.Kind,
		Title:     req.Title,
		Message:   req.Message,
		RelatedID: req.RelatedID,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		s.logger.Error("notification_persist_failed",
			zap.String("user_id", req.UserID),
			zap.String("kind", req.Kind),
			zap.Error(err),
		)
		return nil, err
	}
	s.metrics.NotificationCreated(n.Kind)

	report := s.presence.Push(n.UserID, types.NewEvent(types.EventNewNotification, n))
	switch {
	case report.Delivered > 0:
		s.metrics.Delivery(types.EventNewNotification, metrics.DeliveryDelivered)
	case report.Failed > 0:
		s.metrics.Delivery(types.EventNewNotification, metrics.DeliveryFailed)
	default:
		s.metrics.Delivery(types.EventNewNotification, metrics.DeliveryOffline)
	}

	s.logger.Debug("notification_created",
		zap.String("notification_id", n.ID),
		zap.String("user_id", n.UserID),
		zap.String("kind", n.Kind),
		zap.Bool("pushed", report.Online()),
	)
	return n, nil
}

// MarkRead marks one of the caller's notifications read.
func (s *Service) MarkRead(ctx context.Context, notificationID, userID string) error {
	if !types.IsValidID(notificationID) {
		return types.ErrNotificationNotFound
	}
	return s.store.MarkNotificationRead(ctx, notificationID, userID)
}

// MarkAllRead marks every unread notification of the caller read and returns the count.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.store.MarkAllNotificationsRead(ctx, userID)
}

// List returns the caller's notifications newest first.
func (s *Service) List(ctx context.Context, userID string, page types.NotificationPage) (*types.NotificationList, error) {
	return s.store.ListNotifications(ctx, userID, page)
}
