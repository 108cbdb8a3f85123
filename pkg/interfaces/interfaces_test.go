package interfaces_test

import (
	"context"
	"testing"
	"time"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

type mockConnection struct{}

func (m *mockConnection) ID() string                    { return "c1" }
func (m *mockConnection) UserID() string                { return "u1" }
func (m *mockConnection) Send(event *types.Event) error { return nil }
func (m *mockConnection) Close() error                  { return nil }

type mockStore struct{}

func (m *mockStore) GetOrCreateDirect(ctx context.Context, conv *types.Conversation, key string) (*types.Conversation, error) {
	return conv, nil
}
func (m *mockStore) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	return nil
}
func (m *mockStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	return nil, types.ErrConversationNotFound
}
func (m *mockStore) ListConversationsForUser(ctx context.Context, userID string) ([]*types.Conversation, error) {
	return nil, nil
}
func (m *mockStore) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	return 0, nil
}
func (m *mockStore) AddParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	return true, nil
}
func (m *mockStore) AppendMessage(ctx context.Context, msg *types.Message) error { return nil }
func (m *mockStore) ListMessages(ctx context.Context, id string, page types.MessagePage) (*types.MessageList, error) {
	return &types.MessageList{}, nil
}
func (m *mockStore) MarkRead(ctx context.Context, conversationID, userID string) (*types.ReadCursor, bool, error) {
	return nil, false, nil
}
func (m *mockStore) GetReadCursor(ctx context.Context, conversationID, userID string) (*types.ReadCursor, error) {
	return nil, nil
}
func (m *mockStore) HealthCheck(ctx context.Context) error { return nil }
func (m *mockStore) Close() error                          { return nil }

func (m *mockStore) CreateNotification(ctx context.Context, n *types.Notification) error { return nil }
func (m *mockStore) MarkNotificationRead(ctx context.Context, id, userID string) error {
	return nil
}
func (m *mockStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	return 0, nil
}
func (m *mockStore) ListNotifications(ctx context.Context, userID string, page types.NotificationPage) (*types.NotificationList, error) {
	return &types.NotificationList{}, nil
}
func (m *mockStore) PruneReadNotifications(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func TestInterfaces_Compliance(t *testing.T) {
	var _ interfaces.Connection = &mockConnection{}
	var _ interfaces.ConversationStore = &mockStore{}
	var _ interfaces.NotificationStore = &mockStore{}
}

func TestDeliveryReport_Online(t *testing.T) {
	tests := []struct {
		report interfaces.DeliveryReport
		want   bool
	}{
		{interfaces.DeliveryReport{}, false},
		{interfaces.DeliveryReport{Failed: 2}, false},
		{interfaces.DeliveryReport{Delivered: 1, Failed: 1}, true},
	}
	for _, tt := range tests {
		if got := tt.report.Online(); got != tt.want {
			t.Errorf("%+v.Online() = %v, want %v", tt.report, got, tt.want)
		}
	}
}
