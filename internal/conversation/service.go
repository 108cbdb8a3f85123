// Package conversation implements the conversation use cases on top of the
// store: direct and group creation, appends, history, and read tracking.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"coursechat/internal/metrics"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Dispatcher queues a persisted message for ordered delivery.
type Dispatcher interface {
	Enqueue(ctx context.Context, message *types.Message, conversation *types.Conversation) error
}

// Service owns the per-conversation append lock. Holding it across append
// and enqueue is what makes delivery order match sequence order.
type Service struct {
	store      interfaces.ConversationStore
	membership interfaces.CourseMembership
	directory  interfaces.UserDirectory
	dispatcher Dispatcher
	notifier   interfaces.NotificationSink
	logger     *zap.Logger
	metrics    *metrics.Metrics

	locks *keyedMutex
	now   func() time.Time
}

func NewService(
	store interfaces.ConversationStore,
	membership interfaces.CourseMembership,
	directory interfaces.UserDirectory,
	dispatcher Dispatcher,
	notifier interfaces.NotificationSink,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		store:      store,
		membership: membership,
		directory:  directory,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger.Named("conversation"),
		metrics:    m,
		locks:      newKeyedMutex(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// GetOrCreateDirect returns the unique direct conversation between two users,
// creating it on first use. Argument order does not matter.
func (s *Service) GetOrCreateDirect(ctx context.Context, userA, userB string) (*types.Conversation, error) {
	if !types.IsValidUserID(userA) || !types.IsValidUserID(userB) {
		return nil, types.ErrInvalidUserID
	}
	if userA == userB {
		return nil, types.ErrSelfConversation
	}

	key := types.DirectKey(userA, userB)
	unlock := s.locks.Lock("direct:" + key)
	defer unlock()

	conv, err := s.store.GetOrCreateDirect(ctx, &types.Conversation{
		ID:             uuid.NewString(),
		Kind:           types.ConversationDirect,
		ParticipantIDs: []string{userA, userB},
		CreatedAt:      s.now(),
	}, key)
	if err != nil {
		return nil, err
	}
	return s.withUnread(ctx, conv, userA)
}

// CreateGroup creates a course-scoped conversation. The creator is always a
// participant and every participant must be a verified course member.
func (s *Service) CreateGroup(ctx context.Context, creatorID, courseID, name string, participantIDs []string) (*types.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 200 {
		return nil, types.ErrInvalidGroupName
	}
	if !types.IsValidID(courseID) {
		return nil, types.ErrInvalidCourseID
	}
	if !types.IsValidUserID(creatorID) {
		return nil, types.ErrInvalidUserID
	}

	participants := types.UniqueIDs(append([]string{creatorID}, participantIDs...))
	for _, id := range participants {
		if err := s.verifyMember(ctx, courseID, id); err != nil {
			return nil, err
		}
	}

	conv := &types.Conversation{
		ID:             uuid.NewString(),
		Kind:           types.ConversationGroup,
		ParticipantIDs: participants,
		GroupContext:   &types.GroupContext{CourseID: courseID, Name: name},
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}

	s.logger.Info("group_created",
		zap.String("conversation_id", conv.ID),
		zap.String("course_id", courseID),
		zap.Int("participants", len(participants)),
	)
	for _, id := range participants {
		if id != creatorID {
			s.notifyAdded(ctx, conv, id)
		}
	}
	return conv, nil
}

func (s *Service) verifyMember(ctx context.Context, courseID, userID string) error {
	if !types.IsValidUserID(userID) {
		return fmt.Errorf("%w: %q", types.ErrInvalidParticipants, userID)
	}
	ok, err := s.membership.IsMember(ctx, courseID, userID)
	if err != nil {
		s.logger.Warn("membership_check_failed", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("%w: %q", types.ErrInvalidParticipants, userID)
	}
	if !ok {
		return fmt.Errorf("%w: %q", types.ErrInvalidParticipants, userID)
	}
	return nil
}

// AppendMessage validates, persists and queues a text message for delivery.
// Delivery problems are logged and never returned once the message is durable.
func (s *Service) AppendMessage(ctx context.Context, conversationID, senderID, content string) (*types.Message, error) {
	body, err := types.NormalizeContent(content)
	if err != nil {
		return nil, err
	}
	if !types.IsValidID(conversationID) {
		return nil, types.ErrConversationNotFound
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(senderID) {
		return nil, types.ErrNotAParticipant
	}
	return s.appendLocked(ctx, conv, senderID, body, types.MessageKindText)
}

// appendLocked requires the conversation lock.
func (s *Service) appendLocked(ctx context.Context, conv *types.Conversation, senderID, body, kind string) (*types.Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("%w: generate message id: %w", types.ErrStorage, err)
	}

	msg := &types.Message{
		ID:             id.String(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        body,
		Kind:           kind,
		CreatedAt:      s.now(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	s.metrics.MessageAppended(kind)

	// The request context may end as soon as we return; delivery must not.
	if err := s.dispatcher.Enqueue(context.WithoutCancel(ctx), msg, conv); err != nil {
		s.logger.Error("enqueue_failed",
			zap.String("conversation_id", conv.ID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
	return msg, nil
}

// AddParticipant adds userID to a group conversation on behalf of actorID and
// records a system message. Adding an existing participant changes nothing.
func (s *Service) AddParticipant(ctx context.Context, conversationID, actorID, userID string) (*types.Conversation, error) {
	if !types.IsValidID(conversationID) {
		return nil, types.ErrConversationNotFound
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Kind != types.ConversationGroup {
		return nil, types.ErrNotGroupConversation
	}
	if !conv.HasParticipant(actorID) {
		return nil, types.ErrNotAParticipant
	}
	if conv.HasParticipant(userID) {
		return conv, nil
	}
	if err := s.verifyMember(ctx, conv.GroupContext.CourseID, userID); err != nil {
		return nil, err
	}

	if _, err := s.store.AddParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	conv, err = s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	user, _ := s.directory.GetUser(ctx, userID)
	name := userID
	if user != nil && user.Name != "" {
		name = user.Name
	}
	if _, err := s.appendLocked(ctx, conv, actorID, name+" was added to the group", types.MessageKindSystem); err != nil {
		return nil, err
	}
	s.notifyAdded(ctx, conv, userID)

	// reload so the summary reflects the system message
	return s.store.GetConversation(ctx, conversationID)
}

func (s *Service) notifyAdded(ctx context.Context, conv *types.Conversation, userID string) {
	conversationID := conv.ID
	_, err := s.notifier.Notify(ctx, types.NotificationRequest{
		UserID:    userID,
		Kind:      types.NotificationAddedToChat,
		Title:     "Added to " + conv.GroupContext.Name,
		Message:   "You were added to a course conversation",
		RelatedID: &conversationID,
	})
	if err != nil {
		s.logger.Warn("added_notification_failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// ListConversationsForUser returns the user's conversations, most recent activity first.
func (s *Service) ListConversationsForUser(ctx context.Context, userID string) ([]*types.Conversation, error) {
	return s.store.ListConversationsForUser(ctx, userID)
}

// GetConversation returns the conversation with the viewer's unread count.
func (s *Service) GetConversation(ctx context.Context, conversationID, viewerID string) (*types.Conversation, error) {
	conv, err := s.authorize(ctx, conversationID, viewerID)
	if err != nil {
		return nil, err
	}
	return s.withUnread(ctx, conv, viewerID)
}

// ListMessages returns one page of history, oldest to newest.
func (s *Service) ListMessages(ctx context.Context, conversationID, viewerID string, page types.MessagePage) (*types.MessageList, error) {
	if _, err := s.authorize(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID, page)
}

// MarkRead advances the viewer's read cursor to the newest message.
func (s *Service) MarkRead(ctx context.Context, conversationID, userID string) (*types.ReadCursor, error) {
	if _, err := s.authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	cursor, advanced, err := s.store.MarkRead(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if advanced {
		s.logger.Debug("cursor_advanced",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Int64("seq", cursor.LastSeq),
		)
	}
	return cursor, nil
}

// Authorize checks that userID participates in the conversation.
func (s *Service) Authorize(ctx context.Context, conversationID, userID string) error {
	_, err := s.authorize(ctx, conversationID, userID)
	return err
}

func (s *Service) authorize(ctx context.Context, conversationID, userID string) (*types.Conversation, error) {
	if !types.IsValidID(conversationID) {
		return nil, types.ErrConversationNotFound
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, types.ErrNotAParticipant
	}
	return conv, nil
}

func (s *Service) withUnread(ctx context.Context, conv *types.Conversation, viewerID string) (*types.Conversation, error) {
	unread, err := s.store.UnreadCount(ctx, conv.ID, viewerID)
	if err != nil {
		return nil, err
	}
	conv.UnreadCount = unread
	return conv, nil
}
