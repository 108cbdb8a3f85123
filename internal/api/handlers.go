package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"coursechat/internal/auth"
	"coursechat/pkg/types"
)

const maxBodyBytes = 64 * 1024

type CreateDirectRequest struct {
	PeerID string `json:"peer_id"`
}

type CreateGroupRequest struct {
	CourseID       string   `json:"course_id"`
	Name           string   `json:"name"`
	ParticipantIDs []string `json:"participant_ids"`
}

type AddParticipantRequest struct {
	UserID string `json:"user_id"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

type ConversationResponse struct {
	Conversation *types.Conversation `json:"conversation"`
}

type ConversationListResponse struct {
	Conversations []*types.Conversation `json:"conversations"`
}

type MessageResponse struct {
	Message *types.Message `json:"message"`
}

// MessageListResponse carries the seq bounds of the page so clients can ask
// for the next page with before= or after=.
type MessageListResponse struct {
	Messages  []*types.Message `json:"messages"`
	HasMore   bool             `json:"has_more"`
	BeforeSeq int64            `json:"before_seq,omitempty"`
	AfterSeq  int64            `json:"after_seq,omitempty"`
}

type ReadResponse struct {
	Cursor *types.ReadCursor `json:"cursor"`
}

type NotificationResponse struct {
	Notification *types.Notification `json:"notification"`
}

type MarkAllReadResponse struct {
	Updated int64 `json:"updated"`
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func caller(r *http.Request) string {
	id, _ := auth.UserIDFrom(r.Context())
	return id
}

func (s *Server) createDirect(w http.ResponseWriter, r *http.Request) {
	var req CreateDirectRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, "validation_error", "invalid JSON", http.StatusBadRequest)
		return
	}
	conv, err := s.deps.Conversations.GetOrCreateDirect(r.Context(), caller(r), req.PeerID)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ConversationResponse{Conversation: conv})
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, "validation_error", "invalid JSON", http.StatusBadRequest)
		return
	}
	conv, err := s.deps.Conversations.CreateGroup(r.Context(), caller(r), req.CourseID, req.Name, req.ParticipantIDs)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, ConversationResponse{Conversation: conv})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.deps.Conversations.ListConversationsForUser(r.Context(), caller(r))
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	if convs == nil {
		convs = []*types.Conversation{}
	}
	s.sendJSON(w, http.StatusOK, ConversationListResponse{Conversations: convs})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.deps.Conversations.GetConversation(r.Context(), mux.Vars(r)["id"], caller(r))
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ConversationResponse{Conversation: conv})
}

func (s *Server) addParticipant(w http.ResponseWriter, r *http.Request) {
	var req AddParticipantRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, "validation_error", "invalid JSON", http.StatusBadRequest)
		return
	}
	conv, err := s.deps.Conversations.AddParticipant(r.Context(), mux.Vars(r)["id"], caller(r), req.UserID)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ConversationResponse{Conversation: conv})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	page, err := messagePage(r)
	if err != nil {
		s.sendError(w, "validation_error", err.Error(), http.StatusBadRequest)
		return
	}
	list, err := s.deps.Conversations.ListMessages(r.Context(), mux.Vars(r)["id"], caller(r), page)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}

	resp := MessageListResponse{Messages: list.Messages, HasMore: list.HasMore}
	if resp.Messages == nil {
		resp.Messages = []*types.Message{}
	}
	if n := len(resp.Messages); n > 0 {
		resp.BeforeSeq = resp.Messages[0].Seq
		resp.AfterSeq = resp.Messages[n-1].Seq
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func messagePage(r *http.Request) (types.MessagePage, error) {
	q := r.URL.Query()
	var page types.MessagePage
	var err error
	if page.Limit, err = intParam(q.Get("limit")); err != nil {
		return page, err
	}
	before, err := intParam(q.Get("before"))
	if err != nil {
		return page, err
	}
	after, err := intParam(q.Get("after"))
	if err != nil {
		return page, err
	}
	if before > 0 && after > 0 {
		return page, types.ErrInvalidCursor
	}
	page.BeforeSeq, page.AfterSeq = int64(before), int64(after)
	return page, nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, types.ErrInvalidCursor
	}
	return n, nil
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, "validation_error", "invalid JSON", http.StatusBadRequest)
		return
	}
	msg, err := s.deps.Conversations.AppendMessage(r.Context(), mux.Vars(r)["id"], caller(r), req.Content)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, MessageResponse{Message: msg})
}

func (s *Server) markConversationRead(w http.ResponseWriter, r *http.Request) {
	cursor, err := s.deps.Conversations.MarkRead(r.Context(), mux.Vars(r)["id"], caller(r))
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ReadResponse{Cursor: cursor})
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		s.sendError(w, "validation_error", err.Error(), http.StatusBadRequest)
		return
	}
	list, err := s.deps.Notifications.List(r.Context(), caller(r), types.NotificationPage{
		Limit:  limit,
		Cursor: r.URL.Query().Get("cursor"),
	})
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	if list.Notifications == nil {
		list.Notifications = []*types.Notification{}
	}
	s.sendJSON(w, http.StatusOK, list)
}

func (s *Server) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Notifications.MarkRead(r.Context(), mux.Vars(r)["id"], caller(r)); err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Notifications.MarkAllRead(r.Context(), caller(r))
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, MarkAllReadResponse{Updated: n})
}

// deliverNotification is the sink other LMS subsystems call.
func (s *Server) deliverNotification(w http.ResponseWriter, r *http.Request) {
	var req types.NotificationRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, "validation_error", "invalid JSON", http.StatusBadRequest)
		return
	}
	n, err := s.deps.Notifications.Notify(r.Context(), req)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, NotificationResponse{Notification: n})
}
