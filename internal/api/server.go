// Package api serves the durable JSON API, health, metrics and the live
// channel upgrade on one gorilla/mux router.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"coursechat/internal/auth"
	"coursechat/internal/logging"
	"coursechat/internal/metrics"
	"coursechat/internal/middleware"
	"coursechat/pkg/types"
)

// Conversations is the conversation use-case surface the API calls.
type Conversations interface {
	GetOrCreateDirect(ctx context.Context, userA, userB string) (*types.Conversation, error)
	CreateGroup(ctx context.Context, creatorID, courseID, name string, participantIDs []string) (*types.Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]*types.Conversation, error)
	GetConversation(ctx context.Context, conversationID, viewerID string) (*types.Conversation, error)
	AddParticipant(ctx context.Context, conversationID, actorID, userID string) (*types.Conversation, error)
	ListMessages(ctx context.Context, conversationID, viewerID string, page types.MessagePage) (*types.MessageList, error)
	AppendMessage(ctx context.Context, conversationID, senderID, content string) (*types.Message, error)
	MarkRead(ctx context.Context, conversationID, userID string) (*types.ReadCursor, error)
}

// Notifications is the notification use-case surface the API calls.
type Notifications interface {
	Notify(ctx context.Context, req types.NotificationRequest) (*types.Notification, error)
	MarkRead(ctx context.Context, notificationID, userID string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	List(ctx context.Context, userID string, page types.NotificationPage) (*types.NotificationList, error)
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

// Deps collects the server's collaborators. Verifier, SendLimiter, Live and
// Stats are optional.
type Deps struct {
	Conversations       Conversations
	Notifications       Notifications
	Health              HealthChecker
	Stats               func() map[string]interface{}
	Verifier            TokenVerifier
	AllowHeaderIdentity bool
	ServiceToken        string
	SendLimiter         *middleware.LimiterStore
	Live                http.Handler
	Metrics             *metrics.Metrics
	Logger              *zap.Logger
}

type Server struct {
	deps    Deps
	router  *mux.Router
	handler http.Handler
	logger  *zap.Logger
	started time.Time
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		router:  mux.NewRouter(),
		logger:  deps.Logger.Named("api"),
		started: time.Now(),
	}
	s.setupRoutes()
	// outside the router so preflight and unmatched requests are covered too
	s.handler = logging.Middleware(s.logger)(corsMiddleware(s.router))
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	if s.deps.Live != nil {
		s.router.Handle("/ws", s.deps.Live).Methods(http.MethodGet)
	}

	internal := s.router.PathPrefix("/api/internal").Subrouter()
	internal.Use(s.requireServiceToken)
	internal.HandleFunc("/notifications", s.deliverNotification).Methods(http.MethodPost)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(jsonMiddleware, s.authenticate)

	api.HandleFunc("/conversations", s.listConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/direct", s.createDirect).Methods(http.MethodPost)
	api.HandleFunc("/conversations/group", s.createGroup).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}", s.getConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/participants", s.addParticipant).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages", s.listMessages).Methods(http.MethodGet)
	api.Handle("/conversations/{id}/messages", s.sendLimited(http.HandlerFunc(s.sendMessage))).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/read", s.markConversationRead).Methods(http.MethodPost)

	api.HandleFunc("/notifications", s.listNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/read-all", s.markAllNotificationsRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{id}/read", s.markNotificationRead).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, "not_found", "route not found", http.StatusNotFound)
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, "method_not_allowed", "method not allowed", http.StatusMethodNotAllowed)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("encode_response_failed", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, errorCode, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{Error: errorCode, Code: code, Message: message})
}

// sendDomainError maps the error taxonomy onto HTTP statuses. Storage and
// unknown failures do not leak their details.
func (s *Server) sendDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		s.sendError(w, "validation_error", err.Error(), http.StatusBadRequest)
	case errors.Is(err, types.ErrAuthorization):
		s.sendError(w, "forbidden", err.Error(), http.StatusForbidden)
	case errors.Is(err, types.ErrNotFound):
		s.sendError(w, "not_found", err.Error(), http.StatusNotFound)
	default:
		s.logger.Error("request_failed", zap.String("path", r.URL.Path), zap.Error(err))
		s.sendError(w, "internal_error", "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.identify(r)
		if err != nil {
			s.sendError(w, "unauthorized", err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
	})
}

// identify resolves the caller. With a verifier configured only bearer
// tokens are accepted; X-User-ID is trusted only when no verifier exists.
func (s *Server) identify(r *http.Request) (string, error) {
	if s.deps.Verifier != nil {
		header := r.Header.Get("Authorization")
		if header == "" {
			return "", auth.ErrMissingToken
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return "", auth.ErrInvalidToken
		}
		return s.deps.Verifier.VerifyToken(strings.TrimSpace(token))
	}
	if s.deps.AllowHeaderIdentity {
		if id := r.Header.Get("X-User-ID"); id != "" {
			if !types.IsValidUserID(id) {
				return "", types.ErrInvalidUserID
			}
			return id, nil
		}
	}
	return "", auth.ErrMissingToken
}

func (s *Server) requireServiceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := s.deps.ServiceToken
		got := r.Header.Get("X-Service-Token")
		if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
			s.sendError(w, "forbidden", "invalid service token", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) sendLimited(next http.Handler) http.Handler {
	if s.deps.SendLimiter == nil {
		return next
	}
	return middleware.RateLimit(s.deps.SendLimiter, func(r *http.Request) string {
		id, _ := auth.UserIDFrom(r.Context())
		return id
	}, func(*http.Request) {
		s.deps.Metrics.RateLimited("send")
	})(next)
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Database  string                 `json:"database"`
	Stats     map[string]interface{} `json:"stats,omitempty"`
	System    map[string]interface{} `json:"system"`
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, dbStatus := "healthy", "healthy"
	if err := s.deps.Health.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = "error: " + err.Error()
	}

	resp := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Database:  dbStatus,
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}
	if s.deps.Stats != nil {
		resp.Stats = s.deps.Stats()
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, resp)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
