package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coursechat/internal/auth"
	"coursechat/internal/conversation"
	"coursechat/internal/database"
	"coursechat/internal/directory"
	"coursechat/internal/metrics"
	"coursechat/internal/middleware"
	"coursechat/internal/notify"
	"coursechat/internal/presence"
	dbconfig "coursechat/pkg/database"
	"coursechat/pkg/types"
)

type nopDispatcher struct{}

func (nopDispatcher) Enqueue(ctx context.Context, msg *types.Message, conv *types.Conversation) error {
	return nil
}

type testServer struct {
	server *Server
	jwt    *auth.JWTManager
}

func newTestServer(t *testing.T, configure func(*Deps)) *testServer {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "api.db")
	store, err := database.NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	dir := directory.NewStatic(false)
	for _, id := range []string{"alice", "bob", "carol"} {
		dir.AddUser(&types.User{ID: id, Name: id})
	}
	dir.Enroll("cs101", "alice")
	dir.Enroll("cs101", "bob")

	m := metrics.New()
	reg := presence.NewRegistry(4, zap.NewNop(), m)
	notifier := notify.NewService(store, reg, zap.NewNop(), m)
	convs := conversation.NewService(store, dir, dir, nopDispatcher{}, notifier, zap.NewNop(), m)
	jwt := auth.NewJWTManager("test-secret", time.Hour, "")

	deps := Deps{
		Conversations:       convs,
		Notifications:       notifier,
		Health:              store,
		Stats:               func() map[string]interface{} { return map[string]interface{}{"online_users": reg.Stats().OnlineUsers} },
		AllowHeaderIdentity: true,
		ServiceToken:        "svc-token",
		Metrics:             m,
		Logger:              zap.NewNop(),
	}
	if configure != nil {
		configure(&deps)
	}
	return &testServer{server: NewServer(deps), jwt: jwt}
}

func (ts *testServer) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) direct(t *testing.T, a, b string) *types.Conversation {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/conversations/direct", a, CreateDirectRequest{PeerID: b})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[ConversationResponse](t, rec).Conversation
}

func TestServer_RequiresIdentity(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/conversations", "bad user!", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// withJWT switches the server to bearer-only identity using the fixture secret.
func withJWT(d *Deps) {
	d.Verifier = auth.NewJWTManager("test-secret", time.Hour, "")
}

func TestServer_BearerToken(t *testing.T) {
	ts := newTestServer(t, withJWT)
	token, _, err := ts.jwt.GenerateToken("alice", "student")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	req.Header.Set("X-User-ID", "alice")
	rec = httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "a bad token must not fall back to the header")
}

func TestServer_HeaderIdentityIgnoredWhenJWTConfigured(t *testing.T) {
	ts := newTestServer(t, withJWT)

	rec := ts.do(t, http.MethodGet, "/api/notifications", "alice", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/conversations", "alice", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_HeaderIdentityDisabled(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) { d.AllowHeaderIdentity = false })
	rec := ts.do(t, http.MethodGet, "/api/conversations", "alice", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_DirectConversationFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	conv := ts.direct(t, "alice", "bob")
	again := ts.direct(t, "bob", "alice")
	assert.Equal(t, conv.ID, again.ID)

	path := "/api/conversations/" + conv.ID
	rec := ts.do(t, http.MethodPost, path+"/messages", "alice", SendMessageRequest{Content: "hello bob"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	msg := decode[MessageResponse](t, rec).Message
	assert.EqualValues(t, 1, msg.Seq)

	rec = ts.do(t, http.MethodGet, path+"/messages?limit=10", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[MessageListResponse](t, rec)
	require.Len(t, list.Messages, 1)
	assert.False(t, list.HasMore)
	assert.EqualValues(t, 1, list.BeforeSeq)
	assert.EqualValues(t, 1, list.AfterSeq)

	rec = ts.do(t, http.MethodGet, "/api/conversations", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	convs := decode[ConversationListResponse](t, rec).Conversations
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].UnreadCount)

	rec = ts.do(t, http.MethodPost, path+"/read", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, msg.ID, decode[ReadResponse](t, rec).Cursor.LastMessageID)

	rec = ts.do(t, http.MethodGet, path, "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[ConversationResponse](t, rec).Conversation.UnreadCount)
}

func TestServer_ErrorMapping(t *testing.T) {
	ts := newTestServer(t, nil)
	conv := ts.direct(t, "alice", "bob")
	path := "/api/conversations/" + conv.ID

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   interface{}
		want   int
	}{
		{"self conversation", http.MethodPost, "/api/conversations/direct", "alice", CreateDirectRequest{PeerID: "alice"}, http.StatusBadRequest},
		{"empty content", http.MethodPost, path + "/messages", "alice", SendMessageRequest{Content: "  "}, http.StatusBadRequest},
		{"non participant send", http.MethodPost, path + "/messages", "carol", SendMessageRequest{Content: "hi"}, http.StatusForbidden},
		{"non participant read", http.MethodGet, path + "/messages", "carol", nil, http.StatusForbidden},
		{"unknown conversation", http.MethodGet, "/api/conversations/nope", "alice", nil, http.StatusNotFound},
		{"bad paging", http.MethodGet, path + "/messages?before=1&after=2", "alice", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, path + "/messages?limit=abc", "alice", nil, http.StatusBadRequest},
		{"unknown fields", http.MethodPost, "/api/conversations/direct", "alice", map[string]string{"peer": "bob"}, http.StatusBadRequest},
		{"group with non member", http.MethodPost, "/api/conversations/group", "alice", CreateGroupRequest{CourseID: "cs101", Name: "G", ParticipantIDs: []string{"carol"}}, http.StatusForbidden},
		{"add to direct", http.MethodPost, path + "/participants", "alice", AddParticipantRequest{UserID: "carol"}, http.StatusBadRequest},
		{"unknown route", http.MethodGet, "/api/nothing-here", "alice", nil, http.StatusNotFound},
		{"wrong method", http.MethodDelete, path, "alice", nil, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if rec.Code >= 400 {
				resp := decode[ErrorResponse](t, rec)
				assert.Equal(t, tt.want, resp.Code)
				assert.NotEmpty(t, resp.Error)
			}
		})
	}
}

func TestServer_GroupAndParticipants(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/conversations/group", "alice",
		CreateGroupRequest{CourseID: "cs101", Name: "Study", ParticipantIDs: []string{"bob"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	group := decode[ConversationResponse](t, rec).Conversation
	assert.Equal(t, "Study", group.GroupContext.Name)

	rec = ts.do(t, http.MethodGet, "/api/notifications", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[types.NotificationList](t, rec)
	require.Len(t, list.Notifications, 1)
	assert.Equal(t, types.NotificationAddedToChat, list.Notifications[0].Kind)
}

func TestServer_SendRateLimited(t *testing.T) {
	limiter := middleware.NewLimiterStore(0.001, 1, time.Minute)
	t.Cleanup(limiter.Stop)
	ts := newTestServer(t, func(d *Deps) { d.SendLimiter = limiter })
	conv := ts.direct(t, "alice", "bob")
	path := "/api/conversations/" + conv.ID + "/messages"

	rec := ts.do(t, http.MethodPost, path, "alice", SendMessageRequest{Content: "one"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.do(t, http.MethodPost, path, "alice", SendMessageRequest{Content: "two"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	rec = ts.do(t, http.MethodPost, path, "bob", SendMessageRequest{Content: "mine"})
	assert.Equal(t, http.StatusCreated, rec.Code, "limits are per user")
}

func TestServer_NotificationSinkAndReads(t *testing.T) {
	ts := newTestServer(t, nil)
	body := types.NotificationRequest{UserID: "bob", Kind: "GRADE_POSTED", Title: "Quiz graded", Message: "You scored 9/10"}

	rec := ts.do(t, http.MethodPost, "/api/internal/notifications", "", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, "/api/internal/notifications", &buf)
	req.Header.Set("X-Service-Token", "svc-token")
	rec = httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[NotificationResponse](t, rec).Notification

	rec = ts.do(t, http.MethodGet, "/api/notifications?limit=5", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[types.NotificationList](t, rec)
	assert.Equal(t, 1, list.UnreadCount)

	rec = ts.do(t, http.MethodPost, "/api/notifications/"+created.ID+"/read", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/notifications/"+created.ID+"/read", "bob", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/notifications/read-all", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[MarkAllReadResponse](t, rec).Updated)

	rec = ts.do(t, http.MethodGet, "/api/notifications?cursor=bogus!", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SinkDisabledWithoutToken(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) { d.ServiceToken = "" })
	req := httptest.NewRequest(http.MethodPost, "/api/internal/notifications", bytes.NewBufferString(`{}`))
	req.Header.Set("X-Service-Token", "")
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Contains(t, health.Stats, "online_users")

	rec = ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "coursechat_")
}

func TestServer_CORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodOptions, "/api/conversations", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
