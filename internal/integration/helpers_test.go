// Package integration drives a fully wired Application over real HTTP and
// WebSocket connections.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coursechat/internal/app"
	"coursechat/internal/config"
	"coursechat/pkg/types"
)

const seed = `
users:
  - {id: prof, name: Professor Oak, role: instructor}
  - {id: ash, name: Ash, role: student}
  - {id: misty, name: Misty, role: student}
  - {id: brock, name: Brock, role: student}
courses:
  - id: cs101
    members: [prof, ash, misty]
`

type env struct {
	app  *app.Application
	base string
}

func startApp(t *testing.T, configure func(*config.Config)) *env {
	t.Helper()
	dir := t.TempDir()
	seedPath := filepath.Join(dir, "directory.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(seed), 0o600))

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "coursechat.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Directory.SeedFile = seedPath
	cfg.Retention.Enabled = false
	cfg.Auth.ServiceToken = "svc"
	if configure != nil {
		configure(cfg)
	}

	application, err := app.NewApplication(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return &env{app: application, base: "http://" + application.Addr()}
}

func (e *env) call(t *testing.T, method, path, user string, body, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.base+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *env) connect(t *testing.T, userID string) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+e.app.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &client{t: t, conn: conn}
	c.send(types.InboundFrame{Type: types.FrameRegister, UserID: userID})
	c.expect(types.EventRegistered)
	return c
}

func (c *client) send(f types.InboundFrame) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(f))
}

// expect skips frames until one of the given type arrives.
func (c *client) expect(eventType string) frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f frame
		require.NoError(c.t, c.conn.ReadJSON(&f), "waiting for %s", eventType)
		if f.Type == eventType {
			return f
		}
	}
}

func (c *client) join(conversationID string) {
	c.t.Helper()
	c.send(types.InboundFrame{Type: types.FrameJoinRoom, ConversationID: conversationID})
	c.expect(types.EventRoomJoined)
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(v))
	return &buf
}

// onlineUsers reads the presence count from the health endpoint.
func (e *env) onlineUsers(t *testing.T) int {
	t.Helper()
	var health struct {
		Stats map[string]interface{} `json:"stats"`
	}
	require.Equal(t, http.StatusOK, e.call(t, http.MethodGet, "/health", "", nil, &health))
	n, _ := health.Stats["online_users"].(float64)
	return int(n)
}
