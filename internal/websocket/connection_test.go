package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coursechat/pkg/types"
)

var testUpgrader = websocket.Upgrader{}

// newServerConnection returns the client side of a websocket whose server half is
// wrapped in a Connection.
func newServerConnection(t *testing.T, bufferSize int) (*Connection, *websocket.Conn) {
	t.Helper()
	ready := make(chan *Connection, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		ready <- NewConnection(ws, "student1", bufferSize, time.Second)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case c := <-ready:
		t.Cleanup(func() { c.Close() })
		return c, client
	case <-time.After(2 * time.Second):
		t.Fatal("server connection not ready")
		return nil, nil
	}
}

func TestConnection_Identity(t *testing.T) {
	c, _ := newServerConnection(t, 4)
	if c.UserID() != "student1" {
		t.Errorf("UserID() = %q", c.UserID())
	}
	if c.ID() == "" {
		t.Error("connection id should be assigned")
	}
	other, _ := newServerConnection(t, 4)
	if other.ID() == c.ID() {
		t.Error("connection ids must be unique")
	}
}

func TestConnection_SendDeliversJSON(t *testing.T) {
	c, client := newServerConnection(t, 4)

	if err := c.Send(types.NewEvent(types.EventHeartbeatAck, nil)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got types.Event
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if got.Type != types.EventHeartbeatAck {
		t.Errorf("type = %q", got.Type)
	}
}

func TestConnection_SendPreservesOrder(t *testing.T) {
	c, client := newServerConnection(t, 32)

	for i := 0; i < 20; i++ {
		if err := c.Send(types.NewEvent(types.EventNewMessage, map[string]int{"n": i})); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 20; i++ {
		var got struct {
			Data struct{ N int } `json:"data"`
		}
		if err := client.ReadJSON(&got); err != nil {
			t.Fatalf("ReadJSON %d failed: %v", i, err)
		}
		if got.Data.N != i {
			t.Fatalf("frame %d carried %d", i, got.Data.N)
		}
	}
}

func TestConnection_FullBufferFailsFast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// no writer goroutine, so the queue never drains
	c := &Connection{writeCh: make(chan []byte, 1), ctx: ctx, cancel: cancel}

	if err := c.Send(types.NewEvent(types.EventHeartbeatAck, nil)); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}

	start := time.Now()
	err := c.Send(types.NewEvent(types.EventHeartbeatAck, nil))
	if !errors.Is(err, ErrSendBufferFull) {
		t.Fatalf("Send on full buffer = %v, want ErrSendBufferFull", err)
	}
	if !errors.Is(err, types.ErrTransientDelivery) {
		t.Error("full buffer should classify as transient delivery failure")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Send must not block on a full buffer")
	}
}

func TestConnection_CloseIdempotent(t *testing.T) {
	c, _ := newServerConnection(t, 4)

	if err := c.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	select {
	case <-c.Context().Done():
	default:
		t.Error("context should be canceled after Close")
	}
}

func TestConnection_SendAfterClose(t *testing.T) {
	c, _ := newServerConnection(t, 4)
	_ = c.Close()

	if err := c.Send(types.NewEvent(types.EventHeartbeatAck, nil)); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after close = %v, want ErrConnectionClosed", err)
	}
}
