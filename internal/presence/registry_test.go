package presence

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coursechat/pkg/types"
)

type fakeConn struct {
	id     string
	userID string

	mu      sync.Mutex
	events  []*types.Event
	failing bool
	closed  bool
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(e *types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing || c.closed {
		return fmt.Errorf("%w: buffer full", types.ErrTransientDelivery)
	}
	c.events = append(c.events, e)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newTestRegistry() *Registry {
	return NewRegistry(8, zap.NewNop(), nil)
}

func TestRegistry_ConnectDisconnect(t *testing.T) {
	r := newTestRegistry()
	c1 := newFakeConn("c1", "alice")
	c2 := newFakeConn("c2", "alice")

	first, err := r.Connect(c1)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = r.Connect(c2)
	require.NoError(t, err)
	assert.False(t, first)

	assert.True(t, r.IsOnline("alice"))
	assert.Len(t, r.ConnectionsFor("alice"), 2)
	assert.Equal(t, Stats{Connections: 2, OnlineUsers: 1}, r.Stats())

	user, offline := r.Disconnect("c1")
	assert.Equal(t, "alice", user)
	assert.False(t, offline)
	assert.True(t, r.IsOnline("alice"))

	user, offline = r.Disconnect("c2")
	assert.Equal(t, "alice", user)
	assert.True(t, offline)
	assert.False(t, r.IsOnline("alice"))
	assert.Empty(t, r.ConnectionsFor("alice"))
	assert.Equal(t, Stats{}, r.Stats())
}

func TestRegistry_DisconnectIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Connect(newFakeConn("c1", "alice"))
	require.NoError(t, err)

	_, offline := r.Disconnect("c1")
	assert.True(t, offline)

	user, offline := r.Disconnect("c1")
	assert.Empty(t, user)
	assert.False(t, offline)

	user, _ = r.Disconnect("never-registered")
	assert.Empty(t, user)
	assert.Equal(t, Stats{}, r.Stats())
}

func TestRegistry_ConnectValidation(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Connect(nil)
	assert.True(t, errors.Is(err, ErrNilConnection))

	_, err = r.Connect(newFakeConn("c1", ""))
	assert.True(t, errors.Is(err, ErrUnregistered))

	_, err = r.Connect(newFakeConn("c1", "alice"))
	require.NoError(t, err)
	_, err = r.Connect(newFakeConn("c1", "bob"))
	assert.True(t, errors.Is(err, ErrDuplicateConnID))
}

func TestRegistry_PushEvictsFailingConnections(t *testing.T) {
	r := newTestRegistry()
	good := newFakeConn("good", "alice")
	bad := newFakeConn("bad", "alice")
	bad.failing = true

	_, _ = r.Connect(good)
	_, _ = r.Connect(bad)

	report := r.Push("alice", types.NewEvent(types.EventNewMessage, nil))
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 1, report.Failed)
	assert.True(t, report.Online())

	assert.Equal(t, 1, good.received())
	assert.True(t, bad.closed)
	assert.Len(t, r.ConnectionsFor("alice"), 1)

	report = r.Push("alice", types.NewEvent(types.EventNewMessage, nil))
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 0, report.Failed)
}

func TestRegistry_PushOffline(t *testing.T) {
	r := newTestRegistry()
	report := r.Push("nobody", types.NewEvent(types.EventNewNotification, nil))
	assert.False(t, report.Online())
	assert.Zero(t, report.Delivered+report.Failed)
}

func TestRegistry_ConcurrentConnectDisconnect(t *testing.T) {
	r := newTestRegistry()
	var wg sync.WaitGroup
	for u := 0; u < 10; u++ {
		for c := 0; c < 10; c++ {
			wg.Add(1)
			go func(u, c int) {
				defer wg.Done()
				id := fmt.Sprintf("u%d-c%d", u, c)
				_, err := r.Connect(newFakeConn(id, fmt.Sprintf("user%d", u)))
				assert.NoError(t, err)
				r.Push(fmt.Sprintf("user%d", u), types.NewEvent(types.EventHeartbeatAck, nil))
				r.Disconnect(id)
				r.Disconnect(id)
			}(u, c)
		}
	}
	wg.Wait()

	assert.Equal(t, Stats{}, r.Stats())
	for u := 0; u < 10; u++ {
		assert.False(t, r.IsOnline(fmt.Sprintf("user%d", u)))
	}
}
