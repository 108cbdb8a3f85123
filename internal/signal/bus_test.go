package signal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coursechat/pkg/types"
)

type fakeConn struct {
	id     string
	userID string

	mu     sync.Mutex
	events []*types.Event
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }
func (c *fakeConn) Close() error   { return nil }

func (c *fakeConn) Send(e *types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *fakeConn) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

func (c *fakeConn) count(eventType string) int {
	n := 0
	for _, t := range c.kinds() {
		if t == eventType {
			n++
		}
	}
	return n
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

func newTestBus(idle time.Duration) *Bus {
	return NewBus(4, idle, zap.NewNop(), nil)
}

func TestBus_JoinBroadcastsPresenceOnce(t *testing.T) {
	b := newTestBus(time.Second)
	bob := &fakeConn{id: "b1", userID: "bob"}
	alice1 := &fakeConn{id: "a1", userID: "alice"}
	alice2 := &fakeConn{id: "a2", userID: "alice"}

	require.NoError(t, b.Join(bob, "conv"))
	require.NoError(t, b.Join(alice1, "conv"))
	require.NoError(t, b.Join(alice2, "conv"))
	require.NoError(t, b.Join(alice2, "conv"))

	assert.Equal(t, 1, bob.count(types.EventPresenceChanged), "second device must not re-announce")
	assert.Zero(t, alice1.count(types.EventPresenceChanged), "own presence is not echoed")
	assert.True(t, b.UserInRoom("conv", "alice"))

	b.Leave("a1", "conv")
	assert.True(t, b.UserInRoom("conv", "alice"))
	assert.Equal(t, 1, bob.count(types.EventPresenceChanged))

	b.Leave("a2", "conv")
	assert.False(t, b.UserInRoom("conv", "alice"))
	assert.Equal(t, 2, bob.count(types.EventPresenceChanged))
}

func TestBus_TypingStartIsBroadcastOnTransitionOnly(t *testing.T) {
	b := newTestBus(time.Second)
	alice := &fakeConn{id: "a1", userID: "alice"}
	aliceTab := &fakeConn{id: "a2", userID: "alice"}
	bob := &fakeConn{id: "b1", userID: "bob"}
	for _, c := range []*fakeConn{alice, aliceTab, bob} {
		require.NoError(t, b.Join(c, "conv"))
	}

	require.NoError(t, b.EmitTyping("a1", "conv", true))
	require.NoError(t, b.EmitTyping("a1", "conv", true))
	require.NoError(t, b.EmitTyping("a2", "conv", true))

	assert.Equal(t, 1, bob.count(types.EventUserTyping))
	assert.Zero(t, alice.count(types.EventUserTyping))
	assert.Zero(t, aliceTab.count(types.EventUserTyping), "emitter's other connections are excluded")

	require.NoError(t, b.EmitTyping("a1", "conv", false))
	require.NoError(t, b.EmitTyping("a1", "conv", false))
	assert.Equal(t, 1, bob.count(types.EventUserStoppedTyping))
	assert.False(t, b.IsTyping("conv", "alice"))
}

func TestBus_TypingAutoStops(t *testing.T) {
	b := newTestBus(50 * time.Millisecond)
	alice := &fakeConn{id: "a1", userID: "alice"}
	bob := &fakeConn{id: "b1", userID: "bob"}
	require.NoError(t, b.Join(alice, "conv"))
	require.NoError(t, b.Join(bob, "conv"))

	require.NoError(t, b.EmitTyping("a1", "conv", true))
	assert.Eventually(t, func() bool {
		return bob.count(types.EventUserStoppedTyping) == 1
	}, time.Second, 10*time.Millisecond)
	assert.False(t, b.IsTyping("conv", "alice"))
}

func typingGeneration(b *Bus, conversationID, userID string) uint64 {
	s := b.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[conversationID].typing[userID].generation
}

func TestBus_StaleTimerIgnoredAfterRestart(t *testing.T) {
	b := newTestBus(time.Hour)
	alice := &fakeConn{id: "a1", userID: "alice"}
	bob := &fakeConn{id: "b1", userID: "bob"}
	require.NoError(t, b.Join(alice, "conv"))
	require.NoError(t, b.Join(bob, "conv"))

	require.NoError(t, b.EmitTyping("a1", "conv", true))
	stale := typingGeneration(b, "conv", "alice")
	require.NoError(t, b.EmitTyping("a1", "conv", false))
	require.NoError(t, b.EmitTyping("a1", "conv", true))
	assert.NotEqual(t, stale, typingGeneration(b, "conv", "alice"))

	// the first timer fired before its Stop and only now gets the lock
	b.expire("conv", "alice", stale)

	assert.True(t, b.IsTyping("conv", "alice"), "a stale timer must not clear a new indicator")
	assert.Equal(t, 1, bob.count(types.EventUserStoppedTyping))
}

func TestBus_RepeatedStartResetsTimer(t *testing.T) {
	b := newTestBus(150 * time.Millisecond)
	alice := &fakeConn{id: "a1", userID: "alice"}
	bob := &fakeConn{id: "b1", userID: "bob"}
	require.NoError(t, b.Join(alice, "conv"))
	require.NoError(t, b.Join(bob, "conv"))

	require.NoError(t, b.EmitTyping("a1", "conv", true))
	for i := 0; i < 4; i++ {
		time.Sleep(75 * time.Millisecond)
		require.NoError(t, b.EmitTyping("a1", "conv", true))
	}
	assert.Zero(t, bob.count(types.EventUserStoppedTyping), "refreshes keep the indicator alive")
	assert.True(t, b.IsTyping("conv", "alice"))

	assert.Eventually(t, func() bool {
		return bob.count(types.EventUserStoppedTyping) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBus_LeaveStopsTypingImmediately(t *testing.T) {
	b := newTestBus(time.Hour)
	alice := &fakeConn{id: "a1", userID: "alice"}
	bob := &fakeConn{id: "b1", userID: "bob"}
	require.NoError(t, b.Join(alice, "conv"))
	require.NoError(t, b.Join(alice, "other"))
	require.NoError(t, b.Join(bob, "conv"))
	require.NoError(t, b.EmitTyping("a1", "conv", true))
	bob.reset()

	b.LeaveAll("a1")

	assert.Equal(t, []string{types.EventUserStoppedTyping, types.EventPresenceChanged}, bob.kinds())
	assert.False(t, b.IsTyping("conv", "alice"))
	assert.Equal(t, 1, b.RoomCount(), "rooms without members are removed")
}

func TestBus_EmitRequiresMembership(t *testing.T) {
	b := newTestBus(time.Second)
	assert.ErrorIs(t, b.EmitTyping("ghost", "conv", true), ErrNotInRoom)

	require.NoError(t, b.Join(&fakeConn{id: "b1", userID: "bob"}, "conv"))
	assert.ErrorIs(t, b.EmitTyping("ghost", "conv", true), ErrNotInRoom)
	assert.ErrorIs(t, b.Join(nil, "conv"), ErrNilConnection)
}

func TestBus_ConcurrentRooms(t *testing.T) {
	b := newTestBus(20 * time.Millisecond)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := &fakeConn{id: string(rune('a' + i)), userID: "user"}
			conv := []string{"c1", "c2", "c3"}[i%3]
			assert.NoError(t, b.Join(conn, conv))
			assert.NoError(t, b.EmitTyping(conn.ID(), conv, true))
			b.LeaveAll(conn.ID())
		}(i)
	}
	wg.Wait()
	assert.Zero(t, b.RoomCount())
}
