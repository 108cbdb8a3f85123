// Package signal is the ephemeral room layer: which live connections are
// viewing a conversation, typing indicators, and per-room presence changes.
// Nothing here is persisted.
package signal

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"coursechat/internal/metrics"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrNotInRoom     = errors.New("connection has not joined this conversation")
)

// DefaultIdleTimeout is how long a typing indicator lives without a refresh.
const DefaultIdleTimeout = 5 * time.Second

const (
	originClient  = "client"
	originTimeout = "timeout"
	originLeave   = "leave"
)

var _ interfaces.RoomMembership = (*Bus)(nil)

// Bus is sharded by conversation; every room mutation and the broadcasts it
// causes happen under the room's shard lock, so observers see transitions in
// the order they were applied.
type Bus struct {
	shards []*roomShard
	idle   time.Duration
	// generations are bus-wide so a recreated typing state never reuses one
	generations atomic.Uint64

	memberMu  sync.Mutex
	connRooms map[string]map[string]struct{} // connID -> conversationIDs

	logger  *zap.Logger
	metrics *metrics.Metrics
}

type roomShard struct {
	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	members   map[string]interfaces.Connection // connID -> conn
	userConns map[string]int                   // userID -> joined connection count
	typing    map[string]*typingState          // userID -> state
}

type typingState struct {
	generation uint64
	timer      *time.Timer
}

// NewBus creates a bus. idle <= 0 selects DefaultIdleTimeout.
func NewBus(shardCount int, idle time.Duration, logger *zap.Logger, m *metrics.Metrics) *Bus {
	if shardCount < 1 {
		shardCount = 1
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	b := &Bus{
		shards:    make([]*roomShard, shardCount),
		idle:      idle,
		connRooms: make(map[string]map[string]struct{}),
		logger:    logger.Named("signal"),
		metrics:   m,
	}
	for i := range b.shards {
		b.shards[i] = &roomShard{rooms: make(map[string]*room)}
	}
	return b
}

func (b *Bus) shardFor(conversationID string) *roomShard {
	return b.shards[xxhash.Sum64String(conversationID)%uint64(len(b.shards))]
}

// Join adds conn to the conversation's room. Joining twice is a no-op.
// When this is the user's first connection in the room the other members
// receive presence_changed(online).
func (b *Bus) Join(conn interfaces.Connection, conversationID string) error {
	if conn == nil {
		return ErrNilConnection
	}
	userID := conn.UserID()

	s := b.shardFor(conversationID)
	s.mu.Lock()
	r, ok := s.rooms[conversationID]
	if !ok {
		r = &room{
			members:   make(map[string]interfaces.Connection),
			userConns: make(map[string]int),
			typing:    make(map[string]*typingState),
		}
		s.rooms[conversationID] = r
	}
	if _, already := r.members[conn.ID()]; !already {
		r.members[conn.ID()] = conn
		r.userConns[userID]++
		if r.userConns[userID] == 1 {
			b.broadcast(r, userID, types.NewEvent(types.EventPresenceChanged, types.PresencePayload{
				ConversationID: conversationID, UserID: userID, Online: true,
			}))
		}
	}
	s.mu.Unlock()

	b.memberMu.Lock()
	rooms, ok := b.connRooms[conn.ID()]
	if !ok {
		rooms = make(map[string]struct{})
		b.connRooms[conn.ID()] = rooms
	}
	rooms[conversationID] = struct{}{}
	b.memberMu.Unlock()
	return nil
}

// Leave removes a connection from one room. If it was the user's last
// connection there, an active typing indicator is stopped and the remaining
// members receive presence_changed(offline).
func (b *Bus) Leave(connID, conversationID string) {
	b.memberMu.Lock()
	if rooms, ok := b.connRooms[connID]; ok {
		delete(rooms, conversationID)
		if len(rooms) == 0 {
			delete(b.connRooms, connID)
		}
	}
	b.memberMu.Unlock()

	b.leaveRoom(connID, conversationID)
}

// LeaveAll removes a connection from every room it joined.
func (b *Bus) LeaveAll(connID string) {
	b.memberMu.Lock()
	rooms := b.connRooms[connID]
	delete(b.connRooms, connID)
	b.memberMu.Unlock()

	for conversationID := range rooms {
		b.leaveRoom(connID, conversationID)
	}
}

func (b *Bus) leaveRoom(connID, conversationID string) {
	s := b.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[conversationID]
	if !ok {
		return
	}
	conn, ok := r.members[connID]
	if !ok {
		return
	}
	delete(r.members, connID)

	userID := conn.UserID()
	r.userConns[userID]--
	if r.userConns[userID] <= 0 {
		delete(r.userConns, userID)
		if state, typing := r.typing[userID]; typing {
			state.timer.Stop()
			delete(r.typing, userID)
			b.broadcastStopped(r, conversationID, userID, originLeave)
		}
		b.broadcast(r, userID, types.NewEvent(types.EventPresenceChanged, types.PresencePayload{
			ConversationID: conversationID, UserID: userID, Online: false,
		}))
	}

	if len(r.members) == 0 {
		delete(s.rooms, conversationID)
	}
}

// EmitTyping applies a typing transition from connID. START is broadcast
// only when the user was not already typing; a repeated START re-arms the
// idle timer. STOP for a user who is not typing is a no-op.
func (b *Bus) EmitTyping(connID, conversationID string, start bool) error {
	s := b.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[conversationID]
	if !ok {
		return ErrNotInRoom
	}
	conn, ok := r.members[connID]
	if !ok {
		return ErrNotInRoom
	}
	userID := conn.UserID()
	state, typing := r.typing[userID]

	if !start {
		if typing {
			state.timer.Stop()
			delete(r.typing, userID)
			b.broadcastStopped(r, conversationID, userID, originClient)
		}
		return nil
	}

	if typing {
		state.timer.Stop()
		state.generation = b.generations.Add(1)
		state.timer = b.armTimer(conversationID, userID, state.generation)
		return nil
	}

	state = &typingState{generation: b.generations.Add(1)}
	state.timer = b.armTimer(conversationID, userID, state.generation)
	r.typing[userID] = state
	b.metrics.TypingEvent(types.TypingStart, originClient)
	b.broadcast(r, userID, types.NewEvent(types.EventUserTyping, types.TypingPayload{
		ConversationID: conversationID, UserID: userID,
	}))
	return nil
}

func (b *Bus) armTimer(conversationID, userID string, generation uint64) *time.Timer {
	return time.AfterFunc(b.idle, func() {
		b.expire(conversationID, userID, generation)
	})
}

// expire runs on the timer goroutine. A generation mismatch means the
// indicator was refreshed or stopped after this timer was armed.
func (b *Bus) expire(conversationID, userID string, generation uint64) {
	s := b.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[conversationID]
	if !ok {
		return
	}
	state, ok := r.typing[userID]
	if !ok || state.generation != generation {
		return
	}
	delete(r.typing, userID)
	b.broadcastStopped(r, conversationID, userID, originTimeout)
}

func (b *Bus) broadcastStopped(r *room, conversationID, userID, origin string) {
	b.metrics.TypingEvent(types.TypingStop, origin)
	b.broadcast(r, userID, types.NewEvent(types.EventUserStoppedTyping, types.TypingPayload{
		ConversationID: conversationID, UserID: userID,
	}))
}

// broadcast sends to every member not owned by excludeUser. Caller holds the shard lock.
func (b *Bus) broadcast(r *room, excludeUser string, event *types.Event) {
	for _, conn := range r.members {
		if conn.UserID() == excludeUser {
			continue
		}
		if err := conn.Send(event); err != nil {
			b.metrics.Delivery(event.Type, metrics.DeliveryFailed)
			b.logger.Debug("signal_dropped",
				zap.String("conn_id", conn.ID()),
				zap.String("event", event.Type),
				zap.Error(err),
			)
			continue
		}
		b.metrics.Delivery(event.Type, metrics.DeliveryDelivered)
	}
}

// UserInRoom reports whether the user has any connection joined to the room.
func (b *Bus) UserInRoom(conversationID, userID string) bool {
	s := b.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[conversationID]
	return ok && r.userConns[userID] > 0
}

// IsTyping reports whether an indicator is active for the user.
func (b *Bus) IsTyping(conversationID, userID string) bool {
	s := b.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[conversationID]
	if !ok {
		return false
	}
	_, typing := r.typing[userID]
	return typing
}

// RoomCount returns the number of non-empty rooms.
func (b *Bus) RoomCount() int {
	total := 0
	for _, s := range b.shards {
		s.mu.Lock()
		total += len(s.rooms)
		s.mu.Unlock()
	}
	return total
}
