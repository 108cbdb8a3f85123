// Package presence tracks which users are online and through which live
// connections, and pushes events to all of a user's connections.
package presence

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"coursechat/internal/metrics"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

var (
	ErrNilConnection   = errors.New("connection cannot be nil")
	ErrUnregistered    = errors.New("connection has no registered user")
	ErrDuplicateConnID = errors.New("connection id already registered")
)

var _ interfaces.Pusher = (*Registry)(nil)

// Registry is sharded by user. All mutations for one user happen under that
// user's shard lock, so connect, disconnect and push for a user are linearizable.
type Registry struct {
	shards []*shard
	owners sync.Map // connID -> userID

	connections atomic.Int64
	users       atomic.Int64

	logger  *zap.Logger
	metrics *metrics.Metrics
}

type shard struct {
	mu    sync.RWMutex
	users map[string]map[string]interfaces.Connection // userID -> connID -> conn
}

// Stats is a point-in-time count.
type Stats struct {
	Connections int64 `json:"connections"`
	OnlineUsers int64 `json:"online_users"`
}

// NewRegistry creates a registry with the given shard count (minimum 1).
func NewRegistry(shardCount int, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if shardCount < 1 {
		shardCount = 1
	}
	r := &Registry{
		shards:  make([]*shard, shardCount),
		logger:  logger.Named("presence"),
		metrics: m,
	}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[string]map[string]interfaces.Connection)}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	return r.shards[xxhash.Sum64String(userID)%uint64(len(r.shards))]
}

// Connect adds conn to its user's entry. It reports whether the user was
// offline before this call.
func (r *Registry) Connect(conn interfaces.Connection) (bool, error) {
	if conn == nil {
		return false, ErrNilConnection
	}
	userID := conn.UserID()
	if userID == "" {
		return false, ErrUnregistered
	}
	s := r.shardFor(userID)
	s.mu.Lock()
	if _, loaded := r.owners.LoadOrStore(conn.ID(), userID); loaded {
		s.mu.Unlock()
		return false, ErrDuplicateConnID
	}
	conns, ok := s.users[userID]
	if !ok {
		conns = make(map[string]interfaces.Connection)
		s.users[userID] = conns
	}
	conns[conn.ID()] = conn
	s.mu.Unlock()

	r.connections.Add(1)
	if !ok {
		r.users.Add(1)
	}
	r.publishGauges()

	r.logger.Debug("connection_registered",
		zap.String("user_id", userID),
		zap.String("conn_id", conn.ID()),
		zap.Bool("first", !ok),
	)
	return !ok, nil
}

// Disconnect removes a connection. It is idempotent; the second call for the
// same id returns ("", false). wentOffline is true when this was the user's
// last connection.
func (r *Registry) Disconnect(connID string) (userID string, wentOffline bool) {
	v, ok := r.owners.Load(connID)
	if !ok {
		return "", false
	}
	userID = v.(string)

	s := r.shardFor(userID)
	s.mu.Lock()
	if _, owned := r.owners.LoadAndDelete(connID); !owned {
		// lost a race with another Disconnect for the same id
		s.mu.Unlock()
		return "", false
	}
	conns := s.users[userID]
	if _, present := conns[connID]; present {
		delete(conns, connID)
		r.connections.Add(-1)
	}
	if len(conns) == 0 && conns != nil {
		delete(s.users, userID)
		wentOffline = true
		r.users.Add(-1)
	}
	s.mu.Unlock()

	r.publishGauges()
	r.logger.Debug("connection_unregistered",
		zap.String("user_id", userID),
		zap.String("conn_id", connID),
		zap.Bool("offline", wentOffline),
	)
	return userID, wentOffline
}

// ConnectionsFor returns a snapshot of a user's live connections.
func (r *Registry) ConnectionsFor(userID string) []interfaces.Connection {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.users[userID]
	out := make([]interfaces.Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether the user has at least one connection.
func (r *Registry) IsOnline(userID string) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

// Push sends event to every connection of the user. Connections whose send
// fails are evicted and closed; the rest still receive the event.
func (r *Registry) Push(userID string, event *types.Event) interfaces.DeliveryReport {
	var report interfaces.DeliveryReport
	var failed []interfaces.Connection

	for _, conn := range r.ConnectionsFor(userID) {
		if err := conn.Send(event); err != nil {
			report.Failed++
			failed = append(failed, conn)
			r.logger.Warn("push_failed",
				zap.String("user_id", userID),
				zap.String("conn_id", conn.ID()),
				zap.String("event", event.Type),
				zap.Error(err),
			)
			continue
		}
		report.Delivered++
	}

	for _, conn := range failed {
		r.Disconnect(conn.ID())
		_ = conn.Close()
		r.metrics.ConnectionDropped("send_failed")
	}
	return report
}

// Stats returns current counts.
func (r *Registry) Stats() Stats {
	return Stats{Connections: r.connections.Load(), OnlineUsers: r.users.Load()}
}

func (r *Registry) publishGauges() {
	r.metrics.SetPresence(r.connections.Load(), r.users.Load())
}
