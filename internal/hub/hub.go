// Package hub dispatches persisted messages to the router on ordered lanes.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"coursechat/internal/metrics"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Config sizes the lanes.
type Config struct {
	Lanes        int
	LaneBuffer   int
	RouteTimeout time.Duration
}

// DefaultConfig returns the lane layout used when nothing is configured.
func DefaultConfig() Config {
	return Config{Lanes: 16, LaneBuffer: 256, RouteTimeout: 10 * time.Second}
}

// Hub runs a fixed set of FIFO lanes. A conversation always hashes to the
// same lane, so its messages are routed one at a time in enqueue order while
// different conversations proceed in parallel.
// ARCHITECTURAL DISCOVERY: enqueue happens while the caller still holds the
// conversation's append lock, which makes lane order equal to sequence order
type Hub struct {
	config  Config
	router  interfaces.MessageRouter
	logger  *zap.Logger
	metrics *metrics.Metrics

	lanes    []chan *envelope
	shutdown chan struct{}
	wg       sync.WaitGroup

	running bool
	mu      sync.RWMutex
}

type envelope struct {
	message      *types.Message
	conversation *types.Conversation
	enqueuedAt   time.Time
}

// NewHub creates a stopped hub.
func NewHub(config Config, router interfaces.MessageRouter, logger *zap.Logger, m *metrics.Metrics) *Hub {
	defaults := DefaultConfig()
	if config.Lanes <= 0 {
		config.Lanes = defaults.Lanes
	}
	if config.LaneBuffer <= 0 {
		config.LaneBuffer = defaults.LaneBuffer
	}
	if config.RouteTimeout <= 0 {
		config.RouteTimeout = defaults.RouteTimeout
	}
	return &Hub{
		config:  config,
		router:  router,
		logger:  logger.Named("hub"),
		metrics: m,
	}
}

// Start launches one worker per lane. Workers run until Stop, which drains
// every lane first; cancelling ctx does not stop them, so a message persisted
// during shutdown is still routed. ctx values are inherited by routing.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}

	base := context.WithoutCancel(ctx)
	h.lanes = make([]chan *envelope, h.config.Lanes)
	h.shutdown = make(chan struct{})
	for i := range h.lanes {
		h.lanes[i] = make(chan *envelope, h.config.LaneBuffer)
		h.wg.Add(1)
		go h.runLane(base, i, h.lanes[i])
	}
	h.running = true

	h.logger.Info("hub_started", zap.Int("lanes", h.config.Lanes))
	return nil
}

// Stop signals the workers and waits until every queued message has been routed.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info("hub_stopped")
	return nil
}

// Enqueue places a persisted message on its conversation's lane. It blocks
// while the lane is full, providing backpressure to senders. The read lock is
// held across the send so Stop cannot start draining until it lands; workers
// keep consuming until then, so a blocked Enqueue always completes.
func (h *Hub) Enqueue(ctx context.Context, message *types.Message, conversation *types.Conversation) error {
	if message == nil || conversation == nil {
		return ErrNilMessage
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	env := &envelope{message: message, conversation: conversation, enqueuedAt: time.Now()}
	select {
	case h.lanes[h.laneFor(conversation.ID)] <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) laneFor(conversationID string) int {
	return int(xxhash.Sum64String(conversationID) % uint64(len(h.lanes)))
}

func (h *Hub) runLane(ctx context.Context, index int, lane chan *envelope) {
	defer h.wg.Done()

	for {
		select {
		case env := <-lane:
			h.route(ctx, env)

		case <-h.shutdown:
			for {
				select {
				case env := <-lane:
					h.route(ctx, env)
				default:
					h.logger.Debug("lane_drained", zap.Int("lane", index))
					return
				}
			}
		}
	}
}

func (h *Hub) route(ctx context.Context, env *envelope) {
	routeCtx, cancel := context.WithTimeout(ctx, h.config.RouteTimeout)
	defer cancel()

	if err := h.router.RouteMessage(routeCtx, env.message, env.conversation); err != nil {
		// Delivery failures never reach the sender; the message is already durable.
		h.logger.Warn("route_failed",
			zap.String("conversation_id", env.conversation.ID),
			zap.String("message_id", env.message.ID),
			zap.Error(err),
		)
	}
	h.metrics.ObserveRoute(time.Since(env.enqueuedAt))
}

// Stats reports queue depth per lane for the health endpoint.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	queued := 0
	for _, lane := range h.lanes {
		queued += len(lane)
	}
	return map[string]interface{}{
		"running": h.running,
		"lanes":   len(h.lanes),
		"queued":  queued,
	}
}
