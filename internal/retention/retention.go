// Package retention periodically deletes read notifications past their TTL.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"coursechat/internal/metrics"
)

var ErrInvalidSchedule = errors.New("invalid retention schedule")

// Pruner deletes read notifications created before cutoff.
type Pruner interface {
	PruneReadNotifications(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	Enabled  bool
	Schedule string
	ReadTTL  time.Duration
}

// Manager runs the prune job on a cron schedule.
type Manager struct {
	config  Config
	pruner  Pruner
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewManager(config Config, pruner Pruner, logger *zap.Logger, m *metrics.Metrics) (*Manager, error) {
	if config.Enabled && !gronx.New().IsValid(config.Schedule) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSchedule, config.Schedule)
	}
	if config.ReadTTL <= 0 {
		return nil, fmt.Errorf("read ttl must be positive, got %v", config.ReadTTL)
	}
	return &Manager{
		config:  config,
		pruner:  pruner,
		logger:  logger.Named("retention"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start launches the schedule loop. It does nothing when retention is disabled.
func (rm *Manager) Start(ctx context.Context) {
	if !rm.config.Enabled {
		rm.logger.Info("retention_disabled")
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	rm.cancel = cancel
	rm.done = make(chan struct{})
	rm.logger.Info("retention_enabled", zap.String("cron", rm.config.Schedule), zap.Duration("read_ttl", rm.config.ReadTTL))
	go rm.scheduleLoop(loopCtx, rm.done)
}

// Stop ends the loop and waits for an in-flight run.
func (rm *Manager) Stop() {
	rm.mu.Lock()
	cancel, done := rm.cancel, rm.done
	rm.cancel, rm.done = nil, nil
	rm.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (rm *Manager) scheduleLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		next, err := gronx.NextTickAfter(rm.config.Schedule, rm.now(), false)
		if err != nil {
			rm.logger.Error("retention_nexttick_failed", zap.String("cron", rm.config.Schedule), zap.Error(err))
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			rm.runJob(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (rm *Manager) runJob(ctx context.Context) {
	rm.mu.Lock()
	if rm.running {
		rm.mu.Unlock()
		return
	}
	rm.running = true
	rm.mu.Unlock()

	defer func() {
		rm.mu.Lock()
		rm.running = false
		rm.mu.Unlock()
	}()

	if _, err := rm.RunOnce(ctx); err != nil {
		rm.logger.Error("retention_run_error", zap.Error(err))
	}
}

// RunOnce prunes immediately and returns the number of deleted notifications.
func (rm *Manager) RunOnce(ctx context.Context) (int64, error) {
	cutoff := rm.now().Add(-rm.config.ReadTTL)
	start := time.Now()
	n, err := rm.pruner.PruneReadNotifications(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	rm.metrics.RetentionPruned(n)
	rm.logger.Info("retention_run_complete",
		zap.Int64("pruned", n),
		zap.Time("cutoff", cutoff),
		zap.Duration("took", time.Since(start)),
	)
	return n, nil
}
