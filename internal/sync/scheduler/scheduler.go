// Package scheduler runs background sync and queue draining.
package scheduler

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/pokebrowser/core/internal/auth"
	"github.com/pokebrowser/core/internal/localstore"
	"github.com/pokebrowser/core/internal/logging"
	"github.com/pokebrowser/core/internal/models"
	syncpkg "github.com/pokebrowser/core/internal/sync"
	"github.com/pokebrowser/core/internal/sync/queue"
)

// Executor runs one queued operation. Returning an error schedules a
// retry per the queue's backoff.
type Executor func(ctx context.Context, item *queue.Item) error

// Config holds scheduler intervals.
type Config struct {
	SyncInterval  time.Duration // periodic reconcile while the gate is open (default: 5 minutes)
	QueueInterval time.Duration // queue drain cadence (default: 30 seconds)
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:  5 * time.Minute,
		QueueInterval: 30 * time.Second,
	}
}

// Scheduler periodically reconciles the collection and drains the
// deferred-operation queue once the auth gate opens.
type Scheduler struct {
	engine        syncpkg.EngineInterface
	local         localstore.Store
	gate          *auth.Gate
	queue         *queue.Queue
	exec          Executor
	syncInterval  time.Duration
	queueInterval time.Duration

	stopCh    chan struct{}
	wg        stdsync.WaitGroup
	mu        stdsync.Mutex
	isRunning bool
}

// New creates a Scheduler. A nil config uses the defaults.
func New(engine syncpkg.EngineInterface, local localstore.Store, gate *auth.Gate, q *queue.Queue, exec Executor, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		engine:        engine,
		local:         local,
		gate:          gate,
		queue:         q,
		exec:          exec,
		syncInterval:  cfg.SyncInterval,
		queueInterval: cfg.QueueInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background loops. Second calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx, stop)
	go s.queueDrainLoop(ctx, stop)

	logging.Info("background sync scheduler started", nil)
}

// Stop stops the background loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("background sync scheduler stopped", nil)
}

// periodicSyncLoop reconciles pull-then-push on a timer while the gate is
// open. The engine's own in-flight flag keeps a manual sync triggered from
// the bus from overlapping with a periodic one.
func (s *Scheduler) periodicSyncLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !s.gate.CanSync() {
				continue
			}
			s.runSync(ctx)
		}
	}
}

func (s *Scheduler) runSync(ctx context.Context) {
	syncCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if _, err := s.engine.PullRemoteToLocal(syncCtx); err != nil {
		logging.Warn("periodic pull failed", map[string]interface{}{"error": err.Error()})
		return
	}

	var items []models.Item
	if _, err := localstore.GetJSON(syncCtx, s.local, localstore.KeyCollection, &items); err != nil {
		logging.Warn("periodic sync could not read collection", map[string]interface{}{"error": err.Error()})
		return
	}
	if _, err := s.engine.PushLocalToRemote(syncCtx, items, false); err != nil {
		logging.Warn("periodic push failed", map[string]interface{}{"error": err.Error()})
	}
}

// queueDrainLoop executes deferred operations once the gate opens.
func (s *Scheduler) queueDrainLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !s.gate.CanSync() || s.exec == nil {
				continue
			}
			s.drainQueue(ctx)
		}
	}
}

func (s *Scheduler) drainQueue(ctx context.Context) {
	for {
		item := s.queue.Dequeue()
		if item == nil {
			return
		}

		opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := s.exec(opCtx, item)
		cancel()

		if err != nil {
			_ = s.queue.Failed(item.ID, err)
			continue
		}
		_ = s.queue.Complete(item.ID)
	}
}
