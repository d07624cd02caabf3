// Package reaper implements the periodic housekeeping alarm (C9): idle
// session deletion, stale-execution failure, event retention, expired-lease
// cleanup, and a retry pass for any dispatch left stuck by a prior failure.
package reaper

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kilocode/sessioncore/internal/authority"
	"github.com/kilocode/sessioncore/internal/common/config"
	"github.com/kilocode/sessioncore/internal/common/logger"
	"github.com/kilocode/sessioncore/internal/execution"
	"github.com/kilocode/sessioncore/internal/lease"
	"github.com/kilocode/sessioncore/internal/queue"
	"github.com/kilocode/sessioncore/internal/storage"
)

var (
	// ErrAlreadyRunning is returned by Start when called twice.
	ErrAlreadyRunning = errors.New("reaper is already running")
	// ErrNotRunning is returned by Stop when not running.
	ErrNotRunning = errors.New("reaper is not running")
)

// Reaper runs the lifecycle housekeeping pass on a fixed interval.
type Reaper struct {
	store      *storage.Store
	executions *execution.Registry
	queue      *queue.Queue
	leases     *lease.Registry
	authority  *authority.Authority
	cfg        config.ReaperConfig
	logger     *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Reaper over its dependencies.
func New(store *storage.Store, executions *execution.Registry, q *queue.Queue, leases *lease.Registry, auth *authority.Authority, cfg config.ReaperConfig, log *logger.Logger) *Reaper {
	return &Reaper{
		store:      store,
		executions: executions,
		queue:      q,
		leases:     leases,
		authority:  auth,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "reaper")),
	}
}

// Start begins the periodic pass in a background goroutine.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("reaper starting", zap.Duration("interval", r.cfg.ReaperInterval()))

	r.wg.Add(1)
	go r.run(ctx)
	return nil
}

// Stop halts the periodic pass and waits for any in-flight pass to finish.
func (r *Reaper) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("reaper stopped")
	return nil
}

func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()
	interval := r.cfg.ReaperInterval()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes exactly one housekeeping pass, in the order the
// specification lists: idle sessions, stale executions, event retention,
// expired leases, stuck dispatch retry.
func (r *Reaper) RunOnce(ctx context.Context) {
	now := time.Now()

	r.reapIdleSessions(ctx, now)
	r.reapStaleRunning(ctx, now)
	r.reapStalePending(ctx, now)
	r.reapOldEvents(now)
	r.reapExpiredLeases()
	r.retryStuckDispatch(ctx)
}

func (r *Reaper) reapIdleSessions(ctx context.Context, now time.Time) {
	ids, err := r.store.ListIdleSessions(now.Add(-r.cfg.SessionTTL()))
	if err != nil {
		r.logger.WithError(err).Error("failed to list idle sessions")
		return
	}
	for _, sessionID := range ids {
		if err := r.authority.DeleteSession(ctx, sessionID); err != nil {
			r.logger.WithError(err).Warn("failed to delete idle session")
			continue
		}
		r.logger.Info("deleted idle session", zap.String("session_id", sessionID))
	}
}

func (r *Reaper) reapStaleRunning(ctx context.Context, now time.Time) {
	stale, err := r.executions.ListStaleRunning(now.Add(-r.cfg.StaleThreshold()))
	if err != nil {
		r.logger.WithError(err).Error("failed to list stale running executions")
		return
	}
	for _, ex := range stale {
		if err := r.authority.OnExecutionComplete(ctx, ex.SessionID, ex.ExecutionID, storage.StatusFailed, "Execution timeout - no heartbeat received"); err != nil {
			r.logger.WithError(err).Warn("failed to fail stale running execution")
		}
	}
}

func (r *Reaper) reapStalePending(ctx context.Context, now time.Time) {
	stale, err := r.executions.ListStalePending(now.Add(-r.cfg.PendingStartTimeout()))
	if err != nil {
		r.logger.WithError(err).Error("failed to list stale pending executions")
		return
	}
	for _, ex := range stale {
		if err := r.authority.OnExecutionComplete(ctx, ex.SessionID, ex.ExecutionID, storage.StatusFailed, "wrapper never connected"); err != nil {
			r.logger.WithError(err).Warn("failed to fail stale pending execution")
		}
	}
}

func (r *Reaper) reapOldEvents(now time.Time) {
	n, err := r.store.DeleteEventsOlderThan(now.Add(-r.cfg.EventRetention()))
	if err != nil {
		r.logger.WithError(err).Error("failed to prune old events")
		return
	}
	if n > 0 {
		r.logger.Debug("pruned retained events", zap.Int64("count", n))
	}
}

func (r *Reaper) reapExpiredLeases() {
	n, err := r.leases.DeleteExpired()
	if err != nil {
		r.logger.WithError(err).Error("failed to delete expired leases")
		return
	}
	if n > 0 {
		r.logger.Debug("deleted expired leases", zap.Int64("count", n))
	}
}

func (r *Reaper) retryStuckDispatch(ctx context.Context) {
	ids, err := r.queue.ListSessionIDs()
	if err != nil {
		r.logger.WithError(err).Error("failed to list queued sessions")
		return
	}
	for _, sessionID := range ids {
		if err := r.authority.RetryDispatch(ctx, sessionID); err != nil {
			r.logger.WithError(err).Warn("failed to retry stuck dispatch")
		}
	}
}
