package callback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kilocode/sessioncore/internal/common/config"
	"github.com/kilocode/sessioncore/internal/common/logger"
	"github.com/kilocode/sessioncore/internal/storage"
)

var (
	// ErrDispatcherAlreadyRunning is returned by Start when called twice.
	ErrDispatcherAlreadyRunning = errors.New("callback dispatcher is already running")
	// ErrDispatcherNotRunning is returned by Stop when not running.
	ErrDispatcherNotRunning = errors.New("callback dispatcher is not running")
)

// outcome classifies one delivery attempt.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetry
	outcomeFailed
)

// Dispatcher polls the durable callback_jobs table and delivers due jobs.
type Dispatcher struct {
	store  *storage.Store
	cfg    config.CallbackConfig
	client *http.Client
	logger *logger.Logger

	pollInterval time.Duration
	batchSize    int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher builds a Dispatcher over its dependencies.
func NewDispatcher(store *storage.Store, cfg config.CallbackConfig, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:        store,
		cfg:          cfg,
		client:       &http.Client{Timeout: 15 * time.Second},
		logger:       log.WithFields(zap.String("component", "callback-dispatcher")),
		pollInterval: 5 * time.Second,
		batchSize:    25,
	}
}

// Start begins the polling loop in a background goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrDispatcherAlreadyRunning
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	d.logger.Info("callback dispatcher starting", zap.Duration("poll_interval", d.pollInterval))

	d.wg.Add(1)
	go d.run(ctx)
	return nil
}

// Stop halts the polling loop and waits for the in-flight pass to finish.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrDispatcherNotRunning
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("callback dispatcher stopped")
	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.processDue(ctx)
		}
	}
}

func (d *Dispatcher) processDue(ctx context.Context) {
	jobs, err := d.store.ListDueCallbackJobs(time.Now(), d.batchSize)
	if err != nil {
		d.logger.WithError(err).Error("failed to list due callback jobs")
		return
	}
	for _, job := range jobs {
		d.deliver(ctx, job)
	}
}

// deliver attempts one delivery and persists the resulting outcome.
func (d *Dispatcher) deliver(ctx context.Context, job storage.CallbackJob) {
	log := d.logger.WithSessionID(job.SessionID).WithExecutionID(job.ExecutionID)
	attempts := job.Attempts + 1

	result, deliverErr := deliverCallbackJob(ctx, d.client, job)
	switch result {
	case outcomeSuccess:
		if err := d.store.MarkCallbackJobDelivered(job.ID); err != nil {
			log.WithError(err).Error("failed to mark callback job delivered")
		}
	case outcomeFailed:
		msg := ""
		if deliverErr != nil {
			msg = deliverErr.Error()
		}
		if err := d.store.MarkCallbackJobFailed(job.ID, msg); err != nil {
			log.WithError(err).Error("failed to mark callback job failed")
		}
	case outcomeRetry:
		maxAttempts := d.cfg.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 5
		}
		if attempts >= maxAttempts {
			msg := fmt.Sprintf("exhausted %d attempts: %v", attempts, deliverErr)
			if err := d.store.MarkCallbackJobFailed(job.ID, msg); err != nil {
				log.WithError(err).Error("failed to mark callback job failed")
			}
			return
		}
		delaySeconds := backoffBaseSeconds(d.cfg) * math.Pow(2, float64(attempts-1))
		next := time.Now().Add(time.Duration(delaySeconds) * time.Second)
		msg := ""
		if deliverErr != nil {
			msg = deliverErr.Error()
		}
		if err := d.store.RescheduleCallbackJob(job.ID, attempts, next, msg); err != nil {
			log.WithError(err).Error("failed to reschedule callback job")
		}
	}
}

func backoffBaseSeconds(cfg config.CallbackConfig) float64 {
	if cfg.BaseDelaySeconds <= 0 {
		return 60
	}
	return float64(cfg.BaseDelaySeconds)
}

// deliverCallbackJob performs exactly one HTTP delivery attempt and
// classifies the result: success for 200/201/204, retry for 5xx/429/network
// error, no retry for any other 4xx.
func deliverCallbackJob(ctx context.Context, client *http.Client, job storage.CallbackJob) (outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.TargetURL, bytes.NewReader([]byte(job.PayloadJSON)))
	if err != nil {
		return outcomeFailed, fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range job.TargetHeaders {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return outcomeRetry, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusNoContent:
		return outcomeSuccess, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return outcomeRetry, fmt.Errorf("callback target returned %d", resp.StatusCode)
	default:
		return outcomeFailed, fmt.Errorf("callback target returned %d", resp.StatusCode)
	}
}
