// Package worker runs the dispatch polling loop: claim a batch from the
// queue, execute each claimed dispatch through the runner, persist
// terminal state. Multiple worker processes may run against the same
// queue; correctness rests entirely on the store's claim protocol.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/leadwave/automations/internal/engine"
	"github.com/leadwave/automations/internal/repository"
	"github.com/leadwave/automations/pkg/models"
)

// Pool manages a set of worker goroutines polling the dispatch queue.
type Pool struct {
	store  repository.Store
	runner *engine.Runner
	logger *slog.Logger

	workerID     string
	concurrency  int
	batchSize    int
	pollInterval time.Duration

	// Stale-claim reconciliation policy. Off unless enabled; an
	// operational mitigation, not a core guarantee.
	reclaimStale   bool
	staleThreshold time.Duration

	processed metric.Int64Counter

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency sets the number of polling goroutines.
func WithConcurrency(n int) Option {
	return func(p *Pool) { p.concurrency = n }
}

// WithBatchSize sets how many dispatches one claim may take.
func WithBatchSize(n int) Option {
	return func(p *Pool) { p.batchSize = n }
}

// WithPollInterval sets the idle sleep between empty polls.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) { p.pollInterval = d }
}

// WithStaleReclaim enables the reconciliation loop that requeues
// dispatches stuck in claimed or running past the threshold.
func WithStaleReclaim(threshold time.Duration) Option {
	return func(p *Pool) {
		p.reclaimStale = true
		p.staleThreshold = threshold
	}
}

// NewPool creates a worker pool.
func NewPool(store repository.Store, runner *engine.Runner, logger *slog.Logger, opts ...Option) *Pool {
	hostname, _ := os.Hostname()
	p := &Pool{
		store:          store,
		runner:         runner,
		logger:         logger,
		workerID:       fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8]),
		concurrency:    4,
		batchSize:      10,
		pollInterval:   time.Second,
		staleThreshold: 10 * time.Minute,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	meter := otel.Meter("github.com/leadwave/automations/internal/worker")
	p.processed, _ = meter.Int64Counter("workflow_dispatches_processed_total",
		metric.WithDescription("Dispatches processed by terminal or suspended outcome"))

	return p
}

// WorkerID returns this pool's claim identity.
func (p *Pool) WorkerID() string { return p.workerID }

// Start launches the polling goroutines. It returns immediately.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	p.logger.Info("dispatch worker starting",
		slog.String("worker_id", p.workerID),
		slog.Int("concurrency", p.concurrency),
		slog.Int("batch_size", p.batchSize),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.pollLoop()
	}

	if p.reclaimStale {
		p.wg.Add(1)
		go p.reclaimLoop()
	}
}

// Stop signals all workers and waits for in-flight dispatches to land,
// or for the context deadline.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("dispatch worker stopped", slog.String("worker_id", p.workerID))
		return nil
	case <-ctx.Done():
		p.logger.Warn("dispatch worker shutdown timed out", slog.String("worker_id", p.workerID))
		return ctx.Err()
	}
}

func (p *Pool) pollLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		ctx := context.Background()
		claimed, err := p.store.Claim(ctx, p.workerID, p.batchSize)
		if err != nil {
			p.logger.Error("claim failed", slog.String("error", err.Error()))
			p.sleep()
			continue
		}
		if len(claimed) == 0 {
			p.sleep()
			continue
		}

		for _, d := range claimed {
			p.process(ctx, d)
		}
	}
}

// process runs one claimed dispatch to a terminal status or a delay
// suspension. Failures terminate only this dispatch, never the worker.
func (p *Pool) process(ctx context.Context, d *models.Dispatch) {
	if err := p.store.MarkRunning(ctx, d.ID); err != nil {
		p.logger.Error("mark running failed",
			slog.String("dispatch_id", d.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	w, err := p.store.GetWorkflow(ctx, d.WorkflowID)
	if err != nil {
		p.finish(ctx, d, models.DispatchStatusFailed, fmt.Sprintf("load workflow: %s", err))
		return
	}

	result, err := p.runner.Run(ctx, d, w)
	if err != nil {
		p.finish(ctx, d, models.DispatchStatusFailed, err.Error())
		return
	}

	if result.Suspension != nil {
		if err := p.store.Suspend(ctx, d.ID, result.Suspension.ResumeStepID, result.Suspension.ResumeAt); err != nil {
			p.logger.Error("suspend failed",
				slog.String("dispatch_id", d.ID.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		p.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "delayed")))
		p.logger.Info("dispatch suspended",
			slog.String("dispatch_id", d.ID.String()),
			slog.Time("resume_at", result.Suspension.ResumeAt),
		)
		return
	}

	p.finish(ctx, d, result.Status, result.LastError)
}

func (p *Pool) finish(ctx context.Context, d *models.Dispatch, status models.DispatchStatus, lastError string) {
	if err := p.store.Complete(ctx, d.ID, status, lastError); err != nil {
		p.logger.Error("complete failed",
			slog.String("dispatch_id", d.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	p.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(status))))

	if status == models.DispatchStatusFailed {
		p.logger.Warn("dispatch failed",
			slog.String("dispatch_id", d.ID.String()),
			slog.String("error", lastError),
		)
		return
	}
	p.logger.Info("dispatch succeeded", slog.String("dispatch_id", d.ID.String()))
}

// reclaimLoop periodically requeues dispatches whose claim went stale,
// so a crashed worker's rows become runnable again.
func (p *Pool) reclaimLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.staleThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			reclaimed, err := p.store.ReclaimStale(context.Background(), p.staleThreshold)
			if err != nil {
				p.logger.Error("stale reclaim failed", slog.String("error", err.Error()))
				continue
			}
			for _, d := range reclaimed {
				p.logger.Warn("reclaimed stale dispatch",
					slog.String("dispatch_id", d.ID.String()),
					slog.Int("attempts", d.Attempts),
				)
			}
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}
