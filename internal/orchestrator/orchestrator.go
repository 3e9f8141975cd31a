// Package orchestrator runs batches of tasks with bounded concurrency,
// per-task retry with exponential backoff, and graceful cancellation drain.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"causeval/internal/agent"
	"causeval/internal/async"
	"causeval/internal/errors"
	"causeval/internal/logging"
	"causeval/internal/observability"
	"causeval/internal/trial"
)

// Config tunes batch execution.
type Config struct {
	// MaxConcurrency caps simultaneously executing tasks (default: 4).
	MaxConcurrency int
	// MaxRetries is the number of re-attempts after the first try (default: 2).
	// Only retryable failure kinds consume retries; capability failures
	// terminate the task immediately.
	MaxRetries int
	// DrainTimeout bounds how long in-flight tasks may keep running after
	// cancellation before being abandoned (default: 30s).
	DrainTimeout time.Duration
	// NestedShare is the fraction of the global budget a nested orchestrator
	// may hold at once (default: 0.5).
	NestedShare float64
	// Backoff configures the retry delay schedule.
	Backoff errors.BackoffConfig
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.NestedShare <= 0 || c.NestedShare > 1 {
		c.NestedShare = 0.5
	}
	if c.Backoff.BaseDelay <= 0 {
		c.Backoff = errors.DefaultBackoffConfig()
	}
}

// BatchResult aggregates one batch run. Results preserves input task order.
type BatchResult struct {
	// RunID uniquely identifies this batch in logs and artifacts.
	RunID              string              `json:"run_id"`
	Results            []*trial.TaskResult `json:"results"`
	Successes          int                 `json:"successes"`
	InfraFailures      int                 `json:"infra_failures"`
	CapabilityFailures int                 `json:"capability_failures"`
	Canceled           bool                `json:"canceled"`
	Duration           time.Duration       `json:"duration"`
}

// ByTask returns the results keyed by task id.
func (b *BatchResult) ByTask() map[string]*trial.TaskResult {
	out := make(map[string]*trial.TaskResult, len(b.Results))
	for _, result := range b.Results {
		out[result.TaskID] = result
	}
	return out
}

// Orchestrator schedules task batches over a shared concurrency budget.
// Nested orchestrators borrow from the same budget so recursive validation
// runs cannot multiply the global limit.
type Orchestrator struct {
	runner  *trial.Runner
	config  Config
	budget  *semaphore.Weighted
	nested  bool
	logger  logging.Logger
	metrics *observability.MetricsCollector

	inFlight atomic.Int64
}

// New builds an orchestrator owning a fresh concurrency budget.
func New(runner *trial.Runner, config Config, logger logging.Logger, metrics *observability.MetricsCollector) *Orchestrator {
	config.applyDefaults()
	return &Orchestrator{
		runner:  runner,
		config:  config,
		budget:  semaphore.NewWeighted(int64(config.MaxConcurrency)),
		logger:  logging.OrNop(logger),
		metrics: metrics,
	}
}

// Nested returns an orchestrator that shares this one's global budget but
// holds at most NestedShare of it, so a validator spawning sub-batches from
// inside a running task cannot deadlock or oversubscribe the pool.
func (o *Orchestrator) Nested() *Orchestrator {
	share := int(float64(o.config.MaxConcurrency) * o.config.NestedShare)
	if share < 1 {
		share = 1
	}
	config := o.config
	config.MaxConcurrency = share
	return &Orchestrator{
		runner:  o.runner,
		config:  config,
		budget:  o.budget, // shared global budget
		nested:  true,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// InFlight reports how many tasks this orchestrator is currently executing.
func (o *Orchestrator) InFlight() int { return int(o.inFlight.Load()) }

// RunBatch executes every task with bounded concurrency and finalizes each
// with its attempt history. Cancellation stops launching new tasks and gives
// in-flight ones a drain window; tasks that never started are finalized as
// canceled infrastructure failures.
func (o *Orchestrator) RunBatch(ctx context.Context, tasks []*trial.Task, factory agent.Factory) (*BatchResult, error) {
	if factory == nil {
		return nil, fmt.Errorf("nil agent factory")
	}
	started := time.Now()
	runID := uuid.NewString()
	o.logger.Info("batch %s started: %d tasks, concurrency %d", runID, len(tasks), o.config.MaxConcurrency)

	results := make([]*trial.TaskResult, len(tasks))

	// The group context is deliberately not passed to runTask: a canceled
	// batch lets in-flight attempts finish inside the drain window.
	var group errgroup.Group
	group.SetLimit(o.config.MaxConcurrency)

	drainCtx, drainStop := drainContext(ctx, o.config.DrainTimeout, o.logger)
	defer drainStop()

	for i, task := range tasks {
		if ctx.Err() != nil {
			results[i] = canceledResult(task)
			continue
		}

		i, task := i, task
		group.Go(func() error {
			if o.nested {
				// A nested batch may be running inside a task that already
				// holds a budget slot. Take extra capacity when available,
				// otherwise run within the caller's slot rather than
				// deadlocking against it.
				if o.budget.TryAcquire(1) {
					defer o.budget.Release(1)
				}
			} else {
				if err := o.budget.Acquire(ctx, 1); err != nil {
					results[i] = canceledResult(task)
					return nil
				}
				defer o.budget.Release(1)
			}

			results[i] = o.runTask(drainCtx, task, factory)
			return nil
		})
	}

	group.Wait()

	batch := &BatchResult{
		RunID:    runID,
		Results:  results,
		Canceled: ctx.Err() != nil,
		Duration: time.Since(started),
	}
	for _, result := range results {
		switch {
		case result.Succeeded():
			batch.Successes++
		case result.FailureClass == trial.FailureClassCapability:
			batch.CapabilityFailures++
		default:
			batch.InfraFailures++
		}
	}

	o.logger.Info("batch %s finished: %d ok, %d infra, %d capability, canceled=%v, took %v",
		runID, batch.Successes, batch.InfraFailures, batch.CapabilityFailures, batch.Canceled, batch.Duration)
	return batch, nil
}

// runTask drives the retry loop for one task. Each iteration gets a fresh
// agent attempt; backoff between attempts honors the pool's exhaustion hint
// when one is available.
func (o *Orchestrator) runTask(ctx context.Context, task *trial.Task, factory agent.Factory) *trial.TaskResult {
	o.inFlight.Add(1)
	o.metrics.TaskStarted(ctx)
	defer func() {
		o.inFlight.Add(-1)
		o.metrics.TaskFinished(ctx)
	}()

	result := &trial.TaskResult{TaskID: task.ID}
	started := time.Now()
	defer func() {
		result.Duration = time.Since(started)
		result.Finalize()
	}()

	ag, err := factory(task.ID)
	if err != nil {
		result.Attempts = append(result.Attempts, &trial.Attempt{
			Number:       1,
			Status:       trial.StatusFailure,
			ErrorKind:    errors.KindTransport,
			ErrorMessage: fmt.Sprintf("agent factory: %v", err),
			StartedAt:    started,
		})
		return result
	}

	maxAttempts := o.config.MaxRetries + 1
	for attemptNumber := 1; attemptNumber <= maxAttempts; attemptNumber++ {
		attempt := o.runner.Run(ctx, task, ag, attemptNumber)
		result.Attempts = append(result.Attempts, attempt)

		if attempt.Succeeded() || !errors.IsRetryable(attempt.ErrorKind) {
			return result
		}
		if attemptNumber == maxAttempts {
			o.logger.Warn("task %s exhausted %d attempts, last failure: %s", task.ID, maxAttempts, attempt.ErrorKind)
			return result
		}

		delay := errors.Backoff(attemptNumber-1, o.config.Backoff)
		if hint := exhaustionHint(attempt); hint > delay {
			delay = hint
		}
		if err := errors.Sleep(ctx, delay); err != nil {
			return result
		}
	}
	return result
}

// exhaustionHint extracts the pool's retry-after hint from an exhausted
// attempt, zero otherwise.
func exhaustionHint(attempt *trial.Attempt) time.Duration {
	if attempt.ErrorKind != errors.KindExhausted {
		return 0
	}
	if attempt.RetryAfter > 0 {
		return attempt.RetryAfter
	}
	return 0
}

func canceledResult(task *trial.Task) *trial.TaskResult {
	result := &trial.TaskResult{
		TaskID: task.ID,
		Attempts: []*trial.Attempt{{
			Number:       1,
			Status:       trial.StatusFailure,
			ErrorKind:    errors.KindTimeout,
			ErrorMessage: "batch canceled before the task started",
			StartedAt:    time.Now(),
		}},
	}
	result.Finalize()
	return result
}

// drainContext returns a context that outlives parent's cancellation by
// drainTimeout, so in-flight attempts can finish cleanly instead of being
// killed mid-call. The returned stop func releases the watcher goroutine
// once the batch has fully completed.
func drainContext(parent context.Context, drainTimeout time.Duration, logger logging.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stopped := make(chan struct{})
	async.Go(logger, "orchestrator.drain-watch", func() {
		select {
		case <-stopped:
			return
		case <-parent.Done():
		}
		logger.Info("cancellation received, draining in-flight tasks for up to %v", drainTimeout)
		timer := time.NewTimer(drainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-stopped:
		}
	})

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(stopped)
			cancel()
		})
	}
	return ctx, stop
}
