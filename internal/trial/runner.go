package trial

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"causeval/internal/agent"
	"causeval/internal/credential"
	"causeval/internal/errors"
	"causeval/internal/logging"
	"causeval/internal/observability"
	"causeval/internal/sanitize"
)

// RunnerConfig tunes single-attempt execution.
type RunnerConfig struct {
	// Capability selects the credential class when a task does not name one.
	Capability string
	// AttemptTimeout bounds one agent invocation. Defaults to 120s.
	AttemptTimeout time.Duration
}

// Runner executes exactly one attempt of a task: acquire a credential, invoke
// the agent under a deadline, report the credential outcome, then sanitize
// and grade. It never retries; the orchestrator owns the retry loop.
type Runner struct {
	pool      *credential.Pool
	sanitizer *sanitize.Sanitizer
	config    RunnerConfig
	logger    logging.Logger
	metrics   *observability.MetricsCollector
}

// NewRunner builds a runner. pool is required; sanitizer may be nil when all
// tasks accept raw output.
func NewRunner(pool *credential.Pool, sanitizer *sanitize.Sanitizer, config RunnerConfig, logger logging.Logger, metrics *observability.MetricsCollector) *Runner {
	if config.Capability == "" {
		config.Capability = "default"
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 120 * time.Second
	}
	return &Runner{
		pool:      pool,
		sanitizer: sanitizer,
		config:    config,
		logger:    logging.OrNop(logger),
		metrics:   metrics,
	}
}

// Run executes attempt number attemptNumber of task against ag. The returned
// Attempt always carries a terminal status; errors are folded into it rather
// than returned, so the caller classifies by ErrorKind alone.
func (r *Runner) Run(ctx context.Context, task *Task, ag agent.Agent, attemptNumber int) *Attempt {
	started := time.Now()
	attempt := &Attempt{Number: attemptNumber, StartedAt: started}

	capability := task.Capability
	if capability == "" {
		capability = r.config.Capability
	}

	cred, err := r.pool.Acquire(ctx, capability)
	if err != nil {
		r.metrics.RecordPoolExhausted(ctx)
		r.fail(ctx, attempt, task, err, started)
		return attempt
	}
	attempt.CredentialID = cred.ID

	callCtx, cancel := context.WithTimeout(ctx, r.config.AttemptTimeout)
	raw, invokeErr := r.invoke(callCtx, ag, agent.InvokeRequest{
		Prompt:     task.Prompt,
		Tools:      task.Tools,
		Credential: cred,
		Metadata:   task.Metadata,
	})
	cancel()

	if invokeErr != nil {
		kind := errors.KindOf(invokeErr)
		// Only environment failures count against the credential's health.
		r.pool.Report(cred.ID, !errors.IsInfrastructure(kind), invokeErr.Error())
		r.fail(ctx, attempt, task, errors.Attribute(invokeErr, cred.ID), started)
		return attempt
	}
	// The service answered; whatever the answer's quality, the credential
	// did its job.
	r.pool.Report(cred.ID, true, "")
	attempt.RawOutput = raw

	if r.sanitizer != nil && (task.Schema != nil || task.Grade != nil) {
		sanitizeCtx, cancel := context.WithTimeout(ctx, r.config.AttemptTimeout)
		parsed, serr := r.sanitizer.Sanitize(sanitizeCtx, raw, task.Schema)
		cancel()
		if serr != nil {
			r.fail(ctx, attempt, task, errors.Attribute(serr, cred.ID), started)
			return attempt
		}
		attempt.ParsedOutput = parsed

		if task.Grade != nil {
			if gerr := task.Grade(parsed); gerr != nil {
				r.fail(ctx, attempt, task, errors.Attribute(&errors.CapabilityError{Reason: gerr.Error()}, cred.ID), started)
				return attempt
			}
		}
	}

	attempt.Status = StatusSuccess
	attempt.Latency = time.Since(started)
	r.metrics.RecordAttempt(ctx, string(errors.KindNone), attempt.Latency)
	r.logger.Debug("task %s attempt %d succeeded via %s in %v", task.ID, attemptNumber, cred.ID, attempt.Latency)
	return attempt
}

func (r *Runner) invoke(ctx context.Context, ag agent.Agent, req agent.InvokeRequest) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("agent panic: %v", rec)
		}
	}()
	return ag.Invoke(ctx, req)
}

func (r *Runner) fail(ctx context.Context, attempt *Attempt, task *Task, err error, started time.Time) {
	attempt.Status = StatusFailure
	attempt.ErrorKind = errors.KindOf(err)
	attempt.ErrorMessage = err.Error()
	var exhausted *errors.ExhaustedError
	if stderrors.As(err, &exhausted) {
		attempt.RetryAfter = exhausted.RetryAfter
	}
	if attempt.CredentialID == "" {
		attempt.CredentialID = errors.CredentialOf(err)
	}
	attempt.Latency = time.Since(started)
	r.metrics.RecordAttempt(ctx, string(attempt.ErrorKind), attempt.Latency)
	r.logger.Warn("task %s attempt %d failed (%s): %v", task.ID, attempt.Number, attempt.ErrorKind, err)
}
