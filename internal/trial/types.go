// Package trial executes single task attempts against an agent, attributing
// the credential used and capturing the failure kind for the retry layer.
package trial

import (
	"time"

	"causeval/internal/agent"
	"causeval/internal/errors"
	"causeval/internal/jsonx"
	"causeval/internal/sanitize"
)

// Status is the outcome of an attempt or a finalized task.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// FailureClass buckets a finalized failure for downstream reporting.
type FailureClass string

const (
	// FailureClassNone - the task succeeded.
	FailureClassNone FailureClass = ""
	// FailureClassInfrastructure - environment/service failure (credential
	// exhaustion, transport, timeout), not a model-quality signal.
	FailureClassInfrastructure FailureClass = "infrastructure"
	// FailureClassCapability - the agent produced a wrong or unusable answer.
	FailureClassCapability FailureClass = "capability"
)

// GradeFunc judges a sanitized output. A non-nil error marks the attempt a
// capability failure.
type GradeFunc func(parsed jsonx.RawMessage) error

// Task is one unit of work. Immutable once loaded.
type Task struct {
	ID         string
	Prompt     string
	Capability string           // credential capability class; empty uses the runner default
	Schema     *sanitize.Schema // target output schema; nil accepts raw output
	Grade      GradeFunc        // optional grading against the expected result
	Tools      []agent.Tool     // injected tool set (gated document lookup for validation runs)
	Metadata   map[string]any
}

// Attempt is one execution of a Task. Never mutated after the runner
// returns it.
type Attempt struct {
	Number       int              `json:"number"`
	Status       Status           `json:"status"`
	ErrorKind    errors.Kind      `json:"error_kind,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CredentialID string           `json:"credential_id,omitempty"`
	RawOutput    string           `json:"raw_output,omitempty"`
	ParsedOutput jsonx.RawMessage `json:"parsed_output,omitempty"`
	// RetryAfter carries the credential pool's exhaustion hint so the retry
	// loop can wait at least that long before the next attempt.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Latency    time.Duration `json:"latency"`
	StartedAt  time.Time     `json:"started_at"`
}

// Succeeded reports whether the attempt completed successfully.
func (a *Attempt) Succeeded() bool { return a != nil && a.Status == StatusSuccess }

// TaskResult owns the ordered attempt history for one task. Immutable once
// the orchestrator finalizes it.
type TaskResult struct {
	TaskID       string        `json:"task_id"`
	Attempts     []*Attempt    `json:"attempts"`
	Status       Status        `json:"status"`
	FailureClass FailureClass  `json:"failure_class,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// LastAttempt returns the final attempt, or nil when none ran.
func (r *TaskResult) LastAttempt() *Attempt {
	if r == nil || len(r.Attempts) == 0 {
		return nil
	}
	return r.Attempts[len(r.Attempts)-1]
}

// Succeeded reports whether the task finished successfully.
func (r *TaskResult) Succeeded() bool { return r != nil && r.Status == StatusSuccess }

// Finalize derives terminal status and failure class from the attempt
// history. Called exactly once by the orchestrator.
func (r *TaskResult) Finalize() {
	last := r.LastAttempt()
	if last == nil {
		r.Status = StatusFailure
		r.FailureClass = FailureClassInfrastructure
		return
	}
	if last.Succeeded() {
		r.Status = StatusSuccess
		r.FailureClass = FailureClassNone
		return
	}
	r.Status = StatusFailure
	r.LastError = last.ErrorMessage
	if errors.IsInfrastructure(last.ErrorKind) {
		r.FailureClass = FailureClassInfrastructure
	} else {
		r.FailureClass = FailureClassCapability
	}
}
