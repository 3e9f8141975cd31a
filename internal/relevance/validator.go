package relevance

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"causeval/internal/agent"
	"causeval/internal/logging"
	"causeval/internal/observability"
	"causeval/internal/orchestrator"
	"causeval/internal/trial"
)

// Mode selects the stopping rule.
type Mode string

const (
	// ModeFixed runs exactly Trials exposure trials with no early exit.
	ModeFixed Mode = "fixed"
	// ModeAdaptive stops once every document's estimate has converged, or
	// the trial budget runs out.
	ModeAdaptive Mode = "adaptive"
)

// State is the validator's terminal condition for one task.
type State string

const (
	StateSampling        State = "sampling"
	StateConverged       State = "converged"
	StateBudgetExhausted State = "budget_exhausted"
)

// Config tunes a validation run.
type Config struct {
	Mode Mode `json:"mode" yaml:"mode"`
	// Trials is the exact trial count in fixed mode (default 20).
	Trials int `json:"trials" yaml:"trials"`
	// MaxTrials caps adaptive sampling (default 60).
	MaxTrials int `json:"max_trials" yaml:"max_trials"`
	// RoundSize is how many trials run per orchestrated batch between
	// convergence checks (default 8).
	RoundSize int `json:"round_size" yaml:"round_size"`
	// InclusionProbability is the per-document Bernoulli draw (default 0.5).
	InclusionProbability float64 `json:"inclusion_probability" yaml:"inclusion_probability"`
	// Seed fixes the draw sequence for reproducible runs; 0 seeds from time.
	Seed       int64      `json:"seed,omitempty" yaml:"seed,omitempty"`
	Thresholds Thresholds `json:"thresholds" yaml:"thresholds"`
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeAdaptive
	}
	if c.Trials <= 0 {
		c.Trials = 20
	}
	if c.MaxTrials <= 0 {
		c.MaxTrials = 60
	}
	if c.RoundSize <= 0 {
		c.RoundSize = 8
	}
	if c.InclusionProbability <= 0 || c.InclusionProbability >= 1 {
		c.InclusionProbability = 0.5
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
}

// Verdict is the per-document causal impact estimate.
type Verdict struct {
	DocumentID     string         `json:"document_id"`
	DeltaP         float64        `json:"delta_p"`
	PIn            float64        `json:"p_in"`
	POut           float64        `json:"p_out"`
	TrialsIn       int            `json:"trials_in"`
	TrialsOut      int            `json:"trials_out"`
	StandardError  float64        `json:"standard_error"`
	Classification Classification `json:"classification"`
}

// ExposureTrial records one randomized draw and its outcome. Append-only.
type ExposureTrial struct {
	Number     int               `json:"number"`
	ExposedIDs []string          `json:"exposed_ids"`
	Success    bool              `json:"success"`
	Result     *trial.TaskResult `json:"result,omitempty"`
}

// Outcome is the full result of validating one task against one document set.
type Outcome struct {
	TaskID string `json:"task_id"`
	State  State  `json:"state"`
	// Converged reports whether every document's estimate settled below the
	// convergence threshold.
	Converged bool `json:"converged"`
	// MaxStandardError is the largest remaining per-document uncertainty.
	MaxStandardError float64            `json:"max_standard_error"`
	Trials           []ExposureTrial    `json:"trials"`
	Verdicts         map[string]Verdict `json:"verdicts"`
	// Successes and failure-kind counts let callers separate infrastructure
	// noise from genuine document-quality signal.
	Successes          int `json:"successes"`
	InfraFailures      int `json:"infra_failures"`
	CapabilityFailures int `json:"capability_failures"`
}

// Validator runs randomized-exposure trials for one task at a time.
// Document pools are read-only during a run and safely shared.
type Validator struct {
	orch    *orchestrator.Orchestrator
	config  Config
	logger  logging.Logger
	metrics *observability.MetricsCollector
	rng     *rand.Rand
}

// New builds a validator that executes its trials through orch.
func New(orch *orchestrator.Orchestrator, config Config, logger logging.Logger, metrics *observability.MetricsCollector) *Validator {
	config.applyDefaults()
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Validator{
		orch:    orch,
		config:  config,
		logger:  logging.OrNop(logger),
		metrics: metrics,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Validate estimates each document's causal impact on task success. Trials
// run in rounds through the orchestrator; an errored trial counts as a
// failed outcome rather than being dropped, which keeps the estimate free
// of survivorship bias.
func (v *Validator) Validate(ctx context.Context, task *trial.Task, documents []Document, factory agent.Factory) (*Outcome, error) {
	if task == nil {
		return nil, fmt.Errorf("nil task")
	}
	if len(documents) == 0 {
		return nil, fmt.Errorf("task %s: no candidate documents", task.ID)
	}
	seen := make(map[string]bool, len(documents))
	for _, doc := range documents {
		if doc.ID == "" {
			return nil, fmt.Errorf("task %s: document with empty id", task.ID)
		}
		if seen[doc.ID] {
			return nil, fmt.Errorf("task %s: duplicate document id %q", task.ID, doc.ID)
		}
		seen[doc.ID] = true
	}

	budget := v.config.MaxTrials
	if v.config.Mode == ModeFixed {
		budget = v.config.Trials
	}

	outcome := &Outcome{
		TaskID:   task.ID,
		State:    StateSampling,
		Verdicts: make(map[string]Verdict, len(documents)),
	}
	tallies := make(map[string]*tally, len(documents))
	for _, doc := range documents {
		tallies[doc.ID] = &tally{}
	}

	for len(outcome.Trials) < budget {
		if err := ctx.Err(); err != nil {
			v.finalize(outcome, documents, tallies, StateBudgetExhausted)
			return outcome, err
		}

		round := v.config.RoundSize
		if remaining := budget - len(outcome.Trials); round > remaining {
			round = remaining
		}

		draws := make([]map[string]bool, round)
		tasks := make([]*trial.Task, round)
		for i := 0; i < round; i++ {
			draws[i] = v.draw(documents)
			tasks[i] = exposureTask(task, documents, draws[i], len(outcome.Trials)+i+1)
		}

		batch, err := v.orch.RunBatch(ctx, tasks, factory)
		if err != nil {
			return nil, fmt.Errorf("task %s: exposure batch: %w", task.ID, err)
		}

		for i, result := range batch.Results {
			success := result.Succeeded()
			record := ExposureTrial{
				Number:     len(outcome.Trials) + 1,
				ExposedIDs: exposedIDs(draws[i]),
				Success:    success,
				Result:     result,
			}
			outcome.Trials = append(outcome.Trials, record)
			v.metrics.RecordExposureTrial(ctx, success)

			// Every trial labels every document exactly once.
			for _, doc := range documents {
				tallies[doc.ID].record(draws[i][doc.ID], success)
			}

			switch {
			case success:
				outcome.Successes++
			case result.FailureClass == trial.FailureClassCapability:
				outcome.CapabilityFailures++
			default:
				outcome.InfraFailures++
			}
		}

		if v.config.Mode == ModeAdaptive && v.allConverged(tallies) {
			v.finalize(outcome, documents, tallies, StateConverged)
			v.logger.Info("task %s converged after %d exposure trials", task.ID, len(outcome.Trials))
			return outcome, nil
		}
	}

	state := StateBudgetExhausted
	if v.allConverged(tallies) {
		state = StateConverged
	}
	v.finalize(outcome, documents, tallies, state)
	v.logger.Info("task %s finished sampling: state=%s trials=%d ok=%d infra=%d capability=%d",
		task.ID, outcome.State, len(outcome.Trials), outcome.Successes, outcome.InfraFailures, outcome.CapabilityFailures)
	return outcome, nil
}

// draw samples an independent Bernoulli inclusion per document.
func (v *Validator) draw(documents []Document) map[string]bool {
	subset := make(map[string]bool, len(documents))
	for _, doc := range documents {
		subset[doc.ID] = v.rng.Float64() < v.config.InclusionProbability
	}
	return subset
}

func (v *Validator) allConverged(tallies map[string]*tally) bool {
	for _, t := range tallies {
		if !t.converged(v.config.Thresholds) {
			return false
		}
	}
	return true
}

func (v *Validator) finalize(outcome *Outcome, documents []Document, tallies map[string]*tally, state State) {
	outcome.State = state
	outcome.Converged = true
	for _, doc := range documents {
		verdict := tallies[doc.ID].verdict(doc.ID, v.config.Thresholds)
		outcome.Verdicts[doc.ID] = verdict
		if verdict.StandardError > outcome.MaxStandardError {
			outcome.MaxStandardError = verdict.StandardError
		}
		if verdict.StandardError >= v.config.Thresholds.Convergence {
			outcome.Converged = false
		}
	}
}

// exposureTask clones the base task with a gated lookup over the drawn
// subset. Each trial gets its own tool instance so draws never leak across
// concurrent trials.
func exposureTask(base *trial.Task, documents []Document, subset map[string]bool, number int) *trial.Task {
	gate := NewGatedLookup(documents, subset)
	clone := *base
	clone.ID = fmt.Sprintf("%s#trial-%03d", base.ID, number)
	clone.Tools = append(append([]agent.Tool{}, base.Tools...), gate)
	return &clone
}

func exposedIDs(subset map[string]bool) []string {
	ids := make([]string, 0, len(subset))
	for id, in := range subset {
		if in {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
