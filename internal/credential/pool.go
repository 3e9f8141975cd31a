// Package credential manages a rotating pool of opaque API credentials.
//
// Each credential is guarded by a circuit breaker: a streak of reported
// failures takes it out of rotation, and a cooldown window re-admits it on
// probation. A per-credential rate limiter keeps quota-limited keys from
// being burned when healthier capacity exists.
package credential

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"causeval/internal/errors"
	"causeval/internal/logging"
)

// Credential is an immutable view of one pooled credential.
type Credential struct {
	ID         string
	Secret     string
	Capability string
}

// Spec describes one credential at pool construction time.
type Spec struct {
	ID         string  `json:"id" yaml:"id"`
	Secret     string  `json:"secret" yaml:"secret"`
	Capability string  `json:"capability" yaml:"capability"`
	Rate       float64 `json:"rate,omitempty" yaml:"rate,omitempty"`   // requests/sec, 0 = unlimited
	Burst      int     `json:"burst,omitempty" yaml:"burst,omitempty"` // defaults to 1 when Rate > 0
}

// Config configures pool-wide health behavior.
type Config struct {
	FailureThreshold int           // consecutive failures before exclusion (default: 3)
	Cooldown         time.Duration // exclusion window before probation (default: 30s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
	}
}

// Health is a point-in-time snapshot of one credential's state.
type Health struct {
	ID                  string    `json:"id"`
	Capability          string    `json:"capability"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastUsedAt          time.Time `json:"last_used_at"`
	LastNote            string    `json:"last_note,omitempty"`
}

type entry struct {
	cred     Credential
	breaker  *errors.CircuitBreaker
	limiter  *rate.Limiter // nil = unlimited
	lastUsed time.Time
	lastNote string
}

// Pool hands out the least-recently-used healthy credential per capability.
type Pool struct {
	mu      sync.Mutex
	entries []*entry
	byID    map[string]*entry
	config  Config
	logger  logging.Logger

	now func() time.Time // test seam
}

// NewPool builds a pool from credential specs. Credentials are never removed
// during the process lifetime; unhealthy ones are only excluded from selection.
func NewPool(specs []Spec, config Config, logger logging.Logger) *Pool {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultConfig().Cooldown
	}

	p := &Pool{
		byID:   make(map[string]*entry, len(specs)),
		config: config,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}

	for _, spec := range specs {
		e := &entry{
			cred: Credential{ID: spec.ID, Secret: spec.Secret, Capability: spec.Capability},
			breaker: errors.NewCircuitBreaker(spec.ID, errors.CircuitBreakerConfig{
				FailureThreshold: config.FailureThreshold,
				Cooldown:         config.Cooldown,
			}),
		}
		if spec.Rate > 0 {
			burst := spec.Burst
			if burst <= 0 {
				burst = 1
			}
			e.limiter = rate.NewLimiter(rate.Limit(spec.Rate), burst)
		}
		p.entries = append(p.entries, e)
		p.byID[spec.ID] = e
	}

	return p
}

// Acquire returns the least-recently-used healthy credential for capability.
// It returns *errors.ExhaustedError when none is currently selectable; the
// caller should back off for the embedded RetryAfter hint rather than spin.
func (p *Pool) Acquire(ctx context.Context, capability string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.cred.Capability == capability {
			candidates = append(candidates, e)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})

	for _, e := range candidates {
		if !e.breaker.Allow() {
			continue
		}
		if e.limiter != nil && !e.limiter.Allow() {
			// Quota temporarily spent; leave health untouched and move on.
			continue
		}
		e.lastUsed = p.now()
		return e.cred, nil
	}

	retryAfter := p.retryHint(candidates)
	p.logger.Warn("no healthy credential for capability %q (retry in %v)", capability, retryAfter)
	return Credential{}, &errors.ExhaustedError{Capability: capability, RetryAfter: retryAfter}
}

// Report records an attempt outcome against the credential that served it.
// A success resets the failure streak; a failure advances it and may take
// the credential out of rotation.
func (p *Pool) Report(credentialID string, success bool, note string) {
	p.mu.Lock()
	e, ok := p.byID[credentialID]
	if !ok {
		p.mu.Unlock()
		p.logger.Warn("report for unknown credential %q ignored", credentialID)
		return
	}
	e.lastUsed = p.now()
	e.lastNote = note
	p.mu.Unlock()

	if success {
		e.breaker.Mark(nil)
		return
	}
	e.breaker.Mark(&reportedFailure{note: note})
	if e.breaker.State() == errors.StateOpen {
		p.logger.Warn("credential %s excluded after failure streak: %s", credentialID, note)
	}
}

// Snapshot returns health for every credential, ordered by id.
func (p *Pool) Snapshot() []Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Health, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, Health{
			ID:                  e.cred.ID,
			Capability:          e.cred.Capability,
			State:               e.breaker.State().String(),
			ConsecutiveFailures: e.breaker.ConsecutiveFailures(),
			LastUsedAt:          e.lastUsed,
			LastNote:            e.lastNote,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Size returns the total number of pooled credentials.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// retryHint estimates when selection could next succeed. Caller holds mu.
func (p *Pool) retryHint(candidates []*entry) time.Duration {
	if len(candidates) == 0 {
		return p.config.Cooldown
	}
	min := time.Duration(-1)
	for _, e := range candidates {
		wait := e.breaker.RetryAfter()
		if wait == 0 && e.limiter != nil {
			// Breaker is fine, so we must be rate limited.
			res := e.limiter.Reserve()
			wait = res.Delay()
			res.Cancel()
		}
		if min < 0 || wait < min {
			min = wait
		}
	}
	if min < 0 {
		min = p.config.Cooldown
	}
	return min
}

type reportedFailure struct {
	note string
}

func (f *reportedFailure) Error() string {
	if f.note == "" {
		return "reported failure"
	}
	return f.note
}
