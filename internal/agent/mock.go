package agent

import (
	"context"
	"sync"
)

// ScriptedAgent returns canned responses in order, for tests and dry runs.
// A nil error with an empty script replays the last response forever.
type ScriptedAgent struct {
	mu       sync.Mutex
	script   []ScriptStep
	requests []InvokeRequest
}

// ScriptStep is one canned invocation outcome.
type ScriptStep struct {
	Output string
	Err    error
	// Fn, when set, computes the outcome from the request instead.
	Fn func(ctx context.Context, req InvokeRequest) (string, error)
}

// NewScriptedAgent creates a scripted agent from the given steps.
func NewScriptedAgent(steps ...ScriptStep) *ScriptedAgent {
	return &ScriptedAgent{script: steps}
}

// Invoke pops the next scripted step; after the script runs out the last
// step repeats.
func (a *ScriptedAgent) Invoke(ctx context.Context, req InvokeRequest) (string, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	var step ScriptStep
	switch {
	case len(a.script) == 0:
		a.mu.Unlock()
		return "", nil
	case len(a.script) == 1:
		step = a.script[0]
	default:
		step = a.script[0]
		a.script = a.script[1:]
	}
	a.mu.Unlock()

	if step.Fn != nil {
		return step.Fn(ctx, req)
	}
	return step.Output, step.Err
}

// Requests returns a copy of every request seen so far.
func (a *ScriptedAgent) Requests() []InvokeRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]InvokeRequest, len(a.requests))
	copy(out, a.requests)
	return out
}

// Calls returns how many invocations the agent has served.
func (a *ScriptedAgent) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}
