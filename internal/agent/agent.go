// Package agent defines the interface boundary between the trial engine and
// the external reasoning service that actually solves tasks.
package agent

import (
	"context"

	"causeval/internal/credential"
)

// Tool is an agent-facing function the agent may call while solving a task.
// Validation runs inject gated lookup tools through this interface.
type Tool interface {
	// Name returns the tool identifier exposed to the agent.
	Name() string

	// Description returns the tool description exposed to the agent.
	Description() string

	// Call invokes the tool with the parsed arguments.
	Call(ctx context.Context, args map[string]any) (string, error)
}

// InvokeRequest carries one task invocation. The credential is an explicit
// parameter rather than ambient state so concurrent trials cannot bleed
// credentials into each other.
type InvokeRequest struct {
	Prompt     string
	Tools      []Tool
	Credential credential.Credential
	Metadata   map[string]any
}

// Agent is any external reasoning service that can attempt a task.
// Invoke returns the agent's raw textual output; sanitization and grading
// happen in the trial layer.
type Agent interface {
	Invoke(ctx context.Context, req InvokeRequest) (string, error)
}

// Factory builds an agent instance for one task. The orchestrator calls it
// once per task so agent state is never shared across concurrent tasks.
type Factory func(taskID string) (Agent, error)

// Fixed returns a factory that hands every task the same agent.
// Only safe for stateless agents.
func Fixed(a Agent) Factory {
	return func(string) (Agent, error) { return a, nil }
}
