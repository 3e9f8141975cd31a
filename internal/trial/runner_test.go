package trial

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"causeval/internal/agent"
	"causeval/internal/credential"
	"causeval/internal/errors"
	"causeval/internal/jsonx"
	"causeval/internal/sanitize"
)

func newTestPool(t *testing.T, ids ...string) *credential.Pool {
	t.Helper()
	specs := make([]credential.Spec, 0, len(ids))
	for _, id := range ids {
		specs = append(specs, credential.Spec{ID: id, Secret: "sk-" + id, Capability: "default"})
	}
	return credential.NewPool(specs, credential.DefaultConfig(), nil)
}

func newTestRunner(t *testing.T, pool *credential.Pool) *Runner {
	t.Helper()
	return NewRunner(pool, sanitize.New(sanitize.Config{}), RunnerConfig{}, nil, nil)
}

func TestRunnerSuccess(t *testing.T) {
	pool := newTestPool(t, "key-a")
	runner := newTestRunner(t, pool)

	ag := agent.NewScriptedAgent(agent.ScriptStep{Output: `{"answer": 42}`})
	task := &Task{
		ID:     "t1",
		Prompt: "compute",
		Grade: func(parsed jsonx.RawMessage) error {
			var out struct {
				Answer int `json:"answer"`
			}
			if err := jsonx.Unmarshal(parsed, &out); err != nil {
				return err
			}
			if out.Answer != 42 {
				return fmt.Errorf("got %d", out.Answer)
			}
			return nil
		},
	}

	attempt := runner.Run(context.Background(), task, ag, 1)
	require.Equal(t, StatusSuccess, attempt.Status)
	require.Equal(t, "key-a", attempt.CredentialID)
	require.Equal(t, errors.KindNone, attempt.ErrorKind)
	require.JSONEq(t, `{"answer": 42}`, string(attempt.ParsedOutput))

	// The invocation must carry the acquired credential.
	reqs := ag.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "key-a", reqs[0].Credential.ID)
	require.Equal(t, "sk-key-a", reqs[0].Credential.Secret)
}

func TestRunnerTransportFailureBlamesCredential(t *testing.T) {
	pool := newTestPool(t, "key-a")
	runner := newTestRunner(t, pool)

	ag := agent.NewScriptedAgent(agent.ScriptStep{
		Err: &errors.TransportError{Err: fmt.Errorf("connection refused"), StatusCode: 503},
	})
	attempt := runner.Run(context.Background(), &Task{ID: "t1", Prompt: "x"}, ag, 1)

	require.Equal(t, StatusFailure, attempt.Status)
	require.Equal(t, errors.KindTransport, attempt.ErrorKind)
	require.Equal(t, "key-a", attempt.CredentialID)

	health := pool.Snapshot()
	require.Len(t, health, 1)
	require.Equal(t, 1, health[0].ConsecutiveFailures)
}

func TestRunnerUnparseableDoesNotBlameCredential(t *testing.T) {
	pool := newTestPool(t, "key-a")
	runner := newTestRunner(t, pool)

	// Transport succeeded but the payload is garbage at every stage.
	ag := agent.NewScriptedAgent(agent.ScriptStep{Output: "no json anywhere"})
	schema, err := sanitize.CompileSchema(`{"type": "object", "required": ["answer"]}`)
	require.NoError(t, err)

	attempt := runner.Run(context.Background(), &Task{ID: "t1", Prompt: "x", Schema: schema}, ag, 1)
	require.Equal(t, StatusFailure, attempt.Status)
	require.Equal(t, errors.KindUnparseable, attempt.ErrorKind)
	require.Equal(t, "no json anywhere", attempt.RawOutput)

	health := pool.Snapshot()
	require.Equal(t, 0, health[0].ConsecutiveFailures)
}

func TestRunnerGradeFailureIsCapability(t *testing.T) {
	pool := newTestPool(t, "key-a")
	runner := newTestRunner(t, pool)

	ag := agent.NewScriptedAgent(agent.ScriptStep{Output: `{"answer": 7}`})
	task := &Task{
		ID:     "t1",
		Prompt: "x",
		Grade: func(jsonx.RawMessage) error {
			return fmt.Errorf("expected 42")
		},
	}

	attempt := runner.Run(context.Background(), task, ag, 1)
	require.Equal(t, StatusFailure, attempt.Status)
	require.Equal(t, errors.KindCapability, attempt.ErrorKind)
	require.False(t, errors.IsRetryable(attempt.ErrorKind))

	// Wrong answers are not the credential's fault.
	require.Equal(t, 0, pool.Snapshot()[0].ConsecutiveFailures)
}

func TestRunnerPoolExhausted(t *testing.T) {
	pool := newTestPool(t, "key-a")
	runner := newTestRunner(t, pool)

	ag := agent.NewScriptedAgent()
	attempt := runner.Run(context.Background(), &Task{ID: "t1", Prompt: "x", Capability: "vision"}, ag, 1)

	require.Equal(t, StatusFailure, attempt.Status)
	require.Equal(t, errors.KindExhausted, attempt.ErrorKind)
	require.Empty(t, attempt.CredentialID)
	require.Zero(t, ag.Calls())
}

func TestRunnerAttemptTimeout(t *testing.T) {
	pool := newTestPool(t, "key-a")
	runner := NewRunner(pool, nil, RunnerConfig{AttemptTimeout: 20 * time.Millisecond}, nil, nil)

	ag := agent.NewScriptedAgent(agent.ScriptStep{
		Fn: func(ctx context.Context, _ agent.InvokeRequest) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})

	attempt := runner.Run(context.Background(), &Task{ID: "t1", Prompt: "x"}, ag, 1)
	require.Equal(t, StatusFailure, attempt.Status)
	require.Equal(t, errors.KindTimeout, attempt.ErrorKind)
	require.True(t, errors.IsInfrastructure(attempt.ErrorKind))
}

func TestRunnerAgentPanicIsContained(t *testing.T) {
	pool := newTestPool(t, "key-a")
	runner := newTestRunner(t, pool)

	ag := agent.NewScriptedAgent(agent.ScriptStep{
		Fn: func(context.Context, agent.InvokeRequest) (string, error) {
			panic("boom")
		},
	})

	attempt := runner.Run(context.Background(), &Task{ID: "t1", Prompt: "x"}, ag, 1)
	require.Equal(t, StatusFailure, attempt.Status)
	require.Contains(t, attempt.ErrorMessage, "agent panic")
}

func TestRunnerRawOutputWithoutSchema(t *testing.T) {
	pool := newTestPool(t, "key-a")
	runner := newTestRunner(t, pool)

	ag := agent.NewScriptedAgent(agent.ScriptStep{Output: "free text answer"})
	attempt := runner.Run(context.Background(), &Task{ID: "t1", Prompt: "x"}, ag, 1)

	require.Equal(t, StatusSuccess, attempt.Status)
	require.Equal(t, "free text answer", attempt.RawOutput)
	require.Empty(t, attempt.ParsedOutput)
}

func TestTaskResultFinalize(t *testing.T) {
	tests := []struct {
		name     string
		attempts []*Attempt
		status   Status
		class    FailureClass
	}{
		{
			name:     "no attempts",
			attempts: nil,
			status:   StatusFailure,
			class:    FailureClassInfrastructure,
		},
		{
			name: "success after retry",
			attempts: []*Attempt{
				{Number: 1, Status: StatusFailure, ErrorKind: errors.KindTransport},
				{Number: 2, Status: StatusSuccess},
			},
			status: StatusSuccess,
			class:  FailureClassNone,
		},
		{
			name: "terminal timeout",
			attempts: []*Attempt{
				{Number: 1, Status: StatusFailure, ErrorKind: errors.KindTimeout, ErrorMessage: "deadline"},
			},
			status: StatusFailure,
			class:  FailureClassInfrastructure,
		},
		{
			name: "wrong answer",
			attempts: []*Attempt{
				{Number: 1, Status: StatusFailure, ErrorKind: errors.KindCapability, ErrorMessage: "expected 42"},
			},
			status: StatusFailure,
			class:  FailureClassCapability,
		},
		{
			name: "unparseable after retries",
			attempts: []*Attempt{
				{Number: 1, Status: StatusFailure, ErrorKind: errors.KindUnparseable},
				{Number: 2, Status: StatusFailure, ErrorKind: errors.KindUnparseable},
			},
			status: StatusFailure,
			class:  FailureClassCapability,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := &TaskResult{TaskID: "t1", Attempts: tt.attempts}
			result.Finalize()
			require.Equal(t, tt.status, result.Status)
			require.Equal(t, tt.class, result.FailureClass)
		})
	}
}
