package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"causeval/internal/credential"
	"causeval/internal/errors"
	"causeval/internal/jsonx"
)

type echoTool struct {
	calls []map[string]any
}

func (t *echoTool) Name() string        { return "lookup_context" }
func (t *echoTool) Description() string { return "look up a context item by id" }
func (t *echoTool) Call(_ context.Context, args map[string]any) (string, error) {
	t.calls = append(t.calls, args)
	return "content of " + args["id"].(string), nil
}

func completionBody(t *testing.T, msg chatMessage) []byte {
	t.Helper()
	body, err := jsonx.Marshal(map[string]any{
		"choices": []map[string]any{{"message": msg, "finish_reason": "stop"}},
	})
	require.NoError(t, err)
	return body
}

func TestHTTPAgentReturnsContentAndSendsBearer(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write(completionBody(t, chatMessage{Role: "assistant", Content: `{"answer": 42}`}))
	}))
	defer server.Close()

	a, err := NewHTTPAgent(HTTPConfig{BaseURL: server.URL, Model: "test-model"}, nil)
	require.NoError(t, err)

	out, err := a.Invoke(context.Background(), InvokeRequest{
		Prompt:     "solve it",
		Credential: credential.Credential{ID: "key-1", Secret: "sk-test"},
	})
	require.NoError(t, err)
	require.Equal(t, `{"answer": 42}`, out)
	require.Equal(t, "Bearer sk-test", gotAuth)
}

func TestHTTPAgentRunsToolLoop(t *testing.T) {
	call := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		call++
		if call == 1 {
			tc := chatToolCall{ID: "call-1", Type: "function"}
			tc.Function.Name = "lookup_context"
			tc.Function.Arguments = `{"id": "doc-7"}`
			w.Write(completionBody(t, chatMessage{Role: "assistant", ToolCalls: []chatToolCall{tc}}))
			return
		}
		// Second roundtrip must include the tool result message.
		require.Contains(t, string(body), "content of doc-7")
		w.Write(completionBody(t, chatMessage{Role: "assistant", Content: "done"}))
	}))
	defer server.Close()

	a, err := NewHTTPAgent(HTTPConfig{BaseURL: server.URL, Model: "test-model"}, nil)
	require.NoError(t, err)

	tool := &echoTool{}
	out, err := a.Invoke(context.Background(), InvokeRequest{Prompt: "use the tool", Tools: []Tool{tool}})
	require.NoError(t, err)
	require.Equal(t, "done", out)
	require.Len(t, tool.calls, 1)
	require.Equal(t, "doc-7", tool.calls[0]["id"])
}

func TestHTTPAgentMapsServerErrorToTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	a, err := NewHTTPAgent(HTTPConfig{BaseURL: server.URL, Model: "test-model"}, nil)
	require.NoError(t, err)

	_, err = a.Invoke(context.Background(), InvokeRequest{Prompt: "x"})
	var transport *errors.TransportError
	require.ErrorAs(t, err, &transport)
	require.Equal(t, http.StatusServiceUnavailable, transport.StatusCode)
}

func TestHTTPAgentMapsDeadlineToTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write(completionBody(t, chatMessage{Role: "assistant", Content: "late"}))
	}))
	defer server.Close()

	a, err := NewHTTPAgent(HTTPConfig{BaseURL: server.URL, Model: "test-model"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = a.Invoke(ctx, InvokeRequest{Prompt: "x"})
	require.Equal(t, errors.KindTimeout, errors.KindOf(err))
}

func TestHTTPAgentValidatesConfig(t *testing.T) {
	_, err := NewHTTPAgent(HTTPConfig{Model: "m"}, nil)
	require.Error(t, err)
	_, err = NewHTTPAgent(HTTPConfig{BaseURL: "http://localhost"}, nil)
	require.Error(t, err)
}
