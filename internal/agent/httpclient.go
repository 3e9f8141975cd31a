package agent

import (
	"bytes"
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"causeval/internal/errors"
	"causeval/internal/jsonx"
	"causeval/internal/logging"
)

// HTTPConfig configures the OpenAI-compatible HTTP agent.
type HTTPConfig struct {
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	MaxTurns    int     `json:"max_turns,omitempty" yaml:"max_turns,omitempty"` // tool-call roundtrips, default 4
	Timeout     time.Duration
}

// HTTPAgent speaks the OpenAI-compatible chat completions API. The pool
// credential's secret is sent as the bearer token on every call, so blame for
// transport failures lands on the right key.
type HTTPAgent struct {
	config HTTPConfig
	client *http.Client
	logger logging.Logger
}

// NewHTTPAgent constructs an agent against an OpenAI-compatible endpoint.
func NewHTTPAgent(config HTTPConfig, logger logging.Logger) (*HTTPAgent, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("agent base URL is required")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("agent model is required")
	}
	if config.MaxTurns <= 0 {
		config.MaxTurns = 4
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPAgent{
		config: HTTPConfig{
			BaseURL:     strings.TrimRight(config.BaseURL, "/"),
			Model:       config.Model,
			Temperature: config.Temperature,
			MaxTokens:   config.MaxTokens,
			MaxTurns:    config.MaxTurns,
			Timeout:     timeout,
		},
		client: &http.Client{Timeout: timeout},
		logger: logging.OrNop(logger),
	}, nil
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// Invoke runs a bounded tool-call loop: the agent may ask for injected tools
// (e.g. the gated document lookup) up to MaxTurns times before it must answer.
func (a *HTTPAgent) Invoke(ctx context.Context, req InvokeRequest) (string, error) {
	messages := []chatMessage{{Role: "user", Content: req.Prompt}}
	toolsByName := make(map[string]Tool, len(req.Tools))
	for _, tool := range req.Tools {
		toolsByName[tool.Name()] = tool
	}

	for turn := 0; turn < a.config.MaxTurns; turn++ {
		resp, err := a.complete(ctx, req.Credential.Secret, messages, req.Tools)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", &errors.TransportError{
				Err:          fmt.Errorf("empty choices in completion response"),
				CredentialID: req.Credential.ID,
			}
		}

		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			return msg.Content, nil
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			output := a.dispatchTool(ctx, toolsByName, call)
			messages = append(messages, chatMessage{
				Role:       "tool",
				Content:    output,
				ToolCallID: call.ID,
			})
		}
	}

	// Out of turns: force a final answer without tools.
	resp, err := a.complete(ctx, req.Credential.Secret, messages, nil)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &errors.TransportError{
			Err:          fmt.Errorf("empty choices in completion response"),
			CredentialID: req.Credential.ID,
		}
	}
	return resp.Choices[0].Message.Content, nil
}

func (a *HTTPAgent) dispatchTool(ctx context.Context, tools map[string]Tool, call chatToolCall) string {
	tool, ok := tools[call.Function.Name]
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", call.Function.Name)
	}
	var args map[string]any
	if call.Function.Arguments != "" {
		if err := jsonx.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return fmt.Sprintf("error: malformed tool arguments: %v", err)
		}
	}
	output, err := tool.Call(ctx, args)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return output
}

func (a *HTTPAgent) complete(ctx context.Context, secret string, messages []chatMessage, tools []Tool) (*chatResponse, error) {
	payload := map[string]any{
		"model":    a.config.Model,
		"messages": messages,
		"stream":   false,
	}
	if a.config.Temperature > 0 {
		payload["temperature"] = a.config.Temperature
	}
	if a.config.MaxTokens > 0 {
		payload["max_tokens"] = a.config.MaxTokens
	}
	if len(tools) > 0 {
		payload["tools"] = convertTools(tools)
		payload["tool_choice"] = "auto"
	}

	body, err := jsonx.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := a.config.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if secret != "" {
		httpReq.Header.Set("Authorization", "Bearer "+secret)
	}

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		if goerrors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, &errors.TimeoutError{Err: err}
		}
		return nil, &errors.TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errors.TransportError{Err: fmt.Errorf("read response: %w", err)}
	}

	a.logger.Debug("POST %s -> %d (%v)", endpoint, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode != http.StatusOK {
		return nil, &errors.TransportError{
			Err:        fmt.Errorf("completion request failed: %s", truncate(string(respBody), 200)),
			StatusCode: resp.StatusCode,
		}
	}

	var parsed chatResponse
	if err := jsonx.Unmarshal(respBody, &parsed); err != nil {
		return nil, &errors.TransportError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return &parsed, nil
}

// ParameterizedTool lets a tool describe its own argument schema. Tools that
// don't implement it get a permissive object schema.
type ParameterizedTool interface {
	Tool
	Parameters() map[string]any
}

func convertTools(tools []Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		params := map[string]any{"type": "object"}
		if pt, ok := tool.(ParameterizedTool); ok {
			params = pt.Parameters()
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name(),
				"description": tool.Description(),
				"parameters":  params,
			},
		})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
