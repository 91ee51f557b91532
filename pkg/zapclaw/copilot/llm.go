// Package copilot – llm.go implements the Anthropic Messages API client
// used by the agent loop, with tool calling and retry on transient errors.
package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// chatMessage is the provider-neutral message the agent builds. Content is
// a string for plain turns. Tool results use Role "tool" with ToolCallID.
type chatMessage struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ---------- Tool Calling Types ----------

// ToolDefinition is a tool exposed to the model.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a callable function.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the function name and its JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// LLMResponse is one parsed model response.
type LLMResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        LLMUsage
	ModelUsed    string
}

// LLMUsage holds token usage reported by the API.
type LLMUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// completer is the model surface the agent loop needs.
type completer interface {
	CompleteWithTools(ctx context.Context, messages []chatMessage, tools []ToolDefinition) (*LLMResponse, error)
}

// ---------- Anthropic wire format ----------

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// convertToAnthropicRequest moves system messages to the top-level field,
// turns tool results into user tool_result blocks and merges consecutive
// same-role messages.
func convertToAnthropicRequest(model string, maxTokens int, messages []chatMessage, tools []ToolDefinition) *anthropicRequest {
	req := &anthropicRequest{Model: model, MaxTokens: maxTokens}

	var msgs []anthropicMessage
	for _, m := range messages {
		switch {
		case m.Role == "system":
			if s, ok := m.Content.(string); ok && s != "" {
				if req.System != "" {
					req.System += "\n\n"
				}
				req.System += s
			}

		case m.Role == "tool":
			block := anthropicContent{Type: "tool_result", ToolUseID: m.ToolCallID}
			if s, ok := m.Content.(string); ok {
				block.Content = s
			}
			msgs = append(msgs, anthropicMessage{Role: "user", Content: []anthropicContent{block}})

		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var blocks []anthropicContent
			if s, ok := m.Content.(string); ok && s != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: s})
			}
			for _, tc := range m.ToolCalls {
				args := tc.Function.Arguments
				if args == "" {
					args = "{}"
				}
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: json.RawMessage(args),
				})
			}
			msgs = append(msgs, anthropicMessage{Role: "assistant", Content: blocks})

		default:
			msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Content})
		}
	}
	req.Messages = mergeConsecutiveAnthropicMessages(msgs)

	for _, t := range tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return req
}

// mergeConsecutiveAnthropicMessages enforces strict user/assistant
// alternation.
func mergeConsecutiveAnthropicMessages(msgs []anthropicMessage) []anthropicMessage {
	if len(msgs) == 0 {
		return msgs
	}
	result := []anthropicMessage{msgs[0]}
	for _, m := range msgs[1:] {
		last := &result[len(result)-1]
		if m.Role == last.Role {
			last.Content = append(toAnthropicContentBlocks(last.Content), toAnthropicContentBlocks(m.Content)...)
			continue
		}
		result = append(result, m)
	}
	return result
}

func toAnthropicContentBlocks(content any) []anthropicContent {
	switch v := content.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []anthropicContent{{Type: "text", Text: v}}
	case []anthropicContent:
		return v
	default:
		return nil
	}
}

// convertFromAnthropicResponse maps content blocks and the stop reason onto
// LLMResponse.
func convertFromAnthropicResponse(resp *anthropicResponse) *LLMResponse {
	var text []string
	var toolCalls []ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}

	finish := resp.StopReason
	switch finish {
	case "end_turn":
		finish = "stop"
	case "tool_use":
		finish = "tool_calls"
	case "max_tokens":
		finish = "length"
	}

	return &LLMResponse{
		Content:      strings.TrimSpace(strings.Join(text, "\n")),
		ToolCalls:    toolCalls,
		FinishReason: finish,
		ModelUsed:    resp.Model,
		Usage: LLMUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// ---------- Error Classification ----------

// LLMErrorKind classifies API errors for retry decisions.
type LLMErrorKind int

const (
	LLMErrorRetryable  LLMErrorKind = iota // transient 5xx
	LLMErrorRateLimit                      // 429
	LLMErrorOverloaded                     // 529 or "overloaded"
	LLMErrorTimeout                        // deadline or timeout
	LLMErrorAuth                           // 401, 403
	LLMErrorBilling                        // 402 or billing body
	LLMErrorContext                        // context window exceeded
	LLMErrorBadRequest                     // 400
	LLMErrorFatal                          // everything else
)

func (k LLMErrorKind) String() string {
	switch k {
	case LLMErrorRetryable:
		return "retryable"
	case LLMErrorRateLimit:
		return "rate_limit"
	case LLMErrorOverloaded:
		return "overloaded"
	case LLMErrorTimeout:
		return "timeout"
	case LLMErrorAuth:
		return "auth"
	case LLMErrorBilling:
		return "billing"
	case LLMErrorContext:
		return "context"
	case LLMErrorBadRequest:
		return "bad_request"
	case LLMErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// IsRetryableKind returns true if the error kind warrants retrying.
func (k LLMErrorKind) IsRetryableKind() bool {
	return k == LLMErrorRetryable || k == LLMErrorRateLimit || k == LLMErrorOverloaded || k == LLMErrorTimeout
}

// apiError captures HTTP status, body and Retry-After.
type apiError struct {
	statusCode    int
	body          string
	retryAfterSec int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("anthropic: API returned %d: %s", e.statusCode, truncate(e.body, 200))
}

// classifyAPIError determines the error kind from status and body.
func classifyAPIError(statusCode int, body string) LLMErrorKind {
	b := strings.ToLower(body)

	if strings.Contains(b, "context_length_exceeded") ||
		strings.Contains(b, "prompt is too long") ||
		strings.Contains(b, "maximum context length") {
		return LLMErrorContext
	}
	if statusCode == 402 ||
		strings.Contains(b, "billing") ||
		strings.Contains(b, "credit balance") ||
		strings.Contains(b, "insufficient_quota") {
		return LLMErrorBilling
	}
	if statusCode == 429 ||
		strings.Contains(b, "rate_limit") ||
		strings.Contains(b, "rate limit") {
		return LLMErrorRateLimit
	}
	if statusCode == 529 || strings.Contains(b, "overloaded") {
		return LLMErrorOverloaded
	}
	if strings.Contains(b, "timeout") ||
		strings.Contains(b, "deadline") ||
		strings.Contains(b, "timed out") {
		return LLMErrorTimeout
	}

	switch statusCode {
	case 400:
		return LLMErrorBadRequest
	case 401, 403:
		return LLMErrorAuth
	default:
		if statusCode >= 500 {
			return LLMErrorRetryable
		}
		return LLMErrorFatal
	}
}

// classifyError classifies API and transport errors alike.
func classifyError(err error) LLMErrorKind {
	var apierr *apiError
	if errors.As(err, &apierr) {
		return classifyAPIError(apierr.statusCode, apierr.body)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return LLMErrorTimeout
	}
	return classifyAPIError(0, err.Error())
}

// ---------- Client ----------

// LLMClient talks to the Anthropic Messages API.
type LLMClient struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	maxRetries int
	httpClient *http.Client
	logger     *slog.Logger

	// retryBackoff is the first retry delay; later retries double it.
	retryBackoff time.Duration
}

// NewLLMClient creates a client from the API and agent settings.
func NewLLMClient(api APIConfig, agent AgentConfig, logger *slog.Logger) *LLMClient {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(api.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	maxTokens := agent.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &LLMClient{
		baseURL:      baseURL,
		apiKey:       api.APIKey,
		model:        agent.Model,
		maxTokens:    maxTokens,
		maxRetries:   api.MaxRetries,
		httpClient:   &http.Client{Timeout: api.Timeout},
		logger:       logger.With("component", "llm"),
		retryBackoff: time.Second,
	}
}

// Model returns the configured model id.
func (c *LLMClient) Model() string { return c.model }

// CompleteWithTools sends one request, retrying retryable failures up to
// maxRetries times with exponential backoff (Retry-After wins when set).
func (c *LLMClient) CompleteWithTools(ctx context.Context, messages []chatMessage, tools []ToolDefinition) (*LLMResponse, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("anthropic: API key not configured. Set ANTHROPIC_API_KEY in vault, keyring or environment")
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryBackoff << (attempt - 1)
			var apierr *apiError
			if errors.As(lastErr, &apierr) && apierr.retryAfterSec > 0 {
				delay = time.Duration(apierr.retryAfterSec) * time.Second
			}
			c.logger.Warn("retrying LLM call", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.completeOnce(ctx, messages, tools)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		kind := classifyError(err)
		if !kind.IsRetryableKind() || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("anthropic: giving up after %d retries: %w", c.maxRetries, lastErr)
}

func (c *LLMClient) completeOnce(ctx context.Context, messages []chatMessage, tools []ToolDefinition) (*LLMResponse, error) {
	reqBody := convertToAnthropicRequest(c.model, c.maxTokens, messages, tools)
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("x-api-key", c.apiKey)

	c.logger.Debug("sending anthropic request",
		"model", c.model,
		"messages", len(reqBody.Messages),
		"tools", len(reqBody.Tools),
		"system_len", len(reqBody.System),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apierr := &apiError{statusCode: resp.StatusCode, body: string(respBody)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
				apierr.retryAfterSec = sec
			}
		}
		c.logger.Error("API error",
			"model", c.model,
			"status", resp.StatusCode,
			"kind", classifyAPIError(resp.StatusCode, apierr.body).String(),
			"body", truncate(apierr.body, 500),
		)
		return nil, apierr
	}

	var anthResp anthropicResponse
	if err := json.Unmarshal(respBody, &anthResp); err != nil {
		return nil, fmt.Errorf("parsing anthropic response: %w (body: %s)", err, truncate(string(respBody), 200))
	}
	if anthResp.Error != nil {
		return nil, &apiError{statusCode: resp.StatusCode, body: anthResp.Error.Message}
	}

	result := convertFromAnthropicResponse(&anthResp)
	c.logger.Info("LLM call complete",
		"model", result.ModelUsed,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", result.Usage.PromptTokens,
		"completion_tokens", result.Usage.CompletionTokens,
		"finish_reason", result.FinishReason,
		"tool_calls", len(result.ToolCalls),
	)
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
