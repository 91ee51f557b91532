// Package copilot – agent.go implements the bounded tool-calling loop:
// call the model, run the tools it asks for, feed the results back, and
// stop at the first answer without tool calls.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/history"
)

// DefaultMaxIterations caps model rounds per run.
const DefaultMaxIterations = 10

var (
	// ErrInvalidInput means the run had no usable messages or a turn with
	// an unknown role.
	ErrInvalidInput = errors.New("invalid turn input")

	// ErrMaxIterations means the model kept calling tools until the round
	// cap was reached.
	ErrMaxIterations = errors.New("max iterations reached without final response")
)

// TurnResult is the outcome of one run.
type TurnResult struct {
	// Payload is what gets delivered.
	Payload Payload
	// Summary is the blob-free text stored in history.
	Summary string
	// AudioOverride is set when a synthesized voice note replaced the
	// model's final text.
	AudioOverride bool
	Iterations    int
	Usage         LLMUsage
}

// Agent runs the tool-calling loop.
type Agent struct {
	llm           completer
	executor      *ToolExecutor
	instructions  string
	maxIterations int
	logger        *slog.Logger
}

// NewAgent creates an agent on the Anthropic client. executor may be nil
// for a tool-less agent.
func NewAgent(llm *LLMClient, executor *ToolExecutor, cfg AgentConfig, logger *slog.Logger) *Agent {
	return newAgent(llm, executor, cfg, logger)
}

func newAgent(llm completer, executor *ToolExecutor, cfg AgentConfig, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	return &Agent{
		llm:           llm,
		executor:      executor,
		instructions:  cfg.Instructions,
		maxIterations: maxIter,
		logger:        logger.With("component", "agent"),
	}
}

// Run answers newText given the prior turns of the conversation.
func (a *Agent) Run(ctx context.Context, prior []history.Turn, newText string) (*TurnResult, error) {
	msgs, err := a.buildMessages(prior, newText)
	if err != nil {
		return nil, err
	}

	var tools []ToolDefinition
	if a.executor != nil {
		tools = a.executor.Tools()
	}

	runID := uuid.NewString()[:8]
	logger := a.logger.With("run", runID)
	logger.Debug("agent run started",
		"history_entries", len(prior),
		"tools_available", len(tools),
		"max_iterations", a.maxIterations,
	)

	var (
		state    runState
		override *SpeechResult
		usage    LLMUsage
		final    string
		done     bool
		rounds   int
		start    = time.Now()
	)

	for rounds = 1; rounds <= a.maxIterations; rounds++ {
		resp, err := a.llm.CompleteWithTools(ctx, msgs, tools)
		if err != nil {
			return nil, fmt.Errorf("llm call (round %d): %w", rounds, err)
		}
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		usage.TotalTokens += resp.Usage.TotalTokens

		if len(resp.ToolCalls) == 0 {
			final = resp.Content
			done = true
			break
		}

		logger.Info("model requested tools", "round", rounds, "count", len(resp.ToolCalls))
		msgs = append(msgs, chatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		for _, call := range resp.ToolCalls {
			var result ToolResult
			if a.executor == nil {
				result = FailureResult{Name: call.Function.Name, Err: "no tools available"}
			} else {
				result = a.executor.Execute(ctx, call, &state)
			}
			if speech, ok := result.(SpeechResult); ok {
				override = &speech
				logger.Info("audio captured for final response", "bytes", len(speech.Audio))
			}
			msgs = append(msgs, chatMessage{Role: "tool", ToolCallID: call.ID, Content: result.Feedback()})
		}
	}

	if !done {
		logger.Warn("agent hit iteration cap", "max_iterations", a.maxIterations)
		return nil, fmt.Errorf("%w (%d rounds)", ErrMaxIterations, a.maxIterations)
	}

	result := &TurnResult{Iterations: rounds, Usage: usage}
	if override != nil {
		result.Payload = AudioPayload(override.Audio, override.MimeType)
		result.Summary = history.AudioPlaceholder
		result.AudioOverride = true
	} else {
		result.Payload = ParsePayload(final)
		result.Summary = result.Payload.Summary()
	}

	logger.Info("agent completed",
		"rounds", rounds,
		"parts", len(result.Payload.Parts),
		"audio_override", result.AudioOverride,
		"run_elapsed_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// buildMessages validates the turns and lays out system, history and the
// new user text.
func (a *Agent) buildMessages(prior []history.Turn, newText string) ([]chatMessage, error) {
	var msgs []chatMessage
	for i, t := range prior {
		if !t.Role.Valid() {
			return nil, fmt.Errorf("%w: turn %d has role %q", ErrInvalidInput, i, t.Role)
		}
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		// The conversation must open with a user turn.
		if len(msgs) == 0 && t.Role != history.RoleUser {
			continue
		}
		msgs = append(msgs, chatMessage{Role: string(t.Role), Content: t.Content})
	}
	if text := strings.TrimSpace(newText); text != "" {
		msgs = append(msgs, chatMessage{Role: string(history.RoleUser), Content: text})
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: no messages", ErrInvalidInput)
	}

	if a.instructions != "" {
		msgs = append([]chatMessage{{Role: "system", Content: a.instructions}}, msgs...)
	}
	return msgs, nil
}
