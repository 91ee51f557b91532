// Package copilot – tool_executor.go runs the tools the model requests and
// turns every outcome into a typed ToolResult.
package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/email"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/tts"
)

// ToolExecutor dispatches tool calls to the speech and email backends.
// Either backend may be nil, in which case its tool is not offered.
type ToolExecutor struct {
	speech  tts.Provider
	voice   string
	mail    email.Sender
	timeout time.Duration
	logger  *slog.Logger
}

// NewToolExecutor creates an executor. timeout bounds each call.
func NewToolExecutor(speech tts.Provider, voice string, mail email.Sender, timeout time.Duration, logger *slog.Logger) *ToolExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ToolExecutor{
		speech:  speech,
		voice:   voice,
		mail:    mail,
		timeout: timeout,
		logger:  logger.With("component", "tools"),
	}
}

// Tools returns the definitions of the available tools.
func (e *ToolExecutor) Tools() []ToolDefinition {
	var defs []ToolDefinition
	if e.speech != nil {
		defs = append(defs, textToSpeechTool)
	}
	if e.mail != nil {
		defs = append(defs, sendEmailTool)
	}
	return defs
}

// runState is per-run bookkeeping for side-effect limits.
type runState struct {
	emailAttempted bool
}

// Execute runs one call. Errors never escape: they come back as
// FailureResult. send_email runs at most once per run; repeats are skipped.
func (e *ToolExecutor) Execute(ctx context.Context, call ToolCall, run *runState) ToolResult {
	name := call.Function.Name

	if name == ToolSendEmail && run.emailAttempted {
		e.logger.Info("send_email already executed in this run, skipping duplicate call")
		return SkippedResult{Name: name, Reason: "Email already sent in this conversation turn"}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	var result ToolResult
	var err error
	switch {
	case name == ToolTextToSpeech && e.speech != nil:
		result, err = e.textToSpeech(execCtx, call.Function.Arguments)
	case name == ToolSendEmail && e.mail != nil:
		run.emailAttempted = true
		result, err = e.sendEmail(execCtx, call.Function.Arguments)
	default:
		err = fmt.Errorf("unknown tool %q", name)
	}
	duration := time.Since(start)

	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", e.timeout, err)
		}
		e.logger.Warn("tool failed", "tool", name, "duration_ms", duration.Milliseconds(), "error", err)
		return FailureResult{Name: name, Err: truncate(err.Error(), 2000)}
	}
	e.logger.Info("tool executed", "tool", name, "duration_ms", duration.Milliseconds())
	return result
}

func (e *ToolExecutor) textToSpeech(ctx context.Context, raw string) (ToolResult, error) {
	var args speechArgs
	if err := parseToolArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Text) == "" {
		return nil, fmt.Errorf("text is required")
	}
	voice := args.VoiceID
	if voice == "" {
		voice = e.voice
	}

	var audio []byte
	var mime string
	var err error
	if mp, ok := e.speech.(tts.ModelProvider); ok && args.ModelID != "" {
		audio, mime, err = mp.SynthesizeModel(ctx, args.Text, voice, args.ModelID)
	} else {
		audio, mime, err = e.speech.Synthesize(ctx, args.Text, voice)
	}
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("empty audio returned")
	}
	e.logger.Info("audio synthesized", "bytes", len(audio), "mime", mime)
	return SpeechResult{Audio: audio, MimeType: mime, Script: args.Text}, nil
}

func (e *ToolExecutor) sendEmail(ctx context.Context, raw string) (ToolResult, error) {
	var args emailArgs
	if err := parseToolArgs(raw, &args); err != nil {
		return nil, err
	}
	id, err := e.mail.Send(ctx, email.Message{
		To:      args.To,
		Subject: args.Subject,
		HTML:    args.HTML,
		From:    args.From,
	})
	if err != nil {
		return nil, err
	}
	return EmailResult{ID: id}, nil
}

func parseToolArgs(raw string, dst any) error {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("error parsing arguments: %w", err)
	}
	return nil
}
