// Package copilot implements the conversation orchestrator for ZapClaw.
// Message flow: receive → filter → operator command or takeover → media
// description → debounce → pause gate → history window → agent → history
// append → paced delivery.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/channels"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/debounce"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/history"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/pause"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/media"
)

// Runner answers one user turn. *Agent implements it.
type Runner interface {
	Run(ctx context.Context, prior []history.Turn, newText string) (*TurnResult, error)
}

// Deps are the collaborators of an Assistant. Describer may be nil.
type Deps struct {
	Link      channels.Link
	Agent     Runner
	History   history.Store
	Describer media.Describer
	Events    *Events
	Clock     clockwork.Clock
}

// Assistant is the orchestrator. It owns the pause controller and the
// debounce accumulator; everything it shares across conversations lives
// on this struct so independent instances never interfere.
type Assistant struct {
	cfg *Config

	link      channels.Link
	agent     Runner
	history   history.Store
	describer media.Describer
	events    *Events
	clock     clockwork.Clock

	pause       *pause.Controller
	accumulator *debounce.Accumulator
	delivery    *Delivery
	tokens      *tokenCounter

	logger *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time

	// convLocks serializes turns of one conversation.
	convLocks   map[string]*sync.Mutex
	convLocksMu sync.Mutex

	// names remembers the latest push name per conversation.
	names   map[string]string
	namesMu sync.Mutex

	wg sync.WaitGroup
}

// NewAssistant wires an orchestrator. Call Start before feeding messages.
func NewAssistant(cfg *Config, deps Deps, logger *slog.Logger) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	events := deps.Events
	if events == nil {
		events = NewEvents(logger)
	}

	a := &Assistant{
		cfg:       cfg,
		link:      deps.Link,
		agent:     deps.Agent,
		history:   deps.History,
		describer: deps.Describer,
		events:    events,
		clock:     clk,
		pause:     pause.New(logger),
		delivery:  NewDelivery(deps.Link, cfg.Delivery, clk, logger),
		tokens:    newTokenCounter(logger),
		logger:    logger.With("component", "assistant"),
		convLocks: make(map[string]*sync.Mutex),
		names:     make(map[string]string),
	}
	a.accumulator = debounce.New(cfg.Accumulator.Window, clk, a.onFlush, logger)
	a.pause.OnChange(events.EmitPauseStatus)
	return a
}

// Events returns the observer bus.
func (a *Assistant) Events() *Events { return a.events }

// Pause returns the control plane.
func (a *Assistant) Pause() *pause.Controller { return a.pause }

// Start records the process start instant; older messages are ignored.
func (a *Assistant) Start(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.startedAt = a.clock.Now()
	a.logger.Info("assistant started",
		"debounce_window", a.cfg.Accumulator.Window,
		"history_turns", a.cfg.Agent.HistoryTurns,
		"media", a.describer != nil,
	)
}

// Stop drops pending batches and waits for in-flight turns.
func (a *Assistant) Stop() {
	a.accumulator.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info("assistant stopped")
}

// HandleMessage is the transport message handler.
func (a *Assistant) HandleMessage(msg *channels.IncomingMessage) {
	if msg == nil || a.ctx == nil || a.ctx.Err() != nil {
		return
	}
	if msg.IsGroup || msg.IsBroadcast || channels.IsGroupID(msg.ChatID) || channels.IsBroadcastID(msg.ChatID) {
		return
	}
	// Timestamps have second resolution.
	if !msg.Timestamp.IsZero() && msg.Timestamp.Before(a.startedAt.Truncate(time.Second)) {
		a.logger.Debug("ignoring message from before startup", "chat", msg.ChatID, "id", msg.ID)
		return
	}

	if msg.FromMe {
		a.handleOperatorMessage(msg)
		return
	}
	a.handleUserMessage(msg)
}

// handleOperatorMessage applies in-band commands or marks a manual takeover.
// @stop and @play are global whichever chat carries them; @continue and
// @clean act on the carrying chat.
func (a *Assistant) handleOperatorMessage(msg *channels.IncomingMessage) {
	chatID := msg.ChatID
	at := a.instant(msg)
	cmd := pause.ParseCommand(msg.Content)

	switch cmd {
	case pause.CommandStop:
		a.pause.SetGlobal(true)
	case pause.CommandPlay:
		a.pause.SetGlobal(false)
	case pause.CommandContinue:
		a.pause.ResumeAfter(chatID, at)
	case pause.CommandClean:
		if _, err := a.history.Clear(a.ctx, chatID); err != nil {
			a.logger.Error("failed to clear history", "chat", chatID, "error", err)
			a.events.EmitError(chatID, "clear history: "+err.Error())
		}
	default:
		if a.pause.Pause(chatID, pause.ReasonManualOverride, a.contactName(chatID), at) {
			a.logger.Info("manual takeover", "chat", chatID)
		}
		a.events.EmitManualMessage(MessageEvent{ConversationID: chatID, Text: msg.Content, At: at})
		return
	}

	a.logger.Info("operator command", "command", cmd.String(), "chat", chatID)
	if err := a.link.Revoke(a.ctx, chatID, msg.ID); err != nil {
		a.logger.Warn("failed to delete command message", "chat", chatID, "id", msg.ID, "error", err)
	}
}

func (a *Assistant) handleUserMessage(msg *channels.IncomingMessage) {
	if msg.FromName != "" {
		a.namesMu.Lock()
		a.names[msg.ChatID] = msg.FromName
		a.namesMu.Unlock()
	}

	if msg.Media != nil {
		switch msg.Type {
		case channels.MessageImage, channels.MessageVideo, channels.MessageAudio:
		default:
			a.logger.Debug("ignoring unsupported message type", "chat", msg.ChatID, "type", msg.Type)
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			text := a.describeMedia(msg)
			a.accumulator.Add(msg.ChatID, msg.FromName, text, a.instant(msg))
		}()
		return
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return
	}
	a.accumulator.Add(msg.ChatID, msg.FromName, text, a.instant(msg))
}

// describeMedia downloads the attachment and renders the media block the
// model sees in place of the message.
func (a *Assistant) describeMedia(msg *channels.IncomingMessage) string {
	info := msg.Media
	in := media.Input{
		Kind:     media.KindFor(string(msg.Type), info.Voice, info.MimeType),
		MimeType: info.MimeType,
		Caption:  strings.TrimSpace(info.Caption),
	}
	if in.Caption == "" {
		in.Caption = strings.TrimSpace(msg.Content)
	}

	if a.describer != nil && media.Supported(info.MimeType) {
		data, err := a.link.DownloadMedia(a.ctx, msg)
		if err != nil {
			a.logger.Warn("media download failed", "chat", msg.ChatID, "type", msg.Type, "error", err)
		} else {
			desc, err := a.describer.Describe(a.ctx, info.MimeType, data)
			if err != nil {
				a.logger.Warn("media description failed", "chat", msg.ChatID, "mime", info.MimeType, "error", err)
			}
			in.Description = desc
		}
	}
	return a.cfg.Media.Block(in)
}

// onFlush runs on the accumulator timer; each batch is processed on its
// own goroutine so one slow conversation never holds the others.
func (a *Assistant) onFlush(b debounce.Batch) {
	if a.ctx == nil || a.ctx.Err() != nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.processTurn(b)
	}()
}

func (a *Assistant) processTurn(b debounce.Batch) {
	chatID := b.ConversationID
	lock := a.conversationLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	ctx := a.ctx
	if ctx.Err() != nil {
		return
	}

	logger := a.logger.With("chat", chatID)
	if ok, reason := a.pause.Allow(chatID, b.Latest); !ok {
		logger.Info("turn dropped", "reason", reason, "messages", b.Count)
		return
	}

	a.events.EmitMessageReceived(MessageEvent{ConversationID: chatID, Name: b.Name, Text: b.Text, At: b.Latest})

	prior := a.loadContext(ctx, chatID)
	start := a.clock.Now()
	res, err := a.agent.Run(ctx, prior, b.Text)
	if err != nil {
		a.handleRunError(ctx, chatID, err)
		return
	}
	logger.Info("turn answered",
		"messages", b.Count,
		"prior_turns", len(prior),
		"rounds", res.Iterations,
		"parts", len(res.Payload.Parts),
		"audio_override", res.AudioOverride,
		"duration_ms", a.clock.Now().Sub(start).Milliseconds(),
	)

	turns := []history.Turn{history.NewTurn(history.RoleUser, b.Text, b.Latest)}
	if !res.Payload.Empty() {
		turns = append(turns, history.NewTurn(history.RoleAssistant, res.Summary, a.clock.Now()))
	}
	if err := a.history.Append(ctx, chatID, turns...); err != nil {
		logger.Error("failed to save history", "error", err)
	}

	if res.Payload.Empty() {
		logger.Warn("agent returned an empty reply")
		return
	}

	report, err := a.delivery.Deliver(ctx, chatID, len([]rune(b.Text)), res.Payload)
	if err != nil {
		logger.Error("delivery failed", "sent", report.Sent, "total", report.Total, "error", err)
		a.events.EmitError(chatID, err.Error())
	}
	a.events.EmitDelivered(DeliveredEvent{
		ConversationID: chatID,
		Summary:        res.Summary,
		Sent:           report.Sent,
		Total:          report.Total,
		Aborted:        report.Aborted || err != nil,
	})
}

// loadContext returns the prior turns the model sees: the newest valid
// turns, trimmed to the token budget. A read failure yields no context.
func (a *Assistant) loadContext(ctx context.Context, chatID string) []history.Turn {
	turns, err := a.history.Recent(ctx, chatID, 0)
	if err != nil {
		a.logger.Warn("failed to load history", "chat", chatID, "error", err)
		return nil
	}
	turns = selectContext(turns, a.cfg.Agent.HistoryTurns)
	return budgetTurns(turns, a.cfg.Agent.MaxHistoryTokens, a.tokens.Count)
}

// handleRunError reports a failed run. Invalid input is suppressed; any
// other failure gets the apology message, best effort.
func (a *Assistant) handleRunError(ctx context.Context, chatID string, err error) {
	a.events.EmitError(chatID, err.Error())
	if errors.Is(err, ErrInvalidInput) {
		a.logger.Warn("turn suppressed", "chat", chatID, "error", err)
		return
	}
	a.logger.Error("agent run failed", "chat", chatID, "error", err)
	if ferr := a.delivery.SendFallback(ctx, chatID, a.cfg.Agent.FallbackMessage); ferr != nil {
		a.logger.Warn("fallback message not sent", "chat", chatID, "error", ferr)
	}
}

func (a *Assistant) conversationLock(chatID string) *sync.Mutex {
	a.convLocksMu.Lock()
	defer a.convLocksMu.Unlock()
	l, ok := a.convLocks[chatID]
	if !ok {
		l = &sync.Mutex{}
		a.convLocks[chatID] = l
	}
	return l
}

// contactName is the last push name seen for the chat, else the phone part
// of its JID.
func (a *Assistant) contactName(chatID string) string {
	a.namesMu.Lock()
	name := a.names[chatID]
	a.namesMu.Unlock()
	if name != "" {
		return name
	}
	user, _, _ := strings.Cut(chatID, "@")
	return user
}

func (a *Assistant) instant(msg *channels.IncomingMessage) time.Time {
	if msg.Timestamp.IsZero() {
		return a.clock.Now()
	}
	return msg.Timestamp
}

// ---------- Dashboard operations ----------

// SetGlobalPause sets or clears the global pause.
func (a *Assistant) SetGlobalPause(paused bool) pause.Status {
	a.pause.SetGlobal(paused)
	return a.pause.Status()
}

// ResumeConversation removes a conversation's pause, without a cutoff.
func (a *Assistant) ResumeConversation(chatID string) (bool, error) {
	if strings.TrimSpace(chatID) == "" {
		return false, fmt.Errorf("chat id is required")
	}
	return a.pause.Resume(chatID), nil
}

// PauseStatus returns the control plane snapshot.
func (a *Assistant) PauseStatus() pause.Status {
	return a.pause.Status()
}

// ClearHistory deletes a conversation's history.
func (a *Assistant) ClearHistory(ctx context.Context, chatID string) (bool, error) {
	if strings.TrimSpace(chatID) == "" {
		return false, fmt.Errorf("chat id is required")
	}
	return a.history.Clear(ctx, chatID)
}

// ListConversations returns history statistics.
func (a *Assistant) ListConversations(ctx context.Context) (history.Stats, error) {
	return a.history.Stats(ctx)
}

// Logout unlinks the device when the link supports it.
func (a *Assistant) Logout(ctx context.Context) error {
	lo, ok := a.link.(interface{ Logout(context.Context) error })
	if !ok {
		return fmt.Errorf("link does not support logout")
	}
	return lo.Logout(ctx)
}
