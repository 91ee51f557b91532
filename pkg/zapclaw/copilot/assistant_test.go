package copilot

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/channels"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/history"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/pause"
)

var testStart = time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)

type runnerCall struct {
	prior []history.Turn
	text  string
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []runnerCall
	reply string
	err   error
}

func (r *fakeRunner) Run(_ context.Context, prior []history.Turn, text string) (*TurnResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runnerCall{prior: prior, text: text})
	if r.err != nil {
		return nil, r.err
	}
	p := TextPayload(r.reply)
	return &TurnResult{Payload: p, Summary: p.Summary(), Iterations: 1}, nil
}

func (r *fakeRunner) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		out = append(out, c.text)
	}
	return out
}

type fakeDescriber struct {
	desc string
	err  error
}

func (f fakeDescriber) Describe(context.Context, string, []byte) (string, error) {
	return f.desc, f.err
}

type assistantHarness struct {
	t      *testing.T
	a      *Assistant
	link   *fakeLink
	runner *fakeRunner
	clk    *clockwork.FakeClock
	store  history.Store
}

func newAssistantHarness(t *testing.T, mutate func(*Deps)) *assistantHarness {
	return newPacedHarness(t, false, mutate)
}

func newPacedHarness(t *testing.T, paced bool, mutate func(*Deps)) *assistantHarness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Delivery.Enabled = paced

	store, err := history.NewFileStore(filepath.Join(t.TempDir(), "threads.json"), 50, testLogger())
	require.NoError(t, err)

	h := &assistantHarness{
		t:      t,
		link:   newFakeLink(),
		runner: &fakeRunner{reply: "Olá! Como posso ajudar?"},
		clk:    clockwork.NewFakeClockAt(testStart),
		store:  store,
	}
	deps := Deps{Link: h.link, Agent: h.runner, History: store, Clock: h.clk}
	if mutate != nil {
		mutate(&deps)
	}
	h.a = NewAssistant(cfg, deps, testLogger())
	h.a.tokens = &tokenCounter{logger: testLogger()}
	h.a.Start(context.Background())
	t.Cleanup(h.a.Stop)
	return h
}

// at returns the instant offset from the harness start.
func at(d time.Duration) time.Time { return testStart.Add(d) }

func (h *assistantHarness) user(chat, text string, ts time.Time) {
	h.a.HandleMessage(&channels.IncomingMessage{
		ID: "m-" + text, ChatID: chat, From: chat, FromName: "Maria",
		Type: channels.MessageText, Content: text, Timestamp: ts,
	})
}

func (h *assistantHarness) operator(chat, id, text string, ts time.Time) {
	h.a.HandleMessage(&channels.IncomingMessage{
		ID: id, ChatID: chat, FromMe: true,
		Type: channels.MessageText, Content: text, Timestamp: ts,
	})
}

// settle fires the debounce window and waits for the turns it started.
// Fired timers run on their own goroutine, so the accumulator is polled
// until every flush has been handed over.
func (h *assistantHarness) settle() {
	h.t.Helper()
	h.a.wg.Wait()
	h.clk.Advance(7 * time.Second)
	require.Eventually(h.t, func() bool { return h.a.accumulator.Busy() == 0 },
		2*time.Second, time.Millisecond)
	h.a.wg.Wait()
}

const chatX = "5511999990001@s.whatsapp.net"
const chatY = "5511999990002@s.whatsapp.net"

func TestAssistantCoalescesBurst(t *testing.T) {
	h := newAssistantHarness(t, nil)

	h.user(chatX, "oi", at(time.Second))
	h.clk.Advance(2 * time.Second)
	h.user(chatX, "tudo bem?", at(3*time.Second))
	h.clk.Advance(4 * time.Second)
	h.user(chatX, "quero um orçamento", at(7*time.Second))
	h.settle()

	assert.Equal(t, []string{"oi\n\ntudo bem?\n\nquero um orçamento"}, h.runner.texts())
	assert.Equal(t, []string{"text:" + chatX + ":Olá! Como posso ajudar?"}, h.link.sent())

	turns, err := h.store.Recent(context.Background(), chatX, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, history.RoleUser, turns[0].Role)
	assert.Equal(t, "oi\n\ntudo bem?\n\nquero um orçamento", turns[0].Content)
	assert.Equal(t, "Olá! Como posso ajudar?", turns[1].Content)

	// The next turn sees the saved history.
	h.user(chatX, "e o prazo?", at(30*time.Second))
	h.settle()
	require.Len(t, h.runner.calls, 2)
	assert.Len(t, h.runner.calls[1].prior, 2)
}

func TestAssistantMessageAfterFlushStartsNewTurn(t *testing.T) {
	h := newAssistantHarness(t, nil)

	h.user(chatX, "um", at(time.Second))
	h.settle()
	h.user(chatX, "dois", at(10*time.Second))
	h.settle()

	assert.Equal(t, []string{"um", "dois"}, h.runner.texts())
}

func TestAssistantFiltersInbound(t *testing.T) {
	h := newAssistantHarness(t, nil)

	h.a.HandleMessage(&channels.IncomingMessage{ChatID: "123@g.us", Content: "grupo", Timestamp: at(time.Second), IsGroup: true})
	h.a.HandleMessage(&channels.IncomingMessage{ChatID: "status@broadcast", Content: "status", Timestamp: at(time.Second)})
	h.user(chatX, "antiga", testStart.Add(-time.Minute))
	h.a.HandleMessage(&channels.IncomingMessage{
		ChatID: chatX, Type: channels.MessageSticker, Timestamp: at(time.Second),
		Media: &channels.MediaInfo{Type: channels.MessageSticker, MimeType: "image/webp"},
	})
	h.settle()

	assert.Empty(t, h.runner.texts())
}

func TestAssistantManualTakeover(t *testing.T) {
	h := newAssistantHarness(t, nil)

	h.user(chatX, "oi", at(time.Second))
	h.operator(chatX, "op-1", "Oi Maria, aqui é o João", at(2*time.Second))
	h.settle()

	assert.Empty(t, h.runner.texts())
	st := h.a.PauseStatus()
	require.Len(t, st.PausedChats, 1)
	assert.Equal(t, chatX, st.PausedChats[0].ConversationID)
	assert.Equal(t, pause.ReasonManualOverride, st.PausedChats[0].Reason)
	assert.Equal(t, "Maria", st.PausedChats[0].Name)
	// Takeover messages stay visible.
	assert.NotContains(t, h.link.snapshot(), "revoke:"+chatX+":op-1")

	// Other conversations are unaffected.
	h.user(chatY, "olá", at(20*time.Second))
	h.settle()
	assert.Equal(t, []string{"olá"}, h.runner.texts())
}

func TestAssistantGlobalCommandsFromAnyChat(t *testing.T) {
	h := newAssistantHarness(t, nil)

	h.operator(chatY, "cmd-1", "@stop", at(time.Second))
	assert.True(t, h.a.PauseStatus().GlobalPause)
	assert.Contains(t, h.link.snapshot(), "revoke:"+chatY+":cmd-1")

	h.user(chatX, "a", at(2*time.Second))
	h.user(chatX, "b", at(3*time.Second))
	h.user(chatX, "c", at(4*time.Second))
	h.settle()
	assert.Empty(t, h.runner.texts())

	// @play on another chat lifts the global pause, but the dropped batch
	// for X is gone for good.
	h.operator(chatY, "cmd-2", "@play", at(20*time.Second))
	assert.False(t, h.a.PauseStatus().GlobalPause)
	h.settle()
	assert.Empty(t, h.runner.texts())

	h.user(chatX, "d", at(30*time.Second))
	h.settle()
	assert.Equal(t, []string{"d"}, h.runner.texts())
}

func TestAssistantContinueCutoff(t *testing.T) {
	h := newAssistantHarness(t, nil)

	h.operator(chatX, "op-1", "deixa comigo", at(time.Second))
	require.True(t, h.a.Pause().IsPaused(chatX))

	h.user(chatX, "ainda ai?", at(2*time.Second))
	h.operator(chatX, "cmd-1", "@continue", at(3*time.Second))
	assert.False(t, h.a.Pause().IsPaused(chatX))
	assert.Contains(t, h.link.snapshot(), "revoke:"+chatX+":cmd-1")
	h.settle()
	assert.Empty(t, h.runner.texts(), "turn at or before the cutoff is dropped")

	h.user(chatX, "no cutoff", at(3*time.Second))
	h.settle()
	assert.Empty(t, h.runner.texts())

	h.user(chatX, "depois", at(4*time.Second))
	h.settle()
	assert.Equal(t, []string{"depois"}, h.runner.texts())
}

func TestAssistantCleanCommand(t *testing.T) {
	h := newAssistantHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.Append(ctx, chatX, history.NewTurn(history.RoleUser, "oi", at(0))))

	h.operator(chatX, "cmd-1", "@clean", at(time.Second))
	turns, err := h.store.Recent(ctx, chatX, 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
	assert.Contains(t, h.link.snapshot(), "revoke:"+chatX+":cmd-1")
	assert.False(t, h.a.Pause().IsPaused(chatX))
}

func TestAssistantFallbackOnFailure(t *testing.T) {
	h := newAssistantHarness(t, nil)
	h.runner.err = fmtWrap(ErrMaxIterations)

	var errs []ErrorEvent
	h.a.Events().Subscribe(Observer{Error: func(e ErrorEvent) { errs = append(errs, e) }})

	h.user(chatX, "oi", at(time.Second))
	h.settle()

	assert.Equal(t, []string{"text:" + chatX + ":" + DefaultFallbackMessage}, h.link.sent())
	require.Len(t, errs, 1)
	turns, err := h.store.Recent(context.Background(), chatX, 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func fmtWrap(err error) error { return errors.Join(errors.New("run failed"), err) }

func TestAssistantInvalidInputIsSuppressed(t *testing.T) {
	h := newAssistantHarness(t, nil)
	h.runner.err = ErrInvalidInput

	h.user(chatX, "oi", at(time.Second))
	h.settle()
	assert.Empty(t, h.link.sent())
}

func TestAssistantDeliveryFailureIsConversationScoped(t *testing.T) {
	h := newAssistantHarness(t, nil)
	h.link.sendErr = errors.New("socket closed")

	var delivered []DeliveredEvent
	h.a.Events().Subscribe(Observer{Delivered: func(d DeliveredEvent) { delivered = append(delivered, d) }})

	h.user(chatX, "oi", at(time.Second))
	h.settle()
	require.Len(t, delivered, 1)
	assert.True(t, delivered[0].Aborted)
	assert.Equal(t, 0, delivered[0].Sent)

	h.link.mu.Lock()
	h.link.sendErr = nil
	h.link.mu.Unlock()
	h.user(chatY, "olá", at(20*time.Second))
	h.settle()
	assert.Equal(t, []string{"text:" + chatY + ":Olá! Como posso ajudar?"}, h.link.sent())
}

func TestAssistantDescribesMedia(t *testing.T) {
	h := newAssistantHarness(t, func(d *Deps) {
		d.Describer = fakeDescriber{desc: "Um gato laranja dormindo."}
	})
	h.link.media = []byte("jpeg")

	h.a.HandleMessage(&channels.IncomingMessage{
		ID: "img-1", ChatID: chatX, Type: channels.MessageImage, Content: "olha isso",
		Timestamp: at(time.Second),
		Media:     &channels.MediaInfo{Type: channels.MessageImage, MimeType: "image/jpeg"},
	})
	h.settle()

	require.Len(t, h.runner.texts(), 1)
	text := h.runner.texts()[0]
	assert.Contains(t, text, "The user sent a media of type image.")
	assert.Contains(t, text, "MIME type: image/jpeg")
	assert.Contains(t, text, "Caption provided by the user: olha isso")
	assert.Contains(t, text, "Um gato laranja dormindo.")
}

func TestAssistantVoiceNoteWithoutDescriber(t *testing.T) {
	h := newAssistantHarness(t, nil)

	h.a.HandleMessage(&channels.IncomingMessage{
		ID: "ptt-1", ChatID: chatX, Type: channels.MessageAudio,
		Timestamp: at(time.Second),
		Media:     &channels.MediaInfo{Type: channels.MessageAudio, MimeType: "audio/ogg; codecs=opus", Voice: true},
	})
	h.settle()

	require.Len(t, h.runner.texts(), 1)
	text := h.runner.texts()[0]
	assert.Contains(t, text, "You MUST reply using the text_to_speech tool")
	assert.Contains(t, text, "voice message")
	assert.Contains(t, text, "Could not generate an automatic description")
}

func TestAssistantDashboardOperations(t *testing.T) {
	h := newAssistantHarness(t, nil)
	ctx := context.Background()

	var statuses []pause.Status
	h.a.Events().Subscribe(Observer{PauseStatus: func(s pause.Status) { statuses = append(statuses, s) }})

	st := h.a.SetGlobalPause(true)
	assert.True(t, st.GlobalPause)
	require.Len(t, statuses, 1)

	h.operator(chatX, "op", "assumindo", at(time.Second))
	ok, err := h.a.ResumeConversation(chatX)
	require.NoError(t, err)
	assert.True(t, ok)
	_, hasCutoff := h.a.Pause().Cutoff(chatX)
	assert.False(t, hasCutoff)

	_, err = h.a.ResumeConversation(" ")
	assert.Error(t, err)

	require.NoError(t, h.store.Append(ctx, chatX, history.NewTurn(history.RoleUser, "oi", at(0))))
	stats, err := h.a.ListConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Conversations)

	cleared, err := h.a.ClearHistory(ctx, chatX)
	require.NoError(t, err)
	assert.True(t, cleared)

	assert.Error(t, h.a.Logout(ctx))
}

func TestAssistantEmptyReplyStoresOnlyUserTurn(t *testing.T) {
	h := newAssistantHarness(t, nil)
	h.runner.reply = "  "

	h.user(chatX, "oi", at(time.Second))
	h.settle()

	assert.Empty(t, h.link.sent())
	turns, err := h.store.Recent(context.Background(), chatX, 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, history.RoleUser, turns[0].Role)
}

func TestAssistantPacesOnInjectedClock(t *testing.T) {
	h := newPacedHarness(t, true, nil)

	h.user(chatX, "oi", at(time.Second))
	h.a.wg.Wait()
	h.clk.Advance(7 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// reading, pre-type, typing and post-send pauses
	for i := range 4 {
		require.NoError(t, h.clk.BlockUntilContext(ctx, 1), "pause %d", i)
		if i == 0 {
			assert.Empty(t, h.link.snapshot(), "reply waits for the reading pause")
		}
		h.clk.Advance(3 * time.Second)
	}
	require.Eventually(t, func() bool { return h.a.accumulator.Busy() == 0 }, 2*time.Second, time.Millisecond)
	h.a.wg.Wait()

	assert.Equal(t, []string{
		"presence:composing",
		"text:" + chatX + ":Olá! Como posso ajudar?",
		"presence:paused",
	}, h.link.snapshot())
}
