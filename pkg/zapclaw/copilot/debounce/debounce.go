// Package debounce coalesces bursts of inbound messages per conversation
// into a single turn using a trailing quiet-period window.
package debounce

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultWindow is the quiet period after the last message before a batch
// is flushed.
const DefaultWindow = 7 * time.Second

// Separator joins buffered texts.
const Separator = "\n\n"

// Batch is one flushed conversational turn.
type Batch struct {
	ConversationID string
	// Name is the sender display name from the latest message.
	Name string
	// Text is every buffered text in arrival order joined by Separator.
	Text  string
	Count int
	// Latest is the original instant of the most recent message.
	Latest time.Time
}

type entry struct {
	texts  []string
	name   string
	latest time.Time
	timer  clockwork.Timer
	seq    uint64
}

// Accumulator buffers messages per conversation. Safe for concurrent use.
type Accumulator struct {
	window  time.Duration
	clock   clockwork.Clock
	onFlush func(Batch)
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	stopped bool
	// busy counts armed timers plus flushes still running.
	busy int
}

// New creates an accumulator. onFlush runs on the timer goroutine, outside
// the accumulator lock.
func New(window time.Duration, clk clockwork.Clock, onFlush func(Batch), logger *slog.Logger) *Accumulator {
	if window <= 0 {
		window = DefaultWindow
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Accumulator{
		window:  window,
		clock:   clk,
		onFlush: onFlush,
		logger:  logger.With("component", "accumulator"),
		entries: make(map[string]*entry),
	}
}

// Add buffers text for a conversation and restarts its window. The
// previous timer is always cancelled before the new one is armed.
func (a *Accumulator) Add(conversationID, name, text string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}

	e, ok := a.entries[conversationID]
	if !ok {
		e = &entry{}
		a.entries[conversationID] = e
	}
	a.disarmLocked(e)
	e.texts = append(e.texts, text)
	e.latest = at
	if name != "" {
		e.name = name
	}
	a.seq++
	e.seq = a.seq
	seq := e.seq
	a.busy++
	e.timer = a.clock.AfterFunc(a.window, func() {
		defer a.done()
		a.fire(conversationID, seq)
	})

	a.logger.Debug("message buffered",
		"chat", conversationID, "buffered", len(e.texts), "window", a.window)
}

// fire flushes the entry armed with seq. A missing or re-armed entry makes
// this a no-op.
func (a *Accumulator) fire(conversationID string, seq uint64) {
	a.mu.Lock()
	e, ok := a.entries[conversationID]
	if !ok || e.seq != seq || a.stopped {
		a.mu.Unlock()
		return
	}
	delete(a.entries, conversationID)
	a.mu.Unlock()

	a.deliver(conversationID, e)
}

// disarmLocked stops the entry's timer. A timer that already fired keeps
// its busy slot until its callback returns.
func (a *Accumulator) disarmLocked(e *entry) {
	if e.timer != nil && e.timer.Stop() {
		a.busy--
	}
	e.timer = nil
}

func (a *Accumulator) done() {
	a.mu.Lock()
	a.busy--
	a.mu.Unlock()
}

// Busy reports how many timers are armed or flushing. Zero means every
// batch handed to onFlush has returned.
func (a *Accumulator) Busy() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

func (a *Accumulator) deliver(conversationID string, e *entry) {
	b := Batch{
		ConversationID: conversationID,
		Name:           e.name,
		Text:           strings.Join(e.texts, Separator),
		Count:          len(e.texts),
		Latest:         e.latest,
	}
	a.logger.Debug("flushing batch", "chat", conversationID, "messages", b.Count)
	if a.onFlush != nil {
		a.onFlush(b)
	}
}

// Flush hands a conversation's buffer over immediately. Reports whether
// anything was pending.
func (a *Accumulator) Flush(conversationID string) bool {
	a.mu.Lock()
	e, ok := a.entries[conversationID]
	if ok {
		a.disarmLocked(e)
		delete(a.entries, conversationID)
	}
	a.mu.Unlock()

	if ok {
		a.deliver(conversationID, e)
	}
	return ok
}

// Pending returns how many messages are buffered for a conversation.
func (a *Accumulator) Pending(conversationID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[conversationID]; ok {
		return len(e.texts)
	}
	return 0
}

// Stop cancels every pending timer and discards the buffers.
func (a *Accumulator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for id, e := range a.entries {
		a.disarmLocked(e)
		delete(a.entries, id)
	}
}
