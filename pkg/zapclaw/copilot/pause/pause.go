// Package pause arbitrates automated versus manual control of
// conversations: one global switch, a per-conversation pause map and a
// per-conversation resume cutoff.
package pause

import (
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Reasons recorded on pause entries and gate rejections.
const (
	ReasonManualOverride = "manual override"
	ReasonDashboard      = "dashboard"
	ReasonGlobal         = "global pause"
	ReasonPaused         = "conversation paused"
	ReasonBeforeCutoff   = "before resume cutoff"
)

// Entry describes a paused conversation.
type Entry struct {
	ConversationID string    `json:"chatId"`
	Reason         string    `json:"reason"`
	Name           string    `json:"name,omitempty"`
	PausedAt       time.Time `json:"pausedAt"`
}

// Status is a snapshot of the control plane.
type Status struct {
	GlobalPause bool    `json:"globalPause"`
	PausedChats []Entry `json:"pausedChats"`
}

// Controller holds the pause state. Safe for concurrent use.
type Controller struct {
	logger *slog.Logger

	mu       sync.Mutex
	global   bool
	paused   map[string]Entry
	cutoffs  map[string]time.Time
	onChange []func(Status)
}

// New creates an empty controller: nothing paused.
func New(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		logger:  logger.With("component", "pause"),
		paused:  make(map[string]Entry),
		cutoffs: make(map[string]time.Time),
	}
}

// OnChange registers a callback invoked after every state change.
func (c *Controller) OnChange(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// SetGlobal sets or clears the global pause. Reports whether it changed.
func (c *Controller) SetGlobal(paused bool) bool {
	c.mu.Lock()
	changed := c.global != paused
	c.global = paused
	c.mu.Unlock()

	if changed {
		c.logger.Info("global pause changed", "paused", paused)
		c.notify()
	}
	return changed
}

// Global reports whether the global pause is set.
func (c *Controller) Global() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.global
}

// Pause marks a conversation as operator-controlled. An existing entry is
// kept so the original pause instant survives repeated manual messages.
func (c *Controller) Pause(conversationID, reason, name string, at time.Time) bool {
	c.mu.Lock()
	if _, ok := c.paused[conversationID]; ok {
		c.mu.Unlock()
		return false
	}
	c.paused[conversationID] = Entry{
		ConversationID: conversationID,
		Reason:         reason,
		Name:           name,
		PausedAt:       at,
	}
	c.mu.Unlock()

	c.logger.Info("conversation paused", "chat", conversationID, "reason", reason)
	c.notify()
	return true
}

// Resume removes a conversation's pause without setting a cutoff.
func (c *Controller) Resume(conversationID string) bool {
	c.mu.Lock()
	_, ok := c.paused[conversationID]
	delete(c.paused, conversationID)
	c.mu.Unlock()

	if ok {
		c.logger.Info("conversation resumed", "chat", conversationID)
		c.notify()
	}
	return ok
}

// ResumeAfter removes a conversation's pause and drops every later turn
// whose instant is at or before cutoff.
func (c *Controller) ResumeAfter(conversationID string, cutoff time.Time) {
	c.mu.Lock()
	delete(c.paused, conversationID)
	c.cutoffs[conversationID] = cutoff
	c.mu.Unlock()

	c.logger.Info("conversation resumed with cutoff", "chat", conversationID, "cutoff", cutoff)
	c.notify()
}

// Allow is the gate check. It reports whether a turn for conversationID
// observed at instant at may be processed, and the rejection reason if not.
func (c *Controller) Allow(conversationID string, at time.Time) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.global {
		return false, ReasonGlobal
	}
	if _, ok := c.paused[conversationID]; ok {
		return false, ReasonPaused
	}
	if cutoff, ok := c.cutoffs[conversationID]; ok && !at.After(cutoff) {
		return false, ReasonBeforeCutoff
	}
	return true, ""
}

// IsPaused reports whether the conversation is in the pause map.
func (c *Controller) IsPaused(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.paused[conversationID]
	return ok
}

// Cutoff returns the conversation's resume cutoff, if any.
func (c *Controller) Cutoff(conversationID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.cutoffs[conversationID]
	return t, ok
}

// Status returns a snapshot, paused chats newest first.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	st := Status{GlobalPause: c.global, PausedChats: make([]Entry, 0, len(c.paused))}
	for _, e := range c.paused {
		st.PausedChats = append(st.PausedChats, e)
	}
	sort.Slice(st.PausedChats, func(i, j int) bool {
		a, b := st.PausedChats[i], st.PausedChats[j]
		if a.PausedAt.Equal(b.PausedAt) {
			return a.ConversationID < b.ConversationID
		}
		return a.PausedAt.After(b.PausedAt)
	})
	return st
}

func (c *Controller) notify() {
	c.mu.Lock()
	st := c.statusLocked()
	fns := slices.Clone(c.onChange)
	c.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("pause observer panic", "error", r)
				}
			}()
			fn(st)
		}()
	}
}

// Command is an in-band operator command.
type Command int

const (
	CommandNone Command = iota
	CommandStop
	CommandPlay
	CommandContinue
	CommandClean
)

func (c Command) String() string {
	switch c {
	case CommandStop:
		return "@stop"
	case CommandPlay:
		return "@play"
	case CommandContinue:
		return "@continue"
	case CommandClean:
		return "@clean"
	default:
		return ""
	}
}

var commandPattern = regexp.MustCompile(`(?i)^@(stop|play|continue|clean)\b`)

// ParseCommand recognizes an operator message starting with a command
// word, case-insensitive, leading whitespace ignored.
func ParseCommand(text string) Command {
	m := commandPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return CommandNone
	}
	switch "@" + strings.ToLower(m[1]) {
	case "@stop":
		return CommandStop
	case "@play":
		return CommandPlay
	case "@continue":
		return CommandContinue
	case "@clean":
		return CommandClean
	default:
		return CommandNone
	}
}
