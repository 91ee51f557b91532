// Package copilot – events.go implements the typed observer bus consumed by
// the control API and the CLI. Each observer sets only the callbacks it
// cares about. Dispatch is synchronous; a panicking callback is logged and
// skipped.
package copilot

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/channels/whatsapp"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/pause"
)

// StatusEvent reports a link state change.
type StatusEvent struct {
	State    string    `json:"state"`
	Previous string    `json:"previous,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Ready    bool      `json:"ready"`
	At       time.Time `json:"at"`
}

// ErrorEvent reports a conversation-scoped failure.
type ErrorEvent struct {
	ConversationID string    `json:"chatId,omitempty"`
	Message        string    `json:"message"`
	At             time.Time `json:"at"`
}

// MessageEvent reports an inbound user turn or an operator message.
type MessageEvent struct {
	ConversationID string    `json:"chatId"`
	Name           string    `json:"name,omitempty"`
	Text           string    `json:"text"`
	At             time.Time `json:"at"`
}

// DeliveredEvent reports the outcome of one reply.
type DeliveredEvent struct {
	ConversationID string    `json:"chatId"`
	Summary        string    `json:"summary"`
	Sent           int       `json:"sent"`
	Total          int       `json:"total"`
	Aborted        bool      `json:"aborted"`
	At             time.Time `json:"at"`
}

// Observer is a set of optional callbacks, one per event kind.
type Observer struct {
	QR              func(whatsapp.QREvent)
	Status          func(StatusEvent)
	Disconnected    func(StatusEvent)
	Error           func(ErrorEvent)
	PauseStatus     func(pause.Status)
	MessageReceived func(MessageEvent)
	ManualMessage   func(MessageEvent)
	Delivered       func(DeliveredEvent)
}

// Events fans events out to observers.
type Events struct {
	observers sync.Map // uint64 → Observer
	nextID    atomic.Uint64
	logger    *slog.Logger
}

// NewEvents creates an empty bus.
func NewEvents(logger *slog.Logger) *Events {
	if logger == nil {
		logger = slog.Default()
	}
	return &Events{logger: logger.With("component", "events")}
}

// Subscribe registers o and returns its unsubscribe function.
func (e *Events) Subscribe(o Observer) func() {
	id := e.nextID.Add(1)
	e.observers.Store(id, o)
	return func() { e.observers.Delete(id) }
}

func (e *Events) each(kind string, call func(Observer)) {
	e.observers.Range(func(_, value any) bool {
		o, ok := value.(Observer)
		if !ok {
			return true
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("observer panicked", "event", kind, "panic", r)
				}
			}()
			call(o)
		}()
		return true
	})
}

// EmitQR broadcasts a pairing code event.
func (e *Events) EmitQR(evt whatsapp.QREvent) {
	e.each("qr", func(o Observer) {
		if o.QR != nil {
			o.QR(evt)
		}
	})
}

// EmitStatus broadcasts a link state change.
func (e *Events) EmitStatus(evt StatusEvent) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	e.each("status", func(o Observer) {
		if o.Status != nil {
			o.Status(evt)
		}
	})
}

// EmitDisconnected broadcasts a lost link.
func (e *Events) EmitDisconnected(evt StatusEvent) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	e.each("disconnected", func(o Observer) {
		if o.Disconnected != nil {
			o.Disconnected(evt)
		}
	})
}

// EmitError broadcasts a conversation failure.
func (e *Events) EmitError(conversationID, message string) {
	evt := ErrorEvent{ConversationID: conversationID, Message: message, At: time.Now()}
	e.each("error", func(o Observer) {
		if o.Error != nil {
			o.Error(evt)
		}
	})
}

// EmitPauseStatus broadcasts a control plane snapshot.
func (e *Events) EmitPauseStatus(st pause.Status) {
	e.each("pause_status", func(o Observer) {
		if o.PauseStatus != nil {
			o.PauseStatus(st)
		}
	})
}

// EmitMessageReceived broadcasts a flushed user turn.
func (e *Events) EmitMessageReceived(evt MessageEvent) {
	e.each("message_received", func(o Observer) {
		if o.MessageReceived != nil {
			o.MessageReceived(evt)
		}
	})
}

// EmitManualMessage broadcasts an operator message.
func (e *Events) EmitManualMessage(evt MessageEvent) {
	e.each("manual_message", func(o Observer) {
		if o.ManualMessage != nil {
			o.ManualMessage(evt)
		}
	})
}

// EmitDelivered broadcasts a finished delivery.
func (e *Events) EmitDelivered(evt DeliveredEvent) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	e.each("delivered", func(o Observer) {
		if o.Delivered != nil {
			o.Delivered(evt)
		}
	})
}
