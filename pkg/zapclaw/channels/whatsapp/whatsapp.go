// Package whatsapp implements the device-linked WhatsApp transport for
// ZapClaw on top of whatsmeow, a native Go WhatsApp Web client.
//
// The package owns the connection lifecycle state machine:
//   - a single active session at a time, guarded against concurrent connects
//   - classification of every close into transient, conflict or logged out
//   - capped exponential backoff for transient failures
//   - full credential reset on conflict, remote logout or exhausted budget
//   - operator-initiated logout that always ends in a fresh QR pairing
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/channels"

	"github.com/jonboulle/clockwork"
	"go.mau.fi/whatsmeow/types"
)

// ErrNotReady is returned by send operations while the link is not open.
var ErrNotReady = fmt.Errorf("whatsapp: link not ready: %w", channels.ErrChannelDisconnected)

// Config holds WhatsApp transport configuration.
type Config struct {
	// DatabasePath is the SQLite file holding the whatsmeow device store.
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`

	// ReconnectBackoff is the delay before the first reconnect attempt.
	// Each further transient failure doubles it.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectBackoff caps the reconnect delay.
	MaxReconnectBackoff time.Duration `yaml:"max_reconnect_backoff"`

	// MaxReconnectAttempts is the transient failure budget. Once spent, the
	// next close triggers a full credential reset.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// ResetDelay is how long a full reset waits before reconnecting.
	ResetDelay time.Duration `yaml:"reset_delay"`

	// LogoutReconnectDelay is how long logout waits before reconnecting.
	LogoutReconnectDelay time.Duration `yaml:"logout_reconnect_delay"`

	// VoiceNoteMimeType is the MIME type announced for outbound voice notes.
	VoiceNoteMimeType string `yaml:"voice_note_mime_type"`

	// DebugProtocol forwards whatsmeow's own logs at debug level.
	DebugProtocol bool `yaml:"debug_protocol"`

	// HealthMonitor configures the periodic liveness check.
	HealthMonitor HealthMonitorConfig `yaml:"health_monitor"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatabasePath:         "./data/whatsapp.db",
		DeviceName:           "ZapClaw",
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectBackoff:  30 * time.Second,
		MaxReconnectAttempts: 10,
		ResetDelay:           2 * time.Second,
		LogoutReconnectDelay: 500 * time.Millisecond,
		VoiceNoteMimeType:    "audio/ogg; codecs=opus",
		HealthMonitor:        DefaultHealthMonitorConfig(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.DatabasePath == "" {
		c.DatabasePath = d.DatabasePath
	}
	if c.DeviceName == "" {
		c.DeviceName = d.DeviceName
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = d.ReconnectBackoff
	}
	if c.MaxReconnectBackoff <= 0 {
		c.MaxReconnectBackoff = d.MaxReconnectBackoff
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.ResetDelay <= 0 {
		c.ResetDelay = d.ResetDelay
	}
	if c.LogoutReconnectDelay <= 0 {
		c.LogoutReconnectDelay = d.LogoutReconnectDelay
	}
	if c.VoiceNoteMimeType == "" {
		c.VoiceNoteMimeType = d.VoiceNoteMimeType
	}
}

// ResetRecord is a diagnostic entry for one full-reset trigger. Suppressed
// triggers arrived while another reset was already running.
type ResetRecord struct {
	Trigger    string    `json:"trigger"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
	Suppressed bool      `json:"suppressed"`
}

// Diagnostics is a snapshot of the lifecycle bookkeeping.
type Diagnostics struct {
	State             ConnectionState `json:"state"`
	JID               string          `json:"jid,omitempty"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	Resetting         bool            `json:"resetting"`
	Resets            []ResetRecord   `json:"resets,omitempty"`
	LastActivity      time.Time       `json:"last_activity,omitempty"`
}

const maxResetRecords = 20

// WhatsApp is the connection lifecycle manager. It implements channels.Link.
type WhatsApp struct {
	cfg     Config
	factory SessionFactory
	clock   clockwork.Clock
	logger  *slog.Logger

	mu                sync.Mutex
	ctx               context.Context
	cancel            context.CancelFunc
	state             ConnectionState
	session           Session
	generation        uint64
	connecting        bool
	connectRequested  bool
	resetting         bool
	stopped           bool
	reconnectAttempts int
	connectTimer      clockwork.Timer
	resets            []ResetRecord

	// sent remembers ids of messages this process sent so their fromMe
	// echoes are not mistaken for operator messages.
	sent *idSet

	onMessage atomic.Pointer[func(*channels.IncomingMessage)]

	lastActivity atomic.Value // time.Time

	qrObservers   []chan QREvent
	qrObserversMu sync.Mutex
	lastQR        *QREvent
	qrGeneratedAt time.Time

	connObservers   []*observerQueue
	connObserversMu sync.Mutex
}

// New creates a WhatsApp transport backed by whatsmeow and a SQLite device
// store.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return NewWithFactory(cfg, NewSessionFactory(cfg, logger), clockwork.NewRealClock(), logger)
}

// NewWithFactory creates a lifecycle manager over an arbitrary session
// factory and clock.
func NewWithFactory(cfg Config, factory SessionFactory, clk clockwork.Clock, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	cfg.applyDefaults()
	return &WhatsApp{
		cfg:     cfg,
		factory: factory,
		clock:   clk,
		logger:  logger.With("component", "whatsapp"),
		state:   StateIdle,
		sent:    newIDSet(512),
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// SetMessageHandler registers the callback for inbound messages. It is
// called on the transport's event goroutine.
func (w *WhatsApp) SetMessageHandler(fn func(*channels.IncomingMessage)) {
	w.onMessage.Store(&fn)
}

// State returns the current connection state.
func (w *WhatsApp) State() ConnectionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsReady reports whether the link is open and able to send.
func (w *WhatsApp) IsReady() bool {
	w.mu.Lock()
	s := w.session
	open := w.state == StateOpen
	w.mu.Unlock()
	return open && s != nil && s.Connected()
}

// Diagnostics returns a snapshot of the lifecycle bookkeeping.
func (w *WhatsApp) Diagnostics() Diagnostics {
	w.mu.Lock()
	d := Diagnostics{
		State:             w.state,
		ReconnectAttempts: w.reconnectAttempts,
		Resetting:         w.resetting,
		Resets:            append([]ResetRecord(nil), w.resets...),
	}
	s := w.session
	w.mu.Unlock()
	if s != nil {
		d.JID = s.JID()
	}
	if t, ok := w.lastActivity.Load().(time.Time); ok {
		d.LastActivity = t
	}
	return d
}

// ---------- Sending ----------

// readySession returns the active session if the link is open.
func (w *WhatsApp) readySession() (Session, error) {
	w.mu.Lock()
	s := w.session
	open := w.state == StateOpen
	w.mu.Unlock()
	if !open || s == nil || !s.Connected() {
		return nil, ErrNotReady
	}
	return s, nil
}

// SendText sends a plain text message.
func (w *WhatsApp) SendText(ctx context.Context, chatID, text string) error {
	s, err := w.readySession()
	if err != nil {
		return err
	}
	id, err := s.SendText(ctx, chatID, text)
	if err != nil {
		return fmt.Errorf("sending text: %w", err)
	}
	w.sent.Add(id)
	return nil
}

// SendAudio uploads audio and sends it as a voice note.
func (w *WhatsApp) SendAudio(ctx context.Context, chatID string, audio []byte, mimeType string) error {
	s, err := w.readySession()
	if err != nil {
		return err
	}
	if mimeType == "" {
		mimeType = w.cfg.VoiceNoteMimeType
	}
	id, err := s.SendAudio(ctx, chatID, audio, mimeType)
	if err != nil {
		return fmt.Errorf("sending voice note: %w", err)
	}
	w.sent.Add(id)
	return nil
}

// SendPresence updates the chat activity indicator.
func (w *WhatsApp) SendPresence(ctx context.Context, chatID string, presence channels.Presence) error {
	s, err := w.readySession()
	if err != nil {
		return err
	}
	return s.SendPresence(ctx, chatID, presence)
}

// Revoke deletes one of the account's own messages for everyone.
func (w *WhatsApp) Revoke(ctx context.Context, chatID, messageID string) error {
	s, err := w.readySession()
	if err != nil {
		return err
	}
	if err := s.Revoke(ctx, chatID, messageID); err != nil {
		return fmt.Errorf("revoking message: %w", err)
	}
	return nil
}

// DownloadMedia fetches and decrypts media attached to msg.
func (w *WhatsApp) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, error) {
	if msg == nil || msg.Media == nil {
		return nil, fmt.Errorf("message has no media")
	}
	s, err := w.readySession()
	if err != nil {
		return nil, err
	}
	return s.Download(ctx, msg.Media)
}

// ---------- QR Code Subscription ----------

// SubscribeQR registers a channel to receive QR code events.
// Returns an unsubscribe function.
func (w *WhatsApp) SubscribeQR() (chan QREvent, func()) {
	ch := make(chan QREvent, 8)
	w.qrObserversMu.Lock()
	w.qrObservers = append(w.qrObservers, ch)
	if w.lastQR != nil {
		evt := *w.lastQR
		if !w.qrGeneratedAt.IsZero() {
			elapsed := w.clock.Now().Sub(w.qrGeneratedAt)
			evt.SecondsLeft = max(0, 60-int(elapsed.Seconds()))
		}
		select {
		case ch <- evt:
		default:
		}
	}
	w.qrObserversMu.Unlock()

	return ch, func() {
		w.qrObserversMu.Lock()
		defer w.qrObserversMu.Unlock()
		for i, obs := range w.qrObservers {
			if obs == ch {
				w.qrObservers = append(w.qrObservers[:i], w.qrObservers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// LastQR returns the most recent unexpired QR code, if any.
func (w *WhatsApp) LastQR() (QREvent, bool) {
	w.qrObserversMu.Lock()
	defer w.qrObserversMu.Unlock()
	if w.lastQR == nil {
		return QREvent{}, false
	}
	return *w.lastQR, true
}

func (w *WhatsApp) notifyQR(evt QREvent) {
	w.qrObserversMu.Lock()
	defer w.qrObserversMu.Unlock()

	if evt.Type == "code" {
		w.lastQR = &evt
		w.qrGeneratedAt = w.clock.Now()
	} else {
		w.lastQR = nil
		w.qrGeneratedAt = time.Time{}
	}

	for _, ch := range w.qrObservers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ---------- Connection Observer ----------

// AddConnectionObserver registers a connection observer. Each observer
// receives events in the order they happened, on its own goroutine.
func (w *WhatsApp) AddConnectionObserver(obs ConnectionObserver) {
	w.connObserversMu.Lock()
	defer w.connObserversMu.Unlock()
	w.connObservers = append(w.connObservers, &observerQueue{obs: obs, logger: w.logger})
}

func (w *WhatsApp) notifyConnectionChange(evt ConnectionEvent) {
	w.connObserversMu.Lock()
	queues := make([]*observerQueue, len(w.connObservers))
	copy(queues, w.connObservers)
	w.connObserversMu.Unlock()

	for _, q := range queues {
		q.push(evt)
	}
}

// observerQueue serializes events for one observer. A drain goroutine runs
// only while events are pending.
type observerQueue struct {
	obs    ConnectionObserver
	logger *slog.Logger

	mu       sync.Mutex
	pending  []ConnectionEvent
	draining bool
}

func (q *observerQueue) push(evt ConnectionEvent) {
	q.mu.Lock()
	q.pending = append(q.pending, evt)
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()
	go q.drain()
}

func (q *observerQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		evt := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		q.deliver(evt)
	}
}

func (q *observerQueue) deliver(evt ConnectionEvent) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Warn("whatsapp: connection observer panic", "error", r)
		}
	}()
	q.obs.OnConnectionChange(evt)
}

// ---------- Helpers ----------

// touch records transport activity for the health monitor.
func (w *WhatsApp) touch() {
	w.lastActivity.Store(w.clock.Now())
}

// parseJID converts a string JID to types.JID.
// Accepts "5511999999999" or "5511999999999@s.whatsapp.net".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// idSet is a bounded FIFO set of message ids.
type idSet struct {
	mu    sync.Mutex
	limit int
	order []string
	ids   map[string]struct{}
}

func newIDSet(limit int) *idSet {
	return &idSet{limit: limit, ids: make(map[string]struct{}, limit)}
}

func (s *idSet) Add(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.limit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *idSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}
