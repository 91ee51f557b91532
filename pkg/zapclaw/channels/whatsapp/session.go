package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/channels"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Session is one connection attempt against WhatsApp. A session is never
// reused after Close; the lifecycle manager creates a fresh one per attempt.
type Session interface {
	// Start begins connecting. Events are reported through emit until
	// Close is called. A returned error means the attempt failed outright.
	Start(ctx context.Context, emit func(LinkEvent)) error

	// Close detaches the event handler and drops the socket.
	Close()

	// Logout asks the server to unlink this device.
	Logout(ctx context.Context) error

	Connected() bool
	JID() string

	SendText(ctx context.Context, chatID, text string) (string, error)
	SendAudio(ctx context.Context, chatID string, audio []byte, mimeType string) (string, error)
	SendPresence(ctx context.Context, chatID string, presence channels.Presence) error
	Revoke(ctx context.Context, chatID, messageID string) error
	Download(ctx context.Context, media *channels.MediaInfo) ([]byte, error)
}

// SessionFactory creates sessions and owns the persisted credentials.
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)

	// WipeCredentials deletes every stored device so the next session
	// starts a fresh QR pairing.
	WipeCredentials(ctx context.Context) error
}

// meowFactory builds whatsmeow clients over a SQLite device store.
type meowFactory struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	container *sqlstore.Container
}

// NewSessionFactory returns the whatsmeow-backed factory.
func NewSessionFactory(cfg Config, logger *slog.Logger) SessionFactory {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &meowFactory{cfg: cfg, logger: logger.With("component", "whatsapp")}
}

func (f *meowFactory) store(ctx context.Context) (*sqlstore.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.container != nil {
		return f.container, nil
	}

	if dir := filepath.Dir(f.cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating session dir: %w", err)
		}
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", f.cfg.DatabasePath),
		newWALogger(f.logger, "store", f.cfg.DebugProtocol))
	if err != nil {
		return nil, fmt.Errorf("creating session store: %w", err)
	}
	f.container = container
	f.logger.Info("whatsapp: session store opened", "path", f.cfg.DatabasePath)
	return container, nil
}

// NewSession creates a client over the stored device, or a blank device
// that will require QR pairing.
func (f *meowFactory) NewSession(ctx context.Context) (Session, error) {
	container, err := f.store(ctx)
	if err != nil {
		return nil, err
	}

	device, err := getDevice(ctx, container)
	if err != nil {
		return nil, fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(f.cfg.DeviceName, [3]uint32{1, 0, 0})

	client := whatsmeow.NewClient(device, newWALogger(f.logger, "client", f.cfg.DebugProtocol))
	// Reconnects are driven by the lifecycle manager so every attempt gets
	// its own classification and backoff.
	client.EnableAutoReconnect = false

	return &meowSession{
		client:        client,
		logger:        f.logger,
		voiceMimeType: f.cfg.VoiceNoteMimeType,
	}, nil
}

// WipeCredentials deletes all stored devices.
func (f *meowFactory) WipeCredentials(ctx context.Context) error {
	container, err := f.store(ctx)
	if err != nil {
		return err
	}
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}
	for _, d := range devices {
		if d.ID == nil {
			continue
		}
		if err := d.Delete(ctx); err != nil {
			return fmt.Errorf("deleting device %s: %w", d.ID, err)
		}
	}
	f.logger.Info("whatsapp: credentials wiped", "devices", len(devices))
	return nil
}

// getDevice retrieves an existing device or creates a new one.
func getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// meowSession wraps one whatsmeow client.
type meowSession struct {
	client        *whatsmeow.Client
	logger        *slog.Logger
	voiceMimeType string

	ctx       context.Context
	cancel    context.CancelFunc
	handlerID uint32
	closed    atomic.Bool
}

func (s *meowSession) Start(ctx context.Context, emit func(LinkEvent)) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.handlerID = s.client.AddEventHandler(func(raw any) {
		if s.closed.Load() {
			return
		}
		switch evt := raw.(type) {
		case *events.Message:
			if msg := extractIncoming(evt, s.resolveJID); msg != nil {
				emit(LinkEvent{Kind: LinkMessage, Message: msg})
			}
		case *events.PairSuccess:
			s.logger.Info("whatsapp: device paired", "jid", evt.ID.String(), "platform", evt.Platform)
		default:
			if le, ok := translateEvent(raw); ok {
				emit(le)
			}
		}
	})

	if s.client.Store.ID != nil {
		if err := s.client.Connect(); err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
		return nil
	}

	// GetQRChannel must be called before Connect.
	qrChan, err := s.client.GetQRChannel(s.ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}
	s.logger.Info("whatsapp: no existing session, waiting for QR scan")

	go func() {
		for evt := range qrChan {
			if s.closed.Load() {
				return
			}
			switch evt.Event {
			case "code":
				emit(LinkEvent{Kind: LinkQR, QR: evt.Code})
			case "success":
				s.logger.Info("whatsapp: QR login successful")
			case "timeout":
				emit(LinkEvent{Kind: LinkClose, Cause: CloseTransient, Reason: "qr timeout"})
				return
			default:
				if evt.Error != nil {
					emit(LinkEvent{Kind: LinkClose, Cause: CloseTransient, Reason: "qr error: " + evt.Error.Error()})
					return
				}
			}
		}
	}()
	return nil
}

func (s *meowSession) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.client.RemoveEventHandler(s.handlerID)
	s.client.Disconnect()
}

func (s *meowSession) Logout(ctx context.Context) error {
	if s.client.Store.ID == nil {
		return nil
	}
	return s.client.Logout(ctx)
}

func (s *meowSession) Connected() bool {
	return !s.closed.Load() && s.client.IsConnected()
}

func (s *meowSession) JID() string {
	if s.client.Store == nil || s.client.Store.ID == nil {
		return ""
	}
	return s.client.Store.ID.String()
}

func (s *meowSession) SendText(ctx context.Context, chatID, text string) (string, error) {
	jid, err := parseJID(chatID)
	if err != nil {
		return "", fmt.Errorf("invalid JID: %w", err)
	}
	resp, err := s.client.SendMessage(ctx, jid, buildTextMessage(text))
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (s *meowSession) SendPresence(ctx context.Context, chatID string, presence channels.Presence) error {
	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}
	switch presence {
	case channels.PresenceComposing:
		return s.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
	case channels.PresenceRecording:
		return s.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaAudio)
	default:
		return s.client.SendChatPresence(ctx, jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
	}
}

// resolveJID maps a LID to the phone JID when the store knows it.
func (s *meowSession) resolveJID(jid types.JID) types.JID {
	if s.client.Store == nil {
		return jid
	}
	alt, err := s.client.Store.GetAltJID(s.ctx, jid)
	if err != nil || alt.IsEmpty() {
		return jid
	}
	return alt
}
