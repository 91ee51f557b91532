// Package gateway provides the HTTP control API for ZapClaw: pause and
// resume, conversation history, link status, QR pairing and a websocket
// stream of assistant events.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/channels/whatsapp"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/history"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/pause"
)

// Controller is the orchestrator surface the API drives.
// *copilot.Assistant implements it.
type Controller interface {
	SetGlobalPause(paused bool) pause.Status
	ResumeConversation(chatID string) (bool, error)
	PauseStatus() pause.Status
	ClearHistory(ctx context.Context, chatID string) (bool, error)
	ListConversations(ctx context.Context) (history.Stats, error)
	Logout(ctx context.Context) error
	Events() *copilot.Events
}

// LinkStatus reports the transport state. *whatsapp.WhatsApp implements it.
type LinkStatus interface {
	IsReady() bool
	Diagnostics() whatsapp.Diagnostics
	LastQR() (whatsapp.QREvent, bool)
}

// Gateway is the HTTP API server.
type Gateway struct {
	ctrl      Controller
	link      LinkStatus
	config    copilot.GatewayConfig
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a gateway. link may be nil.
func New(ctrl Controller, link LinkStatus, cfg copilot.GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":3001"
	}
	return &Gateway{
		ctrl:      ctrl,
		link:      link,
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler with middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health (always public)
	mux.HandleFunc("/health", g.handleHealth)

	mux.HandleFunc("/api/status", g.handleStatus)
	mux.HandleFunc("/api/qr", g.handleQR)
	mux.HandleFunc("/api/bot/pause-global", g.handlePauseGlobal)
	mux.HandleFunc("/api/bot/pause-status", g.handlePauseStatus)
	mux.HandleFunc("/api/bot/resume-chat", g.handleResumeChat)
	mux.HandleFunc("/api/bot/logout", g.handleLogout)
	mux.HandleFunc("/api/conversations", g.handleConversations)
	mux.HandleFunc("/api/conversations/{id}/history", g.handleConversationHistory)
	mux.HandleFunc("/ws", g.handleWebSocket)

	return g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(mux)))
}

// Run serves until ctx is done, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:              g.config.Address,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.warnIfExposed()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway started", "address", g.config.Address)
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(shutdownCtx)
}

// warnIfExposed logs when the API has no token and listens beyond loopback.
func (g *Gateway) warnIfExposed() {
	if g.config.AuthToken != "" {
		return
	}
	host, _, _ := net.SplitHostPort(g.config.Address)
	if host == "" {
		host = "0.0.0.0"
	}
	ip := net.ParseIP(host)
	if (ip != nil && ip.IsLoopback()) || host == "localhost" {
		return
	}
	g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address",
		"address", g.config.Address)
}
