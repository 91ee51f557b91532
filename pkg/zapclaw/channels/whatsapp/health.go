package whatsapp

import (
	"context"
	"time"
)

// HealthMonitorConfig tunes the liveness check that catches half-open
// sockets the server never reported as closed.
type HealthMonitorConfig struct {
	Enabled bool `yaml:"enabled"`

	// CheckInterval between checks. Default 30s.
	CheckInterval time.Duration `yaml:"check_interval"`

	// MaxSilentDuration without inbound traffic before the socket is
	// inspected. Default 5m.
	MaxSilentDuration time.Duration `yaml:"max_silent_duration"`

	// ForceReconnectAfter this much silence the link is recycled even if
	// the socket looks alive. Zero disables it. Default 30m.
	ForceReconnectAfter time.Duration `yaml:"force_reconnect_after"`
}

// DefaultHealthMonitorConfig returns the production thresholds.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Enabled:             true,
		CheckInterval:       30 * time.Second,
		MaxSilentDuration:   5 * time.Minute,
		ForceReconnectAfter: 30 * time.Minute,
	}
}

// StartHealthMonitor runs the liveness check on the manager's clock until
// ctx is done.
func (w *WhatsApp) StartHealthMonitor(ctx context.Context, cfg HealthMonitorConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.MaxSilentDuration <= 0 {
		cfg.MaxSilentDuration = 5 * time.Minute
	}

	ticker := w.clock.NewTicker(cfg.CheckInterval)
	w.logger.Debug("whatsapp: liveness check armed",
		"every", cfg.CheckInterval,
		"silence_limit", cfg.MaxSilentDuration,
		"recycle_after", cfg.ForceReconnectAfter)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				w.performHealthCheck(cfg)
			}
		}
	}()
}

// performHealthCheck reports whether it raised a transient close.
func (w *WhatsApp) performHealthCheck(cfg HealthMonitorConfig) bool {
	w.mu.Lock()
	open := w.state == StateOpen
	gen := w.generation
	sess := w.session
	w.mu.Unlock()

	if !open {
		return false
	}

	last, _ := w.lastActivity.Load().(time.Time)
	silent := w.clock.Now().Sub(last)
	if silent <= cfg.MaxSilentDuration {
		return false
	}

	switch {
	case sess == nil || !sess.Connected():
		w.logger.Warn("whatsapp: link open but socket gone", "silent", silent)
		w.handleClose(gen, CloseTransient, "health check: socket dead")
		return true
	case cfg.ForceReconnectAfter > 0 && silent > cfg.ForceReconnectAfter:
		w.logger.Warn("whatsapp: recycling quiet link", "silent", silent, "limit", cfg.ForceReconnectAfter)
		w.handleClose(gen, CloseTransient, "health check: silent too long")
		return true
	}

	w.logger.Debug("whatsapp: quiet link, socket still up", "silent", silent)
	return false
}
