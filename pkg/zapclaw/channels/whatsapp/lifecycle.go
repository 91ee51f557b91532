package whatsapp

import (
	"context"
	"fmt"
	"time"
)

// ReconnectDelay returns the backoff before reconnect attempt n (1-based):
// base doubled per attempt, capped at max.
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return min(d, max)
}

// Start opens the first session and the health monitor. It returns once
// the attempt is under way; readiness is reported to observers.
func (w *WhatsApp) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.ctx != nil {
		w.mu.Unlock()
		return fmt.Errorf("whatsapp: already started")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.stopped = false
	runCtx := w.ctx
	w.mu.Unlock()

	w.logger.Info("whatsapp: starting", "db", w.cfg.DatabasePath)
	w.connect()
	w.StartHealthMonitor(runCtx, w.cfg.HealthMonitor)
	return nil
}

// Stop tears down the active session and cancels pending reconnects.
func (w *WhatsApp) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.stopTimerLocked()
	sess := w.session
	w.session = nil
	prev := w.state
	w.state = StateClosed
	w.generation++
	cancel := w.cancel
	w.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	if cancel != nil {
		cancel()
	}
	w.logger.Info("whatsapp: stopped")
	w.notifyConnectionChange(ConnectionEvent{
		State:     StateClosed,
		Previous:  prev,
		Timestamp: w.clock.Now(),
		Reason:    "shutdown",
	})
}

// connect starts a new session. A second call while one is in flight is a
// logged no-op.
func (w *WhatsApp) connect() {
	w.mu.Lock()
	if w.stopped || w.ctx == nil {
		w.mu.Unlock()
		return
	}
	if w.connecting {
		w.connectRequested = true
		w.mu.Unlock()
		w.logger.Debug("whatsapp: connect already in progress, skipping")
		return
	}
	w.connecting = true
	w.resetting = false
	w.stopTimerLocked()
	old := w.session
	w.session = nil
	w.generation++
	gen := w.generation
	prev := w.state
	w.state = StateConnecting
	ctx := w.ctx
	attempts := w.reconnectAttempts
	w.mu.Unlock()

	if old != nil {
		old.Close()
	}

	w.logger.Info("whatsapp: connecting", "attempt", attempts)
	w.notifyConnectionChange(ConnectionEvent{
		State:     StateConnecting,
		Previous:  prev,
		Timestamp: w.clock.Now(),
		Details:   map[string]any{"attempt": attempts},
	})

	sess, err := w.factory.NewSession(ctx)
	if err == nil {
		w.mu.Lock()
		current := !w.stopped && gen == w.generation
		if current {
			w.session = sess
		}
		w.mu.Unlock()
		if !current {
			sess.Close()
			w.finishConnect(gen)
			return
		}
		err = sess.Start(ctx, func(evt LinkEvent) { w.handleLinkEvent(gen, evt) })
	}

	if err != nil {
		w.finishConnect(gen)
		w.logger.Warn("whatsapp: connect attempt failed", "error", err)
		w.handleClose(gen, CloseTransient, err.Error())
		return
	}
	w.finishConnect(gen)
}

// finishConnect releases the connect guard. A connect requested while this
// one was in flight is replayed if this attempt was superseded or already
// closed.
func (w *WhatsApp) finishConnect(gen uint64) {
	w.mu.Lock()
	w.connecting = false
	rerun := w.connectRequested && !w.stopped &&
		(gen != w.generation || w.state == StateClosed)
	w.connectRequested = false
	w.mu.Unlock()
	if rerun {
		w.connect()
	}
}

// handleLinkEvent dispatches a session event. Events from superseded
// sessions are dropped.
func (w *WhatsApp) handleLinkEvent(gen uint64, evt LinkEvent) {
	switch evt.Kind {
	case LinkQR:
		if !w.isCurrent(gen) {
			return
		}
		w.logger.Info("whatsapp: QR code ready")
		w.notifyQR(QREvent{
			Type:    "code",
			Code:    evt.QR,
			Message: "Scan the QR code with WhatsApp to link your device",
		})

	case LinkOpen:
		w.handleOpen(gen)

	case LinkClose:
		w.handleClose(gen, evt.Cause, evt.Reason)

	case LinkMessage:
		if evt.Message == nil || !w.isCurrent(gen) {
			return
		}
		w.touch()
		if evt.Message.FromMe && w.sent.Contains(evt.Message.ID) {
			return
		}
		if fn := w.onMessage.Load(); fn != nil && *fn != nil {
			(*fn)(evt.Message)
		}
	}
}

func (w *WhatsApp) isCurrent(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.stopped && gen == w.generation
}

func (w *WhatsApp) handleOpen(gen uint64) {
	w.mu.Lock()
	if w.stopped || gen != w.generation || w.state == StateOpen {
		w.mu.Unlock()
		return
	}
	prev := w.state
	w.state = StateOpen
	w.reconnectAttempts = 0
	sess := w.session
	w.mu.Unlock()

	w.touch()
	jid := ""
	if sess != nil {
		jid = sess.JID()
	}
	w.logger.Info("whatsapp: connected", "jid", jid)
	w.notifyConnectionChange(ConnectionEvent{
		State:     StateOpen,
		Previous:  prev,
		Timestamp: w.clock.Now(),
		Details:   map[string]any{"jid": jid},
	})
	w.notifyQR(QREvent{Type: "success", Message: "WhatsApp connected successfully!"})
}

// handleClose classifies a session end and either schedules a backoff
// reconnect or escalates to a full reset.
func (w *WhatsApp) handleClose(gen uint64, cause CloseCause, reason string) {
	w.mu.Lock()
	if w.stopped || gen != w.generation || w.state == StateClosed {
		w.mu.Unlock()
		return
	}
	prev := w.state
	w.state = StateClosed
	sess := w.session
	w.session = nil

	trigger := ""
	switch {
	case cause == CloseConflict:
		trigger = "conflict"
	case cause == CloseLoggedOut:
		trigger = "logged_out"
	case w.reconnectAttempts >= w.cfg.MaxReconnectAttempts:
		trigger = "reconnect_budget_exhausted"
	}

	var delay time.Duration
	attempt := 0
	if trigger == "" {
		w.reconnectAttempts++
		attempt = w.reconnectAttempts
		delay = ReconnectDelay(attempt, w.cfg.ReconnectBackoff, w.cfg.MaxReconnectBackoff)
		w.scheduleConnectLocked(delay)
	}
	w.mu.Unlock()

	if sess != nil {
		sess.Close()
	}

	details := map[string]any{"cause": string(cause)}
	if trigger == "" {
		w.logger.Warn("whatsapp: connection closed, reconnecting",
			"reason", reason, "attempt", attempt, "backoff", delay)
		details["attempt"] = attempt
		details["backoff_sec"] = delay.Seconds()
	} else {
		w.logger.Error("whatsapp: unrecoverable close", "reason", reason, "trigger", trigger)
	}
	w.notifyConnectionChange(ConnectionEvent{
		State:     StateClosed,
		Previous:  prev,
		Timestamp: w.clock.Now(),
		Reason:    reason,
		Details:   details,
	})

	if trigger != "" {
		w.fullReset(trigger, reason)
	}
}

// fullReset wipes credentials and re-enters connecting from an unpaired
// state. A reset already under way suppresses the new one but the trigger
// is still recorded.
func (w *WhatsApp) fullReset(trigger, detail string) {
	w.mu.Lock()
	rec := ResetRecord{Trigger: trigger, Detail: detail, At: w.clock.Now(), Suppressed: w.resetting}
	w.recordResetLocked(rec)
	if w.resetting || w.stopped {
		w.mu.Unlock()
		w.logger.Warn("whatsapp: reset already in progress, suppressed", "trigger", trigger)
		return
	}
	w.resetting = true
	w.stopTimerLocked()
	sess := w.session
	w.session = nil
	w.generation++
	w.reconnectAttempts = 0
	prev := w.state
	w.state = StateClosed
	ctx := w.ctx
	w.mu.Unlock()

	w.logger.Warn("whatsapp: full reset, credentials will be wiped", "trigger", trigger, "detail", detail)
	if sess != nil {
		sess.Close()
	}
	if err := w.factory.WipeCredentials(ctx); err != nil {
		w.logger.Error("whatsapp: failed to wipe credentials", "error", err)
	}
	w.notifyQR(QREvent{Type: "reset", Message: "Session reset, a new QR code will be generated"})
	w.notifyConnectionChange(ConnectionEvent{
		State:     StateClosed,
		Previous:  prev,
		Timestamp: w.clock.Now(),
		Reason:    "reset",
		Details:   map[string]any{"trigger": trigger, "needs_qr": true},
	})

	w.mu.Lock()
	if w.stopped {
		w.resetting = false
	} else {
		w.scheduleConnectLocked(w.cfg.ResetDelay)
	}
	w.mu.Unlock()
}

// Logout unlinks the device. Every step is best effort and the manager
// always ends up reconnecting into a fresh QR pairing, even when no
// session existed.
func (w *WhatsApp) Logout(ctx context.Context) error {
	w.mu.Lock()
	w.stopTimerLocked()
	sess := w.session
	w.session = nil
	w.generation++
	w.reconnectAttempts = 0
	prev := w.state
	w.state = StateClosed
	stopped := w.stopped
	w.mu.Unlock()

	if sess != nil {
		if err := sess.Logout(ctx); err != nil {
			w.logger.Warn("whatsapp: remote logout failed, forcing cleanup", "error", err)
		}
		sess.Close()
	}
	if err := w.factory.WipeCredentials(ctx); err != nil {
		w.logger.Warn("whatsapp: failed to wipe credentials", "error", err)
	}

	w.logger.Info("whatsapp: logged out, session cleared")
	w.notifyQR(QREvent{Type: "reset", Message: "Logged out, a new QR code will be generated"})
	w.notifyConnectionChange(ConnectionEvent{
		State:     StateClosed,
		Previous:  prev,
		Timestamp: w.clock.Now(),
		Reason:    "logout",
		Details:   map[string]any{"session_cleared": true, "needs_qr": true},
	})

	if stopped {
		return nil
	}
	w.mu.Lock()
	w.scheduleConnectLocked(w.cfg.LogoutReconnectDelay)
	w.mu.Unlock()
	return nil
}

// scheduleConnectLocked replaces any pending reconnect timer.
func (w *WhatsApp) scheduleConnectLocked(d time.Duration) {
	w.stopTimerLocked()
	w.connectTimer = w.clock.AfterFunc(d, w.connect)
}

func (w *WhatsApp) stopTimerLocked() {
	if w.connectTimer != nil {
		w.connectTimer.Stop()
		w.connectTimer = nil
	}
}

func (w *WhatsApp) recordResetLocked(rec ResetRecord) {
	w.resets = append(w.resets, rec)
	if len(w.resets) > maxResetRecords {
		w.resets = w.resets[len(w.resets)-maxResetRecords:]
	}
}
