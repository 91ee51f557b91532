// Package copilot – delivery.go turns a reply payload into paced sends:
// a reading pause, a composing or recording presence, the send itself and
// a short gap before the next part.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/channels"
)

// ErrSendFailed wraps a failed part send. The remaining parts are dropped
// and the caller must not retry.
var ErrSendFailed = errors.New("delivery: send failed")

// DeliveryReport says how far a delivery got.
type DeliveryReport struct {
	Sent  int
	Total int
	// Aborted is set when the link went down before every part was sent.
	Aborted bool
}

// Delivery paces replies over a channel sender.
type Delivery struct {
	link   channels.Sender
	cfg    DeliveryConfig
	logger *slog.Logger

	// sleep and rand are swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// NewDelivery creates a delivery pipeline that waits on clk. A nil clk
// uses wall time.
func NewDelivery(link channels.Sender, cfg DeliveryConfig, clk clockwork.Clock, logger *slog.Logger) *Delivery {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Delivery{
		link:   link,
		cfg:    cfg,
		logger: logger.With("component", "delivery"),
		sleep:  func(ctx context.Context, d time.Duration) error { return sleepCtx(ctx, clk, d) },
		rand:   rand.Float64,
	}
}

// sleepCtx blocks for d on clk or until ctx is done.
func sleepCtx(ctx context.Context, clk clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := clk.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver sends every part of p in order. inputLen is the length of the
// user turn being answered and drives the reading pause.
func (d *Delivery) Deliver(ctx context.Context, chatID string, inputLen int, p Payload) (DeliveryReport, error) {
	report := DeliveryReport{Total: len(p.Parts)}

	for i, part := range p.Parts {
		if !d.link.IsReady() {
			d.logger.Warn("link not ready, dropping remaining parts",
				"chat", chatID, "sent", report.Sent, "remaining", report.Total-i)
			report.Aborted = true
			return report, nil
		}

		var err error
		switch part.Type {
		case PartAudio:
			err = d.deliverAudio(ctx, chatID, part)
		default:
			err = d.deliverText(ctx, chatID, inputLen, part)
		}
		if err != nil {
			if ctx.Err() != nil {
				report.Aborted = true
				return report, ctx.Err()
			}
			return report, err
		}
		report.Sent++
	}

	d.logger.Debug("reply delivered", "chat", chatID, "parts", report.Sent)
	return report, nil
}

func (d *Delivery) deliverText(ctx context.Context, chatID string, inputLen int, part Part) error {
	if err := d.wait(ctx, d.readingDelay(inputLen)); err != nil {
		return err
	}
	if err := d.wait(ctx, d.vary(d.cfg.PreType, 0.5)); err != nil {
		return err
	}
	d.presence(ctx, chatID, channels.PresenceComposing)
	if err := d.wait(ctx, d.vary(d.cfg.TypePerChar*time.Duration(utf8.RuneCountInString(part.Text)), 0.2)); err != nil {
		return err
	}
	if err := d.link.SendText(ctx, chatID, part.Text); err != nil {
		return fmt.Errorf("%w: text part: %w", ErrSendFailed, err)
	}
	d.presence(ctx, chatID, channels.PresencePaused)
	return d.wait(ctx, d.between(d.cfg.PostSendMin, d.cfg.PostSendMax))
}

func (d *Delivery) deliverAudio(ctx context.Context, chatID string, part Part) error {
	if err := d.wait(ctx, d.between(d.cfg.PreRecordMin, d.cfg.PreRecordMax)); err != nil {
		return err
	}
	d.presence(ctx, chatID, channels.PresenceRecording)
	if err := d.wait(ctx, d.between(d.cfg.RecordMin, d.cfg.RecordMax)); err != nil {
		return err
	}
	if err := d.link.SendAudio(ctx, chatID, part.Audio, part.MimeType); err != nil {
		return fmt.Errorf("%w: audio part: %w", ErrSendFailed, err)
	}
	d.presence(ctx, chatID, channels.PresencePaused)
	return d.wait(ctx, d.between(d.cfg.PostSendMin, d.cfg.PostSendMax))
}

// SendFallback waits briefly, then sends text if the link is up. It is
// used for the apology after a failed turn.
func (d *Delivery) SendFallback(ctx context.Context, chatID, text string) error {
	if text == "" {
		return nil
	}
	if err := d.wait(ctx, d.between(d.cfg.FallbackDelayMin, d.cfg.FallbackDelayMax)); err != nil {
		return err
	}
	if !d.link.IsReady() {
		d.logger.Warn("link not ready, fallback message dropped", "chat", chatID)
		return nil
	}
	if err := d.link.SendText(ctx, chatID, text); err != nil {
		return fmt.Errorf("%w: fallback: %w", ErrSendFailed, err)
	}
	return nil
}

// presence errors are cosmetic and only logged.
func (d *Delivery) presence(ctx context.Context, chatID string, p channels.Presence) {
	if err := d.link.SendPresence(ctx, chatID, p); err != nil {
		d.logger.Debug("presence update failed", "chat", chatID, "presence", p, "error", err)
	}
}

func (d *Delivery) wait(ctx context.Context, dur time.Duration) error {
	if !d.cfg.Enabled {
		return ctx.Err()
	}
	return d.sleep(ctx, dur)
}

func (d *Delivery) readingDelay(inputLen int) time.Duration {
	read := d.cfg.ReadPerChar * time.Duration(inputLen)
	if read < d.cfg.ReadFloor {
		read = d.cfg.ReadFloor
	}
	return d.vary(read, 0.2)
}

// vary returns base scaled by a uniform factor in [1-frac, 1+frac).
func (d *Delivery) vary(base time.Duration, frac float64) time.Duration {
	if base <= 0 {
		return 0
	}
	factor := 1 + (2*d.rand()-1)*frac
	return time.Duration(float64(base) * factor)
}

// between returns a uniform duration in [lo, hi).
func (d *Delivery) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(d.rand()*float64(hi-lo))
}
