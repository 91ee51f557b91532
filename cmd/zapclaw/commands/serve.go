package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/channels/whatsapp"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/email"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/gateway"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/media"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/tts"
)

// newServeCmd creates the `zapclaw serve` command that runs the agent.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to WhatsApp and start answering",
		Long: `Start ZapClaw as a service: link the WhatsApp device, answer contacts,
run the pause schedule and expose the control API.

Examples:
  zapclaw serve
  zapclaw serve --config ./config.yaml
  zapclaw serve --no-gateway`,
		RunE: runServe,
	}

	cmd.Flags().Bool("no-gateway", false, "do not start the control API")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg.Logging)
	if path == "" {
		logger.Info("no config file found, running on defaults and environment")
	} else {
		logger.Info("config loaded", "path", path)
	}

	// ── Resolve secrets ──
	resolveSecrets(cmd, cfg, path, true, logger)
	if cfg.API.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required (zapclaw secret set ANTHROPIC_API_KEY)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Storage ──
	store, err := openHistory(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// ── Agent ──
	agent := buildAgent(cfg, logger)

	var describer media.Describer
	if cfg.Media.Enabled && cfg.Media.APIKey != "" {
		d, err := media.NewGeminiDescriber(ctx, cfg.Media, logger)
		if err != nil {
			logger.Warn("media description disabled", "error", err)
		} else {
			describer = d
		}
	} else {
		logger.Info("media description disabled (no GEMINI_API_KEY)")
	}

	// ── Transport + orchestrator ──
	wa := whatsapp.New(cfg.WhatsApp, logger)
	assistant := copilot.NewAssistant(cfg, copilot.Deps{
		Link:      wa,
		Agent:     agent,
		History:   store,
		Describer: describer,
	}, logger)

	unsubscribe := assistant.Events().Subscribe(copilot.Observer{
		QR: func(e whatsapp.QREvent) {
			if e.Type == "code" {
				logger.Info("whatsapp: scan the QR code (GET /api/qr or the dashboard)")
			}
		},
	})
	defer unsubscribe()

	assistant.Start(ctx)
	assistant.BridgeWhatsApp(ctx, wa)
	if err := wa.Start(ctx); err != nil {
		return fmt.Errorf("starting whatsapp: %w", err)
	}

	// ── Pause schedule ──
	if cfg.Schedule.Enabled() {
		sched, err := copilot.NewPauseSchedule(cfg.Schedule, assistant.Pause(), logger)
		if err != nil {
			shutdown(assistant, wa, logger)
			return fmt.Errorf("pause schedule: %w", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	// ── Run ──
	g, gctx := errgroup.WithContext(ctx)
	noGateway, _ := cmd.Flags().GetBool("no-gateway")
	if cfg.Gateway.Enabled && !noGateway {
		gw := gateway.New(assistant, wa, cfg.Gateway, logger)
		g.Go(func() error { return gw.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logger.Info("ZapClaw running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"model", cfg.Agent.Model,
		"history", cfg.History.Backend,
	)

	err = g.Wait()
	logger.Info("shutdown signal received, stopping...")
	shutdown(assistant, wa, logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// shutdown stops the orchestrator and the transport, bounded at 10s.
func shutdown(assistant *copilot.Assistant, wa *whatsapp.WhatsApp, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		assistant.Stop()
		wa.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
}

// buildAgent wires the model client and the tool backends. A tool whose
// backend is not configured is not offered to the model.
func buildAgent(cfg *copilot.Config, logger *slog.Logger) *copilot.Agent {
	llm := copilot.NewLLMClient(cfg.API, cfg.Agent, logger)
	logger.Info("agent model selected", "model", llm.Model(), "max_rounds", cfg.Agent.MaxIterations)

	var speech tts.Provider
	if p, err := tts.New(cfg.TTS, logger); err != nil {
		logger.Info("text_to_speech tool disabled", "reason", err)
	} else {
		speech = p
	}

	var mail email.Sender
	if cfg.Email.APIKey != "" {
		mail = email.NewResendSender(cfg.Email, logger)
	} else {
		logger.Info("send_email tool disabled (no RESEND_API_KEY)")
	}

	executor := copilot.NewToolExecutor(speech, cfg.TTS.Voice(), mail, cfg.Agent.ToolTimeout, logger)
	return copilot.NewAgent(llm, executor, cfg.Agent, logger)
}
