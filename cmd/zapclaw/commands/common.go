package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/history"
)

// loadConfig resolves --config or the standard locations. The returned
// path is empty when running on defaults plus environment.
func loadConfig(cmd *cobra.Command) (*copilot.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, path, err := copilot.LoadConfig(configPath)
	if err != nil {
		if path != "" {
			return nil, "", fmt.Errorf("loading config from %s: %w", path, err)
		}
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from logging.level/format and
// --verbose, and installs it as the slog default.
func newLogger(cmd *cobra.Command, cfg copilot.LoggingConfig) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// vaultPath returns the --vault flag value.
func vaultPath(cmd *cobra.Command) string {
	p, _ := cmd.Root().PersistentFlags().GetString("vault")
	if p == "" {
		return copilot.VaultFile
	}
	return p
}

// resolveSecrets audits the raw config file, then applies vault and
// keyring values over the loaded config.
func resolveSecrets(cmd *cobra.Command, cfg *copilot.Config, path string, interactive bool, logger *slog.Logger) *copilot.Vault {
	if path != "" {
		if raw, err := os.ReadFile(path); err == nil {
			copilot.AuditSecrets(cfg, raw, logger)
		}
	}
	vault := copilot.UnlockVault(vaultPath(cmd), interactive, logger)
	copilot.ResolveSecrets(cfg, vault, logger)
	return vault
}

// openHistory opens the configured history store.
func openHistory(cfg *copilot.Config, logger *slog.Logger) (history.Store, error) {
	store, err := history.Open(cfg.History, logger)
	if err != nil {
		return nil, fmt.Errorf("opening history (%s at %s): %w", cfg.History.Backend, cfg.History.Path, err)
	}
	return store, nil
}

// quietLogger is used by offline commands so their output stays readable.
func quietLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
