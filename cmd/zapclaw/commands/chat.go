package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/history"
)

const localChatID = "local@cli"

// newChatCmd creates `zapclaw chat`, a local REPL against the agent loop.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the agent from the terminal",
		Long: `Run the agent loop locally, without WhatsApp. Turns are read from and
written to the configured history under the given conversation id, so a
real contact's thread can be replayed or continued.

Inside the REPL:
  /clear   delete this conversation's history
  /exit    leave

Examples:
  zapclaw chat "Quanto custa o plano mensal?"
  zapclaw chat --chat 5511999998888@s.whatsapp.net`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().String("chat", localChatID, "conversation id whose history is used")
	cmd.Flags().Bool("no-history", false, "do not read or write history")
	return cmd
}

type chatSession struct {
	agent   *copilot.Agent
	store   history.Store
	chatID  string
	turns   int
	persist bool
	out     io.Writer
	logger  *slog.Logger
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := quietLogger(cmd)
	resolveSecrets(cmd, cfg, path, true, logger)
	if cfg.API.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required (zapclaw secret set ANTHROPIC_API_KEY)")
	}

	store, err := openHistory(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	chatID, _ := cmd.Flags().GetString("chat")
	noHistory, _ := cmd.Flags().GetBool("no-history")
	s := &chatSession{
		agent:   buildAgent(cfg, logger),
		store:   store,
		chatID:  chatID,
		turns:   cfg.Agent.HistoryTurns,
		persist: !noHistory,
		out:     os.Stdout,
		logger:  logger,
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if len(args) > 0 {
		return s.send(ctx, args[0])
	}
	return s.repl(ctx, cfg.Name)
}

func (s *chatSession) repl(ctx context.Context, name string) error {
	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".zapclaw_chat_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "/exit",
	})
	if err != nil {
		return fmt.Errorf("starting readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(s.out, "%s local chat (conversation %s). /exit to leave.\n", name, s.chatID)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/clear":
			cleared, err := s.store.Clear(ctx, s.chatID)
			if err != nil {
				fmt.Fprintf(s.out, "error: %v\n", err)
			} else {
				fmt.Fprintf(s.out, "history cleared: %v\n", cleared)
			}
			continue
		}

		if err := s.send(ctx, line); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

// send runs one turn and prints every payload part.
func (s *chatSession) send(ctx context.Context, text string) error {
	var prior []history.Turn
	if s.persist {
		var err error
		prior, err = s.store.Recent(ctx, s.chatID, s.turns)
		if err != nil {
			s.logger.Warn("failed to load history", "error", err)
		}
	}

	start := time.Now()
	res, err := s.agent.Run(ctx, prior, text)
	if err != nil {
		return err
	}

	for _, part := range res.Payload.Parts {
		switch part.Type {
		case copilot.PartAudio:
			fmt.Fprintf(s.out, "bot> [voice note, %d bytes, %s]\n", len(part.Audio), part.MimeType)
			if part.Caption != "" {
				fmt.Fprintf(s.out, "     %s\n", part.Caption)
			}
		default:
			fmt.Fprintf(s.out, "bot> %s\n", part.Text)
		}
	}
	s.logger.Debug("turn done",
		"iterations", res.Iterations,
		"tokens", res.Usage.TotalTokens,
		"duration", time.Since(start).Round(time.Millisecond))

	if s.persist {
		now := time.Now()
		if err := s.store.Append(ctx, s.chatID,
			history.NewTurn(history.RoleUser, text, now),
			history.NewTurn(history.RoleAssistant, res.Summary, now),
		); err != nil {
			s.logger.Warn("failed to save history", "error", err)
		}
	}
	return nil
}
