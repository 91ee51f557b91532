package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/pause"
)

// newSetupCmd creates the `zapclaw setup` wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Walks through the essentials and writes config.yaml. API keys go to the
encrypted vault or the OS keyring; config.yaml only holds ${VAR}
references.

Examples:
  zapclaw setup
  zapclaw setup --config ./configs/config.yaml`,
		Args: cobra.NoArgs,
		RunE: runSetup,
	}
}

// setupAnswers collects the form values before they are applied.
type setupAnswers struct {
	name         string
	model        string
	instructions string

	anthropicKey string

	ttsProvider   string
	elevenLabsKey string
	openAIKey     string

	resendKey string
	emailFrom string

	geminiKey string

	historyBackend string

	gatewayToken string

	pauseAt  string
	resumeAt string
	timezone string

	useVault      bool
	vaultPassword string
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		overwrite := false
		err := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", path)).
			Value(&overwrite).
			Run()
		if err != nil {
			return setupErr(err)
		}
		if !overwrite {
			fmt.Println("Nothing changed.")
			return nil
		}
	}

	cfg := copilot.DefaultConfig()
	vault := copilot.NewVault(vaultPath(cmd))
	a := setupAnswers{
		name:           cfg.Name,
		model:          cfg.Agent.Model,
		instructions:   cfg.Agent.Instructions,
		ttsProvider:    "none",
		historyBackend: cfg.History.Backend,
		gatewayToken:   uuid.NewString(),
		useVault:       !vault.Exists(),
	}

	if err := setupForm(&a, vault.Exists()).Run(); err != nil {
		return setupErr(err)
	}

	if err := applyAnswers(cfg, &a); err != nil {
		return err
	}

	// ── Secrets ──
	if a.useVault && !vault.Exists() {
		if err := vault.Create(a.vaultPassword); err != nil {
			return fmt.Errorf("creating vault: %w", err)
		}
		fmt.Printf("Vault created at %s\n", vault.Path())
	}
	var unlocked *copilot.Vault
	if vault.Exists() {
		unlocked = copilot.UnlockVault(vault.Path(), true, quietLogger(cmd))
	}

	secrets := map[string]string{
		"ANTHROPIC_API_KEY":     a.anthropicKey,
		"ELEVENLABS_API_KEY":    a.elevenLabsKey,
		"OPENAI_API_KEY":        a.openAIKey,
		"RESEND_API_KEY":        a.resendKey,
		"GEMINI_API_KEY":        a.geminiKey,
		"ZAPCLAW_GATEWAY_TOKEN": a.gatewayToken,
	}
	for _, name := range copilot.SecretNames() {
		value := strings.TrimSpace(secrets[name])
		if value == "" {
			continue
		}
		where, err := copilot.StoreSecret(unlocked, name, value)
		if err != nil {
			fmt.Printf("  [!] %s not stored: %v\n", name, err)
			continue
		}
		fmt.Printf("  %s stored in %s\n", name, where)
		setSecretReference(cfg, name)
	}

	if err := copilot.SaveConfigToFile(cfg, path); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Config written to %s\n", path)
	if a.useVault {
		fmt.Printf("Export %s or enter the password when starting.\n", copilot.VaultPasswordEnv)
	}
	fmt.Println("Next: zapclaw serve, then scan the QR code from GET /api/qr.")
	return nil
}

func setupForm(a *setupAnswers, vaultExists bool) *huh.Form {
	required := func(what string) func(string) error {
		return func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%s is required", what)
			}
			return nil
		}
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Assistant name").Value(&a.name),
			huh.NewSelect[string]().
				Title("Model").
				Options(huh.NewOptions("claude-haiku-4-5", "claude-sonnet-4-5", "claude-opus-4-1")...).
				Value(&a.model),
			huh.NewText().Title("System instructions").Value(&a.instructions),
			huh.NewInput().
				Title("Anthropic API key").
				EchoMode(huh.EchoModePassword).
				Validate(required("the Anthropic API key")).
				Value(&a.anthropicKey),
		).Title("Agent"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Voice replies (text_to_speech tool)").
				Options(
					huh.NewOption("Disabled", "none"),
					huh.NewOption("ElevenLabs", "elevenlabs"),
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("ElevenLabs with OpenAI fallback", "auto"),
				).
				Value(&a.ttsProvider),
		).Title("Voice"),

		huh.NewGroup(
			huh.NewInput().Title("ElevenLabs API key").EchoMode(huh.EchoModePassword).Value(&a.elevenLabsKey),
		).WithHideFunc(func() bool { return a.ttsProvider != "elevenlabs" && a.ttsProvider != "auto" }),

		huh.NewGroup(
			huh.NewInput().Title("OpenAI API key").EchoMode(huh.EchoModePassword).Value(&a.openAIKey),
		).WithHideFunc(func() bool { return a.ttsProvider != "openai" && a.ttsProvider != "auto" }),

		huh.NewGroup(
			huh.NewInput().
				Title("Resend API key (send_email tool, empty to disable)").
				EchoMode(huh.EchoModePassword).
				Value(&a.resendKey),
			huh.NewInput().Title("Sender address").Placeholder("atendimento@example.com").Value(&a.emailFrom),
			huh.NewInput().
				Title("Gemini API key (image, audio and video understanding, empty to disable)").
				EchoMode(huh.EchoModePassword).
				Value(&a.geminiKey),
		).Title("Integrations"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Title("History storage").
				Options(
					huh.NewOption("JSON file", "file"),
					huh.NewOption("SQLite", "sqlite"),
				).
				Value(&a.historyBackend),
			huh.NewInput().Title("Control API token").Value(&a.gatewayToken),
		).Title("Storage and control API"),

		huh.NewGroup(
			huh.NewInput().Title("Pause at (cron, empty for never)").Placeholder("0 19 * * 1-5").Value(&a.pauseAt),
			huh.NewInput().Title("Resume at (cron, empty for never)").Placeholder("0 8 * * 1-5").Value(&a.resumeAt),
			huh.NewInput().Title("Timezone").Placeholder("America/Sao_Paulo").Value(&a.timezone),
		).Title("Business hours"),

		huh.NewGroup(
			huh.NewConfirm().Title("Store API keys in an encrypted vault? (No uses the OS keyring)").Value(&a.useVault),
		).WithHideFunc(func() bool { return vaultExists }),

		huh.NewGroup(
			huh.NewInput().
				Title("Vault master password").
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if len(s) < 8 {
						return fmt.Errorf("use at least 8 characters")
					}
					return nil
				}).
				Value(&a.vaultPassword),
		).WithHideFunc(func() bool { return vaultExists || !a.useVault }),
	)
}

// applyAnswers copies non-secret answers into cfg and validates the
// schedule.
func applyAnswers(cfg *copilot.Config, a *setupAnswers) error {
	if name := strings.TrimSpace(a.name); name != "" {
		cfg.Name = name
	}
	cfg.Agent.Model = a.model
	if instr := strings.TrimSpace(a.instructions); instr != "" {
		cfg.Agent.Instructions = instr
	}
	if a.ttsProvider != "none" {
		cfg.TTS.Provider = a.ttsProvider
	}
	if from := strings.TrimSpace(a.emailFrom); from != "" {
		cfg.Email.From = from
	}
	cfg.Media.Enabled = strings.TrimSpace(a.geminiKey) != ""
	cfg.History.Backend = a.historyBackend
	if a.historyBackend == "sqlite" {
		cfg.History.Path = "./data/history.db"
	}

	cfg.Schedule = copilot.ScheduleConfig{
		PauseAt:  strings.TrimSpace(a.pauseAt),
		ResumeAt: strings.TrimSpace(a.resumeAt),
		Timezone: strings.TrimSpace(a.timezone),
	}
	if cfg.Schedule.Enabled() {
		if _, err := copilot.NewPauseSchedule(cfg.Schedule, pause.New(nil), nil); err != nil {
			return fmt.Errorf("invalid business hours: %w", err)
		}
	}
	return nil
}

// setSecretReference points a config field at its environment name so
// config.yaml never holds the value itself.
func setSecretReference(cfg *copilot.Config, name string) {
	ref := "${" + name + "}"
	switch name {
	case "ANTHROPIC_API_KEY":
		cfg.API.APIKey = ref
	case "ELEVENLABS_API_KEY":
		cfg.TTS.ElevenLabs.APIKey = ref
	case "OPENAI_API_KEY":
		cfg.TTS.OpenAI.APIKey = ref
	case "RESEND_API_KEY":
		cfg.Email.APIKey = ref
	case "GEMINI_API_KEY":
		cfg.Media.APIKey = ref
	case "ZAPCLAW_GATEWAY_TOKEN":
		cfg.Gateway.AuthToken = ref
	}
}

func setupErr(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		return fmt.Errorf("setup cancelled")
	}
	return err
}
