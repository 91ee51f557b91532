// Package commands implements the ZapClaw CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "zapclaw",
		Short: "ZapClaw - WhatsApp customer service agent",
		Long: `ZapClaw answers a WhatsApp number with a language model, pacing its
replies like a person and stepping aside when a human operator writes.

Examples:
  zapclaw setup
  zapclaw serve
  zapclaw chat --chat 5511999998888@s.whatsapp.net
  zapclaw secret set ANTHROPIC_API_KEY
  zapclaw history list`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
		newSecretCmd(),
		newHistoryCmd(),
		newCompletionCmd(),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")
	rootCmd.PersistentFlags().String("vault", copilot.VaultFile, "path to the encrypted secret vault")

	return rootCmd
}
