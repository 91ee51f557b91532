package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot"
)

// newSecretCmd creates `zapclaw secret`, managing API keys in the encrypted
// vault or the OS keyring.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage API keys (vault or OS keyring)",
		Long: `Store API keys outside config.yaml. When a vault exists it is used,
otherwise the OS keyring. Values are read without echo.

Recognized names: ` + strings.Join(copilot.SecretNames(), ", ") + `

Examples:
  zapclaw secret init
  zapclaw secret set ANTHROPIC_API_KEY
  zapclaw secret list
  zapclaw secret delete RESEND_API_KEY`,
	}

	cmd.AddCommand(
		newSecretInitCmd(),
		newSecretSetCmd(),
		newSecretGetCmd(),
		newSecretDeleteCmd(),
		newSecretListCmd(),
	)
	return cmd
}

func newSecretInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the encrypted vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			vault := copilot.NewVault(vaultPath(cmd))
			if vault.Exists() {
				return fmt.Errorf("vault already exists at %s", vault.Path())
			}
			password, err := readNewPassword()
			if err != nil {
				return err
			}
			if err := vault.Create(password); err != nil {
				return err
			}
			fmt.Printf("Vault created at %s\n", vault.Path())
			fmt.Printf("Set %s to unlock it without a prompt.\n", copilot.VaultPasswordEnv)
			return nil
		},
	}
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <NAME> [value]",
		Short: "Store a secret",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.ToUpper(args[0])
			if !copilot.IsSecretName(name) {
				return fmt.Errorf("unknown secret %q (known: %s)", name, strings.Join(copilot.SecretNames(), ", "))
			}

			value := ""
			if len(args) == 2 {
				value = args[1]
			} else {
				v, err := copilot.ReadPassword(name + ": ")
				if err != nil {
					return err
				}
				value = v
			}
			value = strings.TrimSpace(value)
			if value == "" {
				return fmt.Errorf("empty value, nothing stored")
			}

			vault := copilot.UnlockVault(vaultPath(cmd), true, quietLogger(cmd))
			where, err := copilot.StoreSecret(vault, name, value)
			if err != nil {
				return err
			}
			fmt.Printf("%s stored in %s\n", name, where)
			return nil
		},
	}
}

func newSecretGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <NAME>",
		Short: "Show where a secret resolves from (masked unless --reveal)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.ToUpper(args[0])
			reveal, _ := cmd.Flags().GetBool("reveal")

			vault := copilot.UnlockVault(vaultPath(cmd), true, quietLogger(cmd))
			value, source := lookupSecret(vault, name)
			if value == "" {
				return fmt.Errorf("%s is not set", name)
			}
			if !reveal {
				value = maskSecret(value)
			}
			fmt.Printf("%s=%s (%s)\n", name, value, source)
			return nil
		},
	}
	cmd.Flags().Bool("reveal", false, "print the full value")
	return cmd
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <NAME>",
		Short: "Remove a secret from the vault and the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.ToUpper(args[0])
			removed := false

			if vault := copilot.UnlockVault(vaultPath(cmd), true, quietLogger(cmd)); vault != nil {
				if v, _ := vault.Get(name); v != "" {
					if err := vault.Delete(name); err != nil {
						return err
					}
					removed = true
				}
			}
			if copilot.GetKeyring(name) != "" {
				if err := copilot.DeleteKeyring(name); err != nil {
					return fmt.Errorf("deleting from keyring: %w", err)
				}
				removed = true
			}

			if !removed {
				return fmt.Errorf("%s not found in vault or keyring", name)
			}
			fmt.Printf("%s deleted\n", name)
			return nil
		},
	}
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recognized secrets and where each resolves from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			vault := copilot.UnlockVault(vaultPath(cmd), true, quietLogger(cmd))
			for _, name := range copilot.SecretNames() {
				value, source := lookupSecret(vault, name)
				if value == "" {
					fmt.Printf("  %-24s -\n", name)
					continue
				}
				fmt.Printf("  %-24s %-10s %s\n", name, source, maskSecret(value))
			}
			return nil
		},
	}
}

// lookupSecret follows the resolution order vault, keyring, environment.
func lookupSecret(vault *copilot.Vault, name string) (string, string) {
	if vault != nil {
		if v, err := vault.Get(name); err == nil && v != "" {
			return v, "vault"
		}
	}
	if v := copilot.GetKeyring(name); v != "" {
		return v, "keyring"
	}
	if v := os.Getenv(name); v != "" {
		return v, "env"
	}
	return "", ""
}

// maskSecret keeps a short prefix and suffix for recognition.
func maskSecret(v string) string {
	if len(v) <= 10 {
		return strings.Repeat("*", len(v))
	}
	return v[:6] + "..." + v[len(v)-4:]
}

// readNewPassword asks for a password twice.
func readNewPassword() (string, error) {
	first, err := copilot.ReadPassword("New vault password: ")
	if err != nil {
		return "", err
	}
	if len(first) < 8 {
		return "", fmt.Errorf("password must have at least 8 characters")
	}
	second, err := copilot.ReadPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passwords do not match")
	}
	return first, nil
}
