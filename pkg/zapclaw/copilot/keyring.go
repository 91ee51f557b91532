// Package copilot – keyring.go resolves secrets from the encrypted vault and
// the OS keyring.
//
// Priority for every secret name in SecretNames:
//  1. Encrypted vault (.zapclaw.vault, needs the master password)
//  2. OS keyring
//  3. Environment variable (including .env files)
//  4. config.yaml value
package copilot

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "zapclaw"

// VaultPasswordEnv unlocks the vault non-interactively.
const VaultPasswordEnv = "ZAPCLAW_VAULT_PASSWORD"

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring, or "" if absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks that the OS keyring accepts writes.
func KeyringAvailable() bool {
	const canary = "__zapclaw_canary__"
	if err := keyring.Set(keyringService, canary, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, canary)
	return true
}

// UnlockVault opens the vault at path using ZAPCLAW_VAULT_PASSWORD or, when
// interactive is set and stdin is a terminal, a no-echo prompt. It returns
// nil when no vault exists or it stays locked.
func UnlockVault(path string, interactive bool, logger *slog.Logger) *Vault {
	vault := NewVault(path)
	if !vault.Exists() {
		return nil
	}

	if pass := os.Getenv(VaultPasswordEnv); pass != "" {
		if err := vault.Unlock(pass); err != nil {
			logger.Warn("failed to unlock vault with "+VaultPasswordEnv, "error", err)
		} else {
			logger.Info("vault unlocked via " + VaultPasswordEnv)
			return vault
		}
	}

	if interactive && term.IsTerminal(int(os.Stdin.Fd())) {
		password, err := ReadPassword("Vault password: ")
		if err != nil {
			logger.Warn("failed to read vault password", "error", err)
			return nil
		}
		if err := vault.Unlock(password); err != nil {
			logger.Warn("failed to unlock vault", "error", err)
			return nil
		}
		return vault
	}

	logger.Info("vault exists but is locked (non-interactive, no " + VaultPasswordEnv + "), using keyring/env/config")
	return nil
}

// ResolveSecrets overrides config secrets with vault and keyring values.
// Environment and config values were already applied by the loader, so
// only higher-priority sources are consulted here.
func ResolveSecrets(cfg *Config, vault *Vault, logger *slog.Logger) {
	for _, b := range secretBindings {
		field := b.field(cfg)
		if vault != nil && vault.IsUnlocked() {
			if val, err := vault.Get(b.env); err == nil && val != "" {
				*field = val
				logger.Debug("secret loaded from vault", "secret", b.env)
				continue
			}
		}
		if val := GetKeyring(b.env); val != "" {
			*field = val
			logger.Debug("secret loaded from keyring", "secret", b.env)
		}
	}
	if cfg.API.APIKey == "" {
		logger.Warn("no ANTHROPIC_API_KEY found. Set one with: zapclaw secret set ANTHROPIC_API_KEY")
	}
}

// IsSecretName reports whether name is a recognized secret.
func IsSecretName(name string) bool {
	for _, b := range secretBindings {
		if b.env == name {
			return true
		}
	}
	return false
}

// StoreSecret writes a secret to the vault when one is unlocked, otherwise
// to the OS keyring.
func StoreSecret(vault *Vault, name, value string) (string, error) {
	if vault != nil && vault.IsUnlocked() {
		if err := vault.Set(name, value); err != nil {
			return "", fmt.Errorf("storing in vault: %w", err)
		}
		return "vault", nil
	}
	if err := StoreKeyring(name, value); err != nil {
		return "", fmt.Errorf("storing in keyring: %w", err)
	}
	return "keyring", nil
}
