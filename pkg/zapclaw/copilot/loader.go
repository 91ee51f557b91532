// Package copilot – loader.go loads configuration from YAML with .env
// support and ${VAR} expansion.
package copilot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR.
//
// Capture groups:
//   - 1: variable name (${} syntax)
//   - 2: modifier ("-" default, "?" error)
//   - 3: default value or error message
//   - 4: variable name (bare $VAR syntax)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// secretBinding ties an environment variable to a config field.
type secretBinding struct {
	env   string
	field func(*Config) *string
}

// secretBindings lists every secret the agent understands. The same names
// are used as vault and keyring keys.
var secretBindings = []secretBinding{
	{"ANTHROPIC_API_KEY", func(c *Config) *string { return &c.API.APIKey }},
	{"ELEVENLABS_API_KEY", func(c *Config) *string { return &c.TTS.ElevenLabs.APIKey }},
	{"OPENAI_API_KEY", func(c *Config) *string { return &c.TTS.OpenAI.APIKey }},
	{"RESEND_API_KEY", func(c *Config) *string { return &c.Email.APIKey }},
	{"GEMINI_API_KEY", func(c *Config) *string { return &c.Media.APIKey }},
	{"ZAPCLAW_GATEWAY_TOKEN", func(c *Config) *string { return &c.Gateway.AuthToken }},
}

// SecretNames returns the recognized secret names in a stable order.
func SecretNames() []string {
	names := make([]string, len(secretBindings))
	for i, b := range secretBindings {
		names[i] = b.env
	}
	return names
}

// LoadConfigFromFile reads and parses a YAML configuration file. .env files
// are loaded first so ${VAR} references resolve.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveEnvSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// LoadConfig loads the file at path, or the first standard location when
// path is empty. With no file at all it returns defaults plus environment.
func LoadConfig(path string) (*Config, string, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		loadEnvFiles()
		cfg := DefaultConfig()
		resolveEnvSecrets(cfg)
		return cfg, "", nil
	}
	cfg, err := LoadConfigFromFile(path)
	return cfg, path, err
}

// ParseConfig parses YAML bytes over DefaultConfig. Keys absent from the
// document keep their defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// SaveConfigToFile writes cfg as YAML with owner-only permissions. Secrets
// that are also present in the environment are written as ${VAR}
// references. The previous file is kept as .bak.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	for _, b := range secretBindings {
		p := b.field(&sanitized)
		*p = sanitizeSecret(*p, b.env)
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches the standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"zapclaw.yaml",
		"zapclaw.yml",
		"configs/config.yaml",
		"configs/zapclaw.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// AuditSecrets warns about secrets hardcoded in the config file.
func AuditSecrets(cfg *Config, rawYAML []byte, logger *slog.Logger) {
	for _, b := range secretBindings {
		v := *b.field(cfg)
		if v == "" || os.Getenv(b.env) == v {
			continue
		}
		if looksLikeRealKey(v) && strings.Contains(string(rawYAML), v) {
			logger.Warn("secret appears to be hardcoded in config",
				"secret", b.env,
				"hint", fmt.Sprintf("use ${%s} or zapclaw secret set %s", b.env, b.env))
		}
	}
}

// ---------- Internal ----------

// loadEnvFiles loads .env files without overriding the environment.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references. Unset ${VAR} and $VAR
// keep their placeholder; ${VAR:?msg} yields an ERROR: marker picked up by
// expandEnvVarsWithValidation.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if val, ok := os.LookupEnv(bare); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		switch modifier {
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			return "ERROR:" + varName + ":" + value
		case "-":
			return value
		}
		return match
	})
}

// expandEnvVarsWithValidation is expandEnvVars plus an error for any
// unset ${VAR:?error}.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	idx := strings.Index(result, "ERROR:")
	if idx < 0 {
		return result, nil
	}
	rest := result[idx+len("ERROR:"):]
	colon := strings.Index(rest, ":")
	if colon == -1 {
		return "", fmt.Errorf("config error: malformed error marker")
	}
	msg := rest[colon+1:]
	if nl := strings.IndexByte(msg, '\n'); nl >= 0 {
		msg = msg[:nl]
	}
	return "", fmt.Errorf("config error: %s - %s", rest[:colon], strings.TrimSpace(msg))
}

// resolveEnvSecrets lets the environment override config values and
// clears unresolved ${VAR} placeholders.
func resolveEnvSecrets(cfg *Config) {
	for _, b := range secretBindings {
		p := b.field(cfg)
		if v := os.Getenv(b.env); v != "" {
			*p = v
		} else if IsEnvReference(*p) {
			*p = ""
		}
	}
	if from := os.Getenv("RESEND_FROM_EMAIL"); from != "" {
		cfg.Email.From = from
	}
}

// resolveRelativePaths makes data paths relative to the config file.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.WhatsApp.DatabasePath = resolvePathFromConfig(cfg.WhatsApp.DatabasePath, dir)
	cfg.History.Path = resolvePathFromConfig(cfg.History.Path, dir)
}

// resolvePathFromConfig expands ~ and resolves relative paths against
// configDir.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// sanitizeSecret swaps a secret for its env reference when the
// environment already carries it.
func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}

// IsEnvReference checks if a string is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

// looksLikeRealKey heuristically checks if a string looks like an API key.
func looksLikeRealKey(s string) bool {
	if IsEnvReference(s) {
		return false
	}
	for _, prefix := range []string{"sk-", "sk-ant-", "re_", "AIza"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return len(s) > 20
}

// checkFilePermissions warns if the config file is group or world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
