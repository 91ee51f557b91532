// Package copilot – config.go defines the configuration tree for the
// WhatsApp agent.
package copilot

import (
	"time"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/channels/whatsapp"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/debounce"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/history"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/email"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/media"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/tts"
)

// DefaultFallbackMessage is sent when a turn cannot be answered.
const DefaultFallbackMessage = "Oi! Tô com uma instabilidade agora, já já te respondo certinho."

// Config holds all agent configuration.
type Config struct {
	// Name identifies this deployment in logs and the status endpoint.
	Name string `yaml:"name"`

	Logging LoggingConfig `yaml:"logging"`

	WhatsApp whatsapp.Config `yaml:"whatsapp"`

	// API configures the model endpoint.
	API APIConfig `yaml:"api"`

	Agent AgentConfig `yaml:"agent"`

	Accumulator AccumulatorConfig `yaml:"accumulator"`

	Delivery DeliveryConfig `yaml:"delivery"`

	History history.Config `yaml:"history"`

	TTS tts.Config `yaml:"tts"`

	Email email.Config `yaml:"email"`

	Media media.Config `yaml:"media"`

	Schedule ScheduleConfig `yaml:"schedule"`

	Gateway GatewayConfig `yaml:"gateway"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// APIConfig configures the Anthropic Messages endpoint.
type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	// MaxRetries bounds retries of retryable API errors per call.
	MaxRetries int `yaml:"max_retries"`

	// Timeout is the HTTP client timeout per request. Zero means none.
	Timeout time.Duration `yaml:"timeout"`
}

// AgentConfig configures the tool-calling loop.
type AgentConfig struct {
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`

	// Instructions is the system prompt.
	Instructions string `yaml:"instructions"`

	// MaxIterations caps model rounds per turn.
	MaxIterations int `yaml:"max_iterations"`

	// ToolTimeout bounds a single tool execution.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// HistoryTurns is how many prior turns are loaded as context.
	HistoryTurns int `yaml:"history_turns"`

	// MaxHistoryTokens trims the oldest context turns beyond this budget.
	// Zero disables the budget.
	MaxHistoryTokens int `yaml:"max_history_tokens"`

	// FallbackMessage is sent to the contact when a turn fails.
	FallbackMessage string `yaml:"fallback_message"`
}

// AccumulatorConfig configures the inbound debounce window.
type AccumulatorConfig struct {
	Window time.Duration `yaml:"window"`
}

// DeliveryConfig configures reply pacing.
type DeliveryConfig struct {
	// Enabled turns pacing on. When false, parts are sent back to back.
	Enabled bool `yaml:"enabled"`

	ReadFloor   time.Duration `yaml:"read_floor"`
	ReadPerChar time.Duration `yaml:"read_per_char"`

	PreType     time.Duration `yaml:"pre_type"`
	TypePerChar time.Duration `yaml:"type_per_char"`

	PostSendMin time.Duration `yaml:"post_send_min"`
	PostSendMax time.Duration `yaml:"post_send_max"`

	PreRecordMin time.Duration `yaml:"pre_record_min"`
	PreRecordMax time.Duration `yaml:"pre_record_max"`
	RecordMin    time.Duration `yaml:"record_min"`
	RecordMax    time.Duration `yaml:"record_max"`

	// FallbackDelayMin/Max bound the wait before the apology message.
	FallbackDelayMin time.Duration `yaml:"fallback_delay_min"`
	FallbackDelayMax time.Duration `yaml:"fallback_delay_max"`
}

// ScheduleConfig pauses and resumes the bot on cron expressions.
type ScheduleConfig struct {
	// PauseAt sets global pause (e.g. "0 19 * * 1-5").
	PauseAt string `yaml:"pause_at"`
	// ResumeAt clears global pause (e.g. "0 8 * * 1-5").
	ResumeAt string `yaml:"resume_at"`
	// Timezone is an IANA name; empty means local time.
	Timezone string `yaml:"timezone"`
}

// Enabled reports whether any schedule entry is configured.
func (s ScheduleConfig) Enabled() bool {
	return s.PauseAt != "" || s.ResumeAt != ""
}

// GatewayConfig configures the control API.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// AuthToken protects every route except /health. Empty disables auth.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed browser origins. "*" allows any.
	CORSOrigins []string `yaml:"cors_origins"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "ZapClaw",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		WhatsApp: whatsapp.DefaultConfig(),
		API: APIConfig{
			BaseURL:    "https://api.anthropic.com/v1",
			MaxRetries: 2,
			Timeout:    120 * time.Second,
		},
		Agent: AgentConfig{
			Model:            "claude-haiku-4-5",
			MaxTokens:        1024,
			Instructions:     "You are a friendly customer service agent answering on WhatsApp. Keep replies short and natural.",
			MaxIterations:    10,
			ToolTimeout:      60 * time.Second,
			HistoryTurns:     20,
			MaxHistoryTokens: 12000,
			FallbackMessage:  DefaultFallbackMessage,
		},
		Accumulator: AccumulatorConfig{
			Window: debounce.DefaultWindow,
		},
		Delivery: DefaultDeliveryConfig(),
		History:  history.DefaultConfig(),
		TTS:      tts.DefaultConfig(),
		Email:    email.DefaultConfig(),
		Media:    media.DefaultConfig(),
		Gateway: GatewayConfig{
			Enabled: true,
			Address: ":3001",
		},
	}
}

// DefaultDeliveryConfig returns humanlike pacing.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		Enabled:          true,
		ReadFloor:        2 * time.Second,
		ReadPerChar:      50 * time.Millisecond,
		PreType:          time.Second,
		TypePerChar:      40 * time.Millisecond,
		PostSendMin:      500 * time.Millisecond,
		PostSendMax:      time.Second,
		PreRecordMin:     2 * time.Second,
		PreRecordMax:     3 * time.Second,
		RecordMin:        3 * time.Second,
		RecordMax:        4 * time.Second,
		FallbackDelayMin: time.Second,
		FallbackDelayMax: 2 * time.Second,
	}
}

// applyDefaults fills zero values a partial YAML file leaves behind.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.API.BaseURL == "" {
		c.API.BaseURL = d.API.BaseURL
	}
	if c.API.MaxRetries < 0 {
		c.API.MaxRetries = 0
	}
	if c.Agent.Model == "" {
		c.Agent.Model = d.Agent.Model
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = d.Agent.MaxTokens
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = d.Agent.MaxIterations
	}
	if c.Agent.ToolTimeout <= 0 {
		c.Agent.ToolTimeout = d.Agent.ToolTimeout
	}
	if c.Agent.HistoryTurns <= 0 {
		c.Agent.HistoryTurns = d.Agent.HistoryTurns
	}
	if c.Agent.FallbackMessage == "" {
		c.Agent.FallbackMessage = d.Agent.FallbackMessage
	}
	if c.Accumulator.Window <= 0 {
		c.Accumulator.Window = d.Accumulator.Window
	}
	if c.History.MaxTurns <= 0 {
		c.History.MaxTurns = d.History.MaxTurns
	}
	if c.Gateway.Address == "" {
		c.Gateway.Address = d.Gateway.Address
	}
}
