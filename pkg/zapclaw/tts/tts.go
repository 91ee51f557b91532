// Package tts provides text-to-speech synthesis for ZapClaw voice replies.
// Supports ElevenLabs (default, custom cloned voices), OpenAI TTS, and a
// fallback chain of the two.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Provider is the interface for TTS backends.
type Provider interface {
	// Synthesize converts text to audio.
	// Returns audio bytes, MIME type (e.g. "audio/mpeg"), and error.
	Synthesize(ctx context.Context, text, voice string) ([]byte, string, error)
}

// ModelProvider is a Provider that also accepts a per-call model id.
type ModelProvider interface {
	Provider
	SynthesizeModel(ctx context.Context, text, voice, model string) ([]byte, string, error)
}

// Config selects and configures the TTS backend.
type Config struct {
	// Provider is "elevenlabs", "openai" or "auto" (ElevenLabs, then OpenAI).
	Provider   string           `yaml:"provider"`
	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
}

// DefaultConfig returns ElevenLabs with the stock voice settings.
func DefaultConfig() Config {
	return Config{
		Provider:   "elevenlabs",
		ElevenLabs: DefaultElevenLabsConfig(),
		OpenAI:     OpenAIConfig{Model: "tts-1", Voice: "nova"},
	}
}

// New builds the configured provider.
func New(cfg Config, logger *slog.Logger) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "elevenlabs":
		if cfg.ElevenLabs.APIKey == "" {
			return nil, fmt.Errorf("tts: elevenlabs api key not configured")
		}
		return NewElevenLabsProvider(cfg.ElevenLabs), nil
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("tts: openai api key not configured")
		}
		return NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model), nil
	case "auto":
		if cfg.ElevenLabs.APIKey == "" || cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("tts: auto mode needs both elevenlabs and openai keys")
		}
		return NewFallbackProvider(
			NewElevenLabsProvider(cfg.ElevenLabs),
			NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model),
			cfg.ElevenLabs.VoiceID, cfg.OpenAI.Voice, logger), nil
	default:
		return nil, fmt.Errorf("tts: unknown provider %q", cfg.Provider)
	}
}

// Voice returns the default voice for the selected provider.
func (c Config) Voice() string {
	if strings.ToLower(c.Provider) == "openai" {
		return c.OpenAI.Voice
	}
	return c.ElevenLabs.VoiceID
}

// ============================================================
// ElevenLabs Provider
// ============================================================

// ElevenLabsConfig configures the ElevenLabs text-to-speech API.
type ElevenLabsConfig struct {
	APIKey          string  `yaml:"api_key"`
	BaseURL         string  `yaml:"base_url"`
	VoiceID         string  `yaml:"voice_id"`
	ModelID         string  `yaml:"model_id"`
	OutputFormat    string  `yaml:"output_format"`
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
	Style           float64 `yaml:"style"`
	SpeakerBoost    bool    `yaml:"speaker_boost"`
}

// DefaultElevenLabsConfig returns the stock voice and settings.
func DefaultElevenLabsConfig() ElevenLabsConfig {
	return ElevenLabsConfig{
		BaseURL:         "https://api.elevenlabs.io/v1",
		VoiceID:         "zHg66WqoRrUdExrjJ7d5",
		ModelID:         "eleven_v3",
		OutputFormat:    "mp3_22050_32",
		Stability:       0.5,
		SimilarityBoost: 0.75,
		Style:           0,
		SpeakerBoost:    true,
	}
}

// ElevenLabsProvider implements TTS via the ElevenLabs API.
type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

// NewElevenLabsProvider creates an ElevenLabs provider. Empty fields take
// the defaults.
func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	d := DefaultElevenLabsConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.BaseURL
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = d.VoiceID
	}
	if cfg.ModelID == "" {
		cfg.ModelID = d.ModelID
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = d.OutputFormat
	}
	if cfg.Stability == 0 && cfg.SimilarityBoost == 0 {
		cfg.Stability = d.Stability
		cfg.SimilarityBoost = d.SimilarityBoost
		cfg.SpeakerBoost = d.SpeakerBoost
	}
	return &ElevenLabsProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Synthesize converts text to audio with the configured model.
func (p *ElevenLabsProvider) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	return p.SynthesizeModel(ctx, text, voice, "")
}

// SynthesizeModel converts text to audio with an explicit model id.
func (p *ElevenLabsProvider) SynthesizeModel(ctx context.Context, text, voice, model string) ([]byte, string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, "", fmt.Errorf("elevenlabs: empty text")
	}
	if voice == "" {
		voice = p.cfg.VoiceID
	}
	if model == "" {
		model = p.cfg.ModelID
	}

	payload := map[string]any{
		"text":     text,
		"model_id": model,
		"voice_settings": map[string]any{
			"stability":         p.cfg.Stability,
			"similarity_boost":  p.cfg.SimilarityBoost,
			"style":             p.cfg.Style,
			"use_speaker_boost": p.cfg.SpeakerBoost,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s?output_format=%s",
		strings.TrimRight(p.cfg.BaseURL, "/"), url.PathEscape(voice), url.QueryEscape(p.cfg.OutputFormat))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("elevenlabs: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("elevenlabs: API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", fmt.Errorf("elevenlabs: API returned %d: %s", resp.StatusCode, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("elevenlabs: reading audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, "", fmt.Errorf("elevenlabs: empty audio response")
	}

	return audio, mimeForFormat(p.cfg.OutputFormat), nil
}

// mimeForFormat maps an ElevenLabs output_format to a MIME type.
func mimeForFormat(format string) string {
	switch {
	case strings.HasPrefix(format, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(format, "opus"):
		return "audio/ogg"
	case strings.HasPrefix(format, "pcm"):
		return "audio/pcm"
	case strings.HasPrefix(format, "ulaw"):
		return "audio/basic"
	default:
		return "application/octet-stream"
	}
}

// ============================================================
// OpenAI Provider
// ============================================================

// OpenAIConfig configures the OpenAI speech endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Voice   string `yaml:"voice"`
}

// OpenAIProvider implements TTS via the OpenAI TTS API.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewOpenAIProvider creates an OpenAI TTS provider.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "tts-1"
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Synthesize converts text to audio using the OpenAI TTS API.
// Returns audio in Opus format, which WhatsApp plays natively as a voice note.
func (p *OpenAIProvider) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	if voice == "" {
		voice = "nova"
	}

	// TTS has a 4096 char limit.
	if len(text) > 4096 {
		text = text[:4093] + "..."
	}

	payload := map[string]any{
		"model":           p.model,
		"input":           text,
		"voice":           voice,
		"response_format": "opus",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("tts: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("tts: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("tts: API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", fmt.Errorf("tts: API returned %d: %s", resp.StatusCode, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("tts: reading audio: %w", err)
	}

	return audio, "audio/ogg", nil
}

// ============================================================
// Fallback Provider (tries primary, falls back to secondary)
// ============================================================

// FallbackProvider tries the primary provider and falls back to the
// secondary if the primary fails. Voices are provider specific, so each
// side uses its own configured voice when the caller's is rejected.
type FallbackProvider struct {
	primary        Provider
	secondary      Provider
	primaryVoice   string
	secondaryVoice string
	logger         *slog.Logger
}

// NewFallbackProvider creates a provider that tries primary first, then secondary.
func NewFallbackProvider(primary, secondary Provider, primaryVoice, secondaryVoice string, logger *slog.Logger) *FallbackProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackProvider{
		primary:        primary,
		secondary:      secondary,
		primaryVoice:   primaryVoice,
		secondaryVoice: secondaryVoice,
		logger:         logger.With("component", "tts-fallback"),
	}
}

// Synthesize tries the primary provider, falling back to secondary on failure.
func (p *FallbackProvider) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	return p.SynthesizeModel(ctx, text, voice, "")
}

// SynthesizeModel passes model to the primary when it accepts one.
func (p *FallbackProvider) SynthesizeModel(ctx context.Context, text, voice, model string) ([]byte, string, error) {
	primaryV := voice
	if primaryV == "" {
		primaryV = p.primaryVoice
	}

	var (
		audio []byte
		mime  string
		err   error
	)
	if mp, ok := p.primary.(ModelProvider); ok && model != "" {
		audio, mime, err = mp.SynthesizeModel(ctx, text, primaryV, model)
	} else {
		audio, mime, err = p.primary.Synthesize(ctx, text, primaryV)
	}
	if err == nil {
		return audio, mime, nil
	}

	p.logger.Warn("primary TTS failed, trying fallback", "error", err)
	return p.secondary.Synthesize(ctx, text, p.secondaryVoice)
}
