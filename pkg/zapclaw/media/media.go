// Package media turns inbound images, videos and voice notes into text the
// agent can reason about, using Gemini as the description service.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

// ErrUnsupported is returned for MIME types the describer does not accept.
var ErrUnsupported = errors.New("media: unsupported mime type")

// ErrTooLarge is returned when the payload exceeds the configured limit.
var ErrTooLarge = errors.New("media: payload too large")

// Describer produces a natural-language description of a binary payload.
type Describer interface {
	Describe(ctx context.Context, mimeType string, data []byte) (string, error)
}

// supportedMimeTypes is the set Gemini accepts inline.
var supportedMimeTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"image/heic": true,
	"image/heif": true,

	"video/mp4":   true,
	"video/mpeg":  true,
	"video/mov":   true,
	"video/avi":   true,
	"video/x-flv": true,
	"video/mpg":   true,
	"video/webm":  true,
	"video/wmv":   true,
	"video/3gpp":  true,

	"audio/mpeg": true,
	"audio/mp3":  true,
	"audio/wav":  true,
	"audio/aac":  true,
	"audio/ogg":  true,
	"audio/flac": true,
	"audio/amr":  true,
	"audio/aiff": true,
}

// NormalizeMimeType lowercases the type and strips parameters, so
// "audio/ogg; codecs=opus" becomes "audio/ogg".
func NormalizeMimeType(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// Supported reports whether the (normalized) MIME type can be described.
func Supported(mimeType string) bool {
	return supportedMimeTypes[NormalizeMimeType(mimeType)]
}

// DefaultPrompt asks for a description complete enough that another model
// can understand the file without seeing it.
const DefaultPrompt = `You are the eyes and ears of an AI assistant. Analyze the attached file and write a detailed textual description of its content in Brazilian Portuguese.
- For an image, describe what you see in detail (objects, people, setting, colors, visible text).
- For audio, give a clean transcription of any speech. Describe non-speech sounds in parentheses, like (music) or (applause).
- For a video, describe the scenes and visual actions and transcribe any spoken words.
The description must be complete and clear so another AI understands the full context of the file without accessing it.`

// Config configures the describer.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Prompt   string        `yaml:"prompt"`
	MaxBytes int64         `yaml:"max_bytes"`
	Timeout  time.Duration `yaml:"timeout"`

	// VoiceReplyDirective is prepended to the block built for audio and
	// video so the model answers with a voice note.
	VoiceReplyDirective string `yaml:"voice_reply_directive"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		Model:               "gemini-2.5-flash",
		Prompt:              DefaultPrompt,
		MaxBytes:            20 * 1024 * 1024,
		Timeout:             90 * time.Second,
		VoiceReplyDirective: "[ATTENTION: the customer sent %s. You MUST reply using the text_to_speech tool]",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.Prompt == "" {
		c.Prompt = d.Prompt
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = d.MaxBytes
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.VoiceReplyDirective == "" {
		c.VoiceReplyDirective = d.VoiceReplyDirective
	}
}

// contentGenerator is the slice of the genai client the describer uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiDescriber implements Describer with the Gemini API.
type GeminiDescriber struct {
	cfg    Config
	models contentGenerator
	logger *slog.Logger
}

// NewGeminiDescriber creates a describer backed by the Gemini API.
func NewGeminiDescriber(ctx context.Context, cfg Config, logger *slog.Logger) (*GeminiDescriber, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("media: gemini api key not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("media: creating gemini client: %w", err)
	}
	return newDescriber(cfg, client.Models, logger), nil
}

func newDescriber(cfg Config, models contentGenerator, logger *slog.Logger) *GeminiDescriber {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &GeminiDescriber{
		cfg:    cfg,
		models: models,
		logger: logger.With("component", "media"),
	}
}

// Describe sends the prompt and the inline payload to Gemini.
func (g *GeminiDescriber) Describe(ctx context.Context, mimeType string, data []byte) (string, error) {
	mt := NormalizeMimeType(mimeType)
	if !supportedMimeTypes[mt] {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, mimeType)
	}
	if int64(len(data)) > g.cfg.MaxBytes {
		return "", fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), g.cfg.MaxBytes)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(g.cfg.Prompt),
			genai.NewPartFromBytes(data, mt),
		}, genai.RoleUser),
	}
	resp, err := g.models.GenerateContent(ctx, g.cfg.Model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("media: gemini request: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("media: gemini returned no text")
	}
	g.logger.Info("media described",
		"mime", mt,
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds())
	return text, nil
}

// Kind labels an inbound media message for the agent.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindAudio Kind = "audio file"
	KindVoice Kind = "voice message"
	KindOther Kind = "media"
)

// KindFor resolves the label from the message type, falling back to the
// MIME family.
func KindFor(messageType string, voice bool, mimeType string) Kind {
	switch messageType {
	case "image":
		return KindImage
	case "video":
		return KindVideo
	case "audio":
		if voice {
			return KindVoice
		}
		return KindAudio
	}
	mt := NormalizeMimeType(mimeType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return KindImage
	case strings.HasPrefix(mt, "video/"):
		return KindVideo
	case strings.HasPrefix(mt, "audio/"):
		return KindAudio
	}
	return KindOther
}

// Input describes one inbound media message.
type Input struct {
	Kind        Kind
	MimeType    string
	Caption     string
	Description string
}

// Block renders the text handed to the accumulator in place of the media.
// Audio and video get the voice-reply directive on top.
func (c Config) Block(in Input) string {
	var lines []string
	if c.VoiceReplyDirective != "" {
		switch in.Kind {
		case KindAudio, KindVoice:
			lines = append(lines, fmt.Sprintf(c.VoiceReplyDirective, "AUDIO"))
		case KindVideo:
			lines = append(lines, fmt.Sprintf(c.VoiceReplyDirective, "VIDEO"))
		}
	}
	lines = append(lines, fmt.Sprintf("The user sent a media of type %s.", in.Kind))
	if mt := NormalizeMimeType(in.MimeType); mt != "" {
		lines = append(lines, "MIME type: "+mt)
	}
	if in.Caption != "" {
		lines = append(lines, "Caption provided by the user: "+in.Caption)
	}
	if in.Description != "" {
		lines = append(lines, "Detailed description of the media (generated automatically):")
		lines = append(lines, in.Description)
	} else {
		lines = append(lines, "Could not generate an automatic description for this media.")
	}
	return strings.Join(lines, "\n")
}
