// Package history persists the per-contact conversation log the agent uses
// as context. Each conversation is an ordered list of turns trimmed to the
// most recent N on every write. Binary payloads never reach storage.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// DefaultMaxTurns is how many turns a conversation keeps.
const DefaultMaxTurns = 50

// Placeholders used in place of audio when summarizing structured replies.
const (
	AudioPlaceholder    = "[Audio sent]"
	audioCaptionPrefix  = "[Audio]: "
	omittedAudioPayload = "[omitted]"
)

// Turn is one immutable conversation entry.
type Turn struct {
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTurn creates a turn with a fresh id.
func NewTurn(role Role, content string, at time.Time) Turn {
	return Turn{ID: uuid.NewString(), Role: role, Content: content, CreatedAt: at}
}

// ContactStats summarizes one conversation.
type ContactStats struct {
	ConversationID string    `json:"conversation_id"`
	TurnCount      int       `json:"turn_count"`
	LastActivity   time.Time `json:"last_activity,omitempty"`
}

// Stats summarizes the whole store.
type Stats struct {
	Conversations int            `json:"conversations"`
	Turns         int            `json:"turns"`
	Contacts      []ContactStats `json:"contacts"`
}

// Store is the conversation log.
type Store interface {
	// Append adds turns to the end of a conversation, sanitizing their
	// content and trimming the oldest beyond the limit.
	Append(ctx context.Context, conversationID string, turns ...Turn) error

	// Recent returns up to n of the newest turns in chronological order.
	// n <= 0 returns the whole conversation.
	Recent(ctx context.Context, conversationID string, n int) ([]Turn, error)

	// Clear deletes a conversation. Reports whether anything was removed.
	Clear(ctx context.Context, conversationID string) (bool, error)

	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Config selects and configures the history backend.
type Config struct {
	// Backend is "file" (flat JSON map) or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the JSON file or SQLite database path.
	Path string `yaml:"path"`

	// MaxTurns is the per-conversation limit.
	MaxTurns int `yaml:"max_turns"`
}

// DefaultConfig returns the flat-file backend at ./data/threads.json.
func DefaultConfig() Config {
	return Config{
		Backend:  "file",
		Path:     "./data/threads.json",
		MaxTurns: DefaultMaxTurns,
	}
}

// Open creates the configured store.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	switch strings.ToLower(cfg.Backend) {
	case "", "file", "json":
		return NewFileStore(cfg.Path, cfg.MaxTurns, logger)
	case "sqlite", "sqlite3":
		return NewSQLiteStore(cfg.Path, cfg.MaxTurns, logger)
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}

var audioBase64Pattern = regexp.MustCompile(`("audio_base64"\s*:\s*")[^"]+"`)

// Sanitize strips embedded audio from stored content. Structured replies
// ({"messages":[...]}) become a readable summary; anything else that still
// carries an audio_base64 field has the blob replaced by a marker.
func Sanitize(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || !strings.Contains(trimmed, "audio_base64") {
		return trimmed
	}

	if summary, ok := summarizeStructured(trimmed); ok {
		return summary
	}
	return audioBase64Pattern.ReplaceAllString(trimmed, `${1}`+omittedAudioPayload+`"`)
}

type structuredReply struct {
	Messages []struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		Caption string `json:"caption"`
	} `json:"messages"`
}

func summarizeStructured(s string) (string, bool) {
	var reply structuredReply
	if err := json.Unmarshal([]byte(s), &reply); err != nil || reply.Messages == nil {
		return "", false
	}
	var parts []string
	for _, m := range reply.Messages {
		switch m.Type {
		case "text":
			if t := strings.TrimSpace(m.Text); t != "" {
				parts = append(parts, t)
			}
		case "audio":
			parts = append(parts, AudioSummary(m.Caption))
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

// AudioSummary is the history text for an audio part.
func AudioSummary(caption string) string {
	if c := strings.TrimSpace(caption); c != "" {
		return audioCaptionPrefix + c
	}
	return AudioPlaceholder
}

// trimTurns keeps the newest max turns.
func trimTurns(turns []Turn, max int) []Turn {
	if max > 0 && len(turns) > max {
		return append([]Turn(nil), turns[len(turns)-max:]...)
	}
	return turns
}

func prepare(t Turn, now time.Time) Turn {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.Content = Sanitize(t.Content)
	return t
}
