// Package email sends transactional email on behalf of the agent through
// Resend.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/resend/resend-go/v2"
)

// Message is one outbound email. HTML is required; the plain-text part is
// derived from it.
type Message struct {
	To      string
	Subject string
	HTML    string
	From    string
}

// Sender delivers an email and returns the provider-assigned id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// Config configures the Resend client.
type Config struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// From is the default sender when the message has none.
	From string `yaml:"from"`
}

// DefaultConfig returns the Resend endpoint and its shared test sender.
func DefaultConfig() Config {
	return Config{
		BaseURL: "https://api.resend.com",
		From:    "onboarding@resend.dev",
	}
}

// ResendSender implements Sender against the Resend API.
type ResendSender struct {
	cfg    Config
	client *resend.Client
	logger *slog.Logger
}

// NewResendSender creates a Resend client.
func NewResendSender(cfg Config, logger *slog.Logger) *ResendSender {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.BaseURL
	}
	if cfg.From == "" {
		cfg.From = d.From
	}

	client := resend.NewCustomClient(&http.Client{Timeout: 30 * time.Second}, cfg.APIKey)
	// Request paths are relative, so the base needs its trailing slash.
	if base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/"); err == nil {
		client.BaseURL = base
	} else {
		logger.Warn("email: invalid base url, using the default", "base_url", cfg.BaseURL, "error", err)
	}
	return &ResendSender{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "email"),
	}
}

// Validate checks the required fields and the recipient address.
func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("email: recipient is required")
	}
	if _, err := mail.ParseAddress(m.To); err != nil {
		return fmt.Errorf("email: invalid recipient %q: %w", m.To, err)
	}
	if strings.TrimSpace(m.Subject) == "" {
		return fmt.Errorf("email: subject is required")
	}
	if strings.TrimSpace(m.HTML) == "" {
		return fmt.Errorf("email: html body is required")
	}
	return nil
}

// Send posts the email to Resend.
func (s *ResendSender) Send(ctx context.Context, msg Message) (string, error) {
	if s.cfg.APIKey == "" {
		return "", fmt.Errorf("email: resend api key not configured")
	}
	if err := msg.Validate(); err != nil {
		return "", err
	}
	from := msg.From
	if from == "" {
		from = s.cfg.From
	}

	s.logger.Info("sending email", "to", msg.To)
	sent, err := s.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    PlainText(msg.HTML),
	})
	if err != nil {
		return "", fmt.Errorf("email: resend: %w", err)
	}
	s.logger.Info("email sent", "to", msg.To, "id", sent.Id)
	return sent.Id, nil
}

// PlainText renders the HTML body as Markdown for the text alternative.
// Falls back to an empty string so the provider derives its own.
func PlainText(html string) string {
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(md)
}
