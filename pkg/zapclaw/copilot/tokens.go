package copilot

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/history"
)

// perMessageOverhead approximates role and framing tokens per turn.
const perMessageOverhead = 4

// tokenCounter counts tokens with cl100k_base, loaded on first use. When
// the encoding cannot be loaded it estimates 4 characters per token.
type tokenCounter struct {
	once   sync.Once
	enc    *tiktoken.Tiktoken
	load   func() (*tiktoken.Tiktoken, error)
	logger *slog.Logger
}

func newTokenCounter(logger *slog.Logger) *tokenCounter {
	return &tokenCounter{
		load:   func() (*tiktoken.Tiktoken, error) { return tiktoken.GetEncoding("cl100k_base") },
		logger: logger,
	}
}

// Count returns the token count of text.
func (t *tokenCounter) Count(text string) int {
	t.once.Do(func() {
		if t.load == nil {
			return
		}
		enc, err := t.load()
		if err != nil {
			t.logger.Warn("tokenizer unavailable, estimating 4 chars per token", "error", err)
			return
		}
		t.enc = enc
	})
	if t.enc != nil {
		return len(t.enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

func estimateTokens(text string) int {
	n := len([]rune(text))
	return (n + 3) / 4
}

// selectContext keeps the last n turns with a valid role and non-empty
// content, in order.
func selectContext(turns []history.Turn, n int) []history.Turn {
	valid := make([]history.Turn, 0, len(turns))
	for _, t := range turns {
		if !t.Role.Valid() || strings.TrimSpace(t.Content) == "" {
			continue
		}
		valid = append(valid, t)
	}
	if n > 0 && len(valid) > n {
		valid = valid[len(valid)-n:]
	}
	return valid
}

// budgetTurns drops the oldest turns until the rest fit maxTokens.
// maxTokens <= 0 disables the budget.
func budgetTurns(turns []history.Turn, maxTokens int, count func(string) int) []history.Turn {
	if maxTokens <= 0 || len(turns) == 0 {
		return turns
	}
	sizes := make([]int, len(turns))
	total := 0
	for i, t := range turns {
		sizes[i] = count(t.Content) + perMessageOverhead
		total += sizes[i]
	}
	start := 0
	for start < len(turns) && total > maxTokens {
		total -= sizes[start]
		start++
	}
	return turns[start:]
}
