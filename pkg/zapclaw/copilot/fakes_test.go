package copilot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/channels"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/email"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedLLM returns its responses in order and records every request.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*LLMResponse
	err       error
	calls     [][]chatMessage
	tools     [][]ToolDefinition
}

func (s *scriptedLLM) CompleteWithTools(_ context.Context, messages []chatMessage, tools []ToolDefinition) (*LLMResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]chatMessage(nil), messages...))
	s.tools = append(s.tools, tools)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return resp, nil
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func toolCall(id, name, args string) ToolCall {
	return ToolCall{ID: id, Type: "function", Function: FunctionCall{Name: name, Arguments: args}}
}

type fakeSpeech struct {
	mu     sync.Mutex
	texts  []string
	voices []string
	models []string
	audio  []byte
	err    error
}

func (f *fakeSpeech) Synthesize(_ context.Context, text, voice string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.voices = append(f.voices, voice)
	if f.err != nil {
		return nil, "", f.err
	}
	audio := f.audio
	if audio == nil {
		audio = []byte("ogg-bytes")
	}
	return audio, "audio/ogg; codecs=opus", nil
}

func (f *fakeSpeech) SynthesizeModel(ctx context.Context, text, voice, model string) ([]byte, string, error) {
	f.mu.Lock()
	f.models = append(f.models, model)
	f.mu.Unlock()
	return f.Synthesize(ctx, text, voice)
}

type fakeMail struct {
	mu   sync.Mutex
	sent []email.Message
	err  error
}

func (f *fakeMail) Send(_ context.Context, msg email.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.err != nil {
		return "", f.err
	}
	return "email-1", nil
}

func (f *fakeMail) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeLink records every outbound operation as a short string.
type fakeLink struct {
	mu       sync.Mutex
	ready    bool
	ops      []string
	sendErr  error
	media    []byte
	mediaErr error
	// readyAfter flips ready off once this many sends have happened.
	readyAfter int
	sends      int
}

func newFakeLink() *fakeLink { return &fakeLink{ready: true, readyAfter: -1} }

func (f *fakeLink) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeLink) record(op string) {
	f.ops = append(f.ops, op)
}

func (f *fakeLink) afterSend() {
	f.sends++
	if f.readyAfter >= 0 && f.sends >= f.readyAfter {
		f.ready = false
	}
}

func (f *fakeLink) SendText(_ context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.record("text:" + chatID + ":" + text)
	f.afterSend()
	return nil
}

func (f *fakeLink) SendAudio(_ context.Context, chatID string, audio []byte, mimeType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.record("audio:" + chatID + ":" + string(audio))
	f.afterSend()
	return nil
}

func (f *fakeLink) SendPresence(_ context.Context, chatID string, p channels.Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("presence:" + string(p))
	return nil
}

func (f *fakeLink) Revoke(_ context.Context, chatID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("revoke:" + chatID + ":" + messageID)
	return nil
}

func (f *fakeLink) DownloadMedia(context.Context, *channels.IncomingMessage) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.media, f.mediaErr
}

func (f *fakeLink) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeLink) sent() []string {
	var out []string
	for _, op := range f.snapshot() {
		if strings.HasPrefix(op, "text:") || strings.HasPrefix(op, "audio:") {
			out = append(out, op)
		}
	}
	return out
}
