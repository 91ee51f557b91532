package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileStore keeps every conversation in one JSON object keyed by
// conversation id, rewritten whole on each mutation.
type FileStore struct {
	path     string
	maxTurns int
	logger   *slog.Logger

	mu   sync.Mutex
	data map[string][]Turn
}

// NewFileStore loads path if it exists. A corrupt file is logged and
// replaced on the next write.
func NewFileStore(path string, maxTurns int, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	s := &FileStore{
		path:     path,
		maxTurns: maxTurns,
		logger:   logger.With("component", "history"),
		data:     make(map[string][]Turn),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.Info("no conversation history file, starting fresh", "path", s.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		s.logger.Error("conversation history unreadable, starting fresh", "path", s.path, "error", err)
		s.data = make(map[string][]Turn)
		return nil
	}
	if s.data == nil {
		s.data = make(map[string][]Turn)
	}
	s.logger.Info("conversation history loaded", "conversations", len(s.data))
	return nil
}

// save writes data via a temp file and rename. Caller holds mu and only
// adopts data once the write succeeded.
func (s *FileStore) save(data map[string][]Turn) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating history dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".threads-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing history file: %w", err)
	}
	return nil
}

func (s *FileStore) Append(_ context.Context, conversationID string, turns ...Turn) error {
	if conversationID == "" {
		return fmt.Errorf("empty conversation id")
	}
	if len(turns) == 0 {
		return nil
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	list := append([]Turn(nil), s.data[conversationID]...)
	for _, t := range turns {
		list = append(list, prepare(t, now))
	}
	next := maps.Clone(s.data)
	next[conversationID] = trimTurns(list, s.maxTurns)
	if err := s.save(next); err != nil {
		return err
	}
	s.data = next
	return nil
}

func (s *FileStore) Recent(_ context.Context, conversationID string, n int) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.data[conversationID]
	if n > 0 && len(list) > n {
		list = list[len(list)-n:]
	}
	out := make([]Turn, len(list))
	for i, t := range list {
		t.Content = Sanitize(t.Content)
		out[i] = t
	}
	return out, nil
}

func (s *FileStore) Clear(_ context.Context, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[conversationID]; !ok {
		return false, nil
	}
	next := maps.Clone(s.data)
	delete(next, conversationID)
	if err := s.save(next); err != nil {
		return true, err
	}
	s.data = next
	return true, nil
}

func (s *FileStore) Stats(context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Conversations: len(s.data)}
	for id, list := range s.data {
		cs := ContactStats{ConversationID: id, TurnCount: len(list)}
		if len(list) > 0 {
			cs.LastActivity = list[len(list)-1].CreatedAt
		}
		st.Turns += len(list)
		st.Contacts = append(st.Contacts, cs)
	}
	sortContacts(st.Contacts)
	return st, nil
}

func (s *FileStore) Close() error { return nil }

// sortContacts orders by most recent activity first.
func sortContacts(c []ContactStats) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].LastActivity.Equal(c[j].LastActivity) {
			return c[i].ConversationID < c[j].ConversationID
		}
		return c[i].LastActivity.After(c[j].LastActivity)
	})
}
