package history

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSanitize(t *testing.T) {
	t.Run("plain text untouched", func(t *testing.T) {
		assert.Equal(t, "oi, tudo bem?", Sanitize("  oi, tudo bem?  "))
	})

	t.Run("structured reply becomes summary", func(t *testing.T) {
		in := `{"messages":[{"type":"text","text":"Olha só"},{"type":"audio","audio_base64":"T2dnUwACAAAAAAAA","caption":"resumo"},{"type":"audio","audio_base64":"AAAA"}]}`
		out := Sanitize(in)
		assert.Equal(t, "Olha só\n[Audio]: resumo\n[Audio sent]", out)
		assert.NotContains(t, out, "T2dnUwACAAAAAAAA")
	})

	t.Run("non structured blob is masked", func(t *testing.T) {
		in := `tool said {"audio_base64": "T2dnUwACAAAAAAAA", "ok": true}`
		out := Sanitize(in)
		assert.NotContains(t, out, "T2dnUwACAAAAAAAA")
		assert.Contains(t, out, `"audio_base64": "[omitted]"`)
	})
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "threads.json")

	s, err := NewFileStore(path, 3, testLogger())
	require.NoError(t, err)

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := range 5 {
		require.NoError(t, s.Append(ctx, "a", NewTurn(RoleUser, strings.Repeat("x", i+1), base.Add(time.Duration(i)*time.Minute))))
	}

	turns, err := s.Recent(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, turns, 3, "trimmed to max turns")
	assert.Equal(t, "xxx", turns[0].Content, "oldest dropped first")
	assert.Equal(t, "xxxxx", turns[2].Content)

	last, err := s.Recent(ctx, "a", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "xxxxx", last[0].Content)

	t.Run("persists across reopen", func(t *testing.T) {
		reopened, err := NewFileStore(path, 3, testLogger())
		require.NoError(t, err)
		turns, err := reopened.Recent(ctx, "a", 0)
		require.NoError(t, err)
		assert.Len(t, turns, 3)
	})

	t.Run("audio never persisted", func(t *testing.T) {
		require.NoError(t, s.Append(ctx, "b", NewTurn(RoleAssistant,
			`{"messages":[{"type":"audio","audio_base64":"SECRETBLOB"}]}`, base)))
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "SECRETBLOB")

		turns, err := s.Recent(ctx, "b", 0)
		require.NoError(t, err)
		assert.Equal(t, AudioPlaceholder, turns[0].Content)
	})

	t.Run("stats", func(t *testing.T) {
		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, st.Conversations)
		assert.Equal(t, 4, st.Turns)
		require.Len(t, st.Contacts, 2)
		assert.Equal(t, "a", st.Contacts[0].ConversationID, "most recent activity first")
	})

	t.Run("clear", func(t *testing.T) {
		ok, err := s.Clear(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Clear(ctx, "a")
		require.NoError(t, err)
		assert.False(t, ok)

		turns, err := s.Recent(ctx, "a", 0)
		require.NoError(t, err)
		assert.Empty(t, turns)
	})

	t.Run("corrupt file starts fresh", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o600))
		s, err := NewFileStore(bad, 3, testLogger())
		require.NoError(t, err)
		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, st.Conversations)
	})
}

func TestFileStoreFailedWriteKeepsMemory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(filepath.Join(dir, "threads.json"), 10, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, "a", NewTurn(RoleUser, "oi", time.Now())))

	// A regular file where the directory should be makes every write fail.
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	s.path = filepath.Join(blocker, "threads.json")

	assert.Error(t, s.Append(ctx, "a", NewTurn(RoleAssistant, "olá", time.Now())))
	assert.Error(t, s.Append(ctx, "b", NewTurn(RoleUser, "novo", time.Now())))
	_, err = s.Clear(ctx, "a")
	assert.Error(t, err)

	turns, err := s.Recent(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "oi", turns[0].Content)
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Conversations)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), 3, testLogger())
	require.NoError(t, err)
	defer s.Close()

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := range 4 {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		require.NoError(t, s.Append(ctx, "c", NewTurn(role, string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))))
	}

	turns, err := s.Recent(ctx, "c", 0)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, []string{"b", "c", "d"}, []string{turns[0].Content, turns[1].Content, turns[2].Content})
	assert.Equal(t, RoleAssistant, turns[0].Role)
	assert.True(t, turns[2].CreatedAt.Equal(base.Add(3*time.Second)))

	two, err := s.Recent(ctx, "c", 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, "c", two[0].Content)

	require.NoError(t, s.Append(ctx, "d", NewTurn(RoleAssistant, `{"messages":[{"type":"audio","audio_base64":"BLOB"}]}`, base)))
	d, err := s.Recent(ctx, "d", 0)
	require.NoError(t, err)
	assert.Equal(t, AudioPlaceholder, d[0].Content)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Conversations)
	assert.Equal(t, 4, st.Turns)

	ok, err := s.Clear(ctx, "c")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Clear(ctx, "c")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpen(t *testing.T) {
	_, err := Open(Config{Backend: "mongo"}, testLogger())
	assert.Error(t, err)

	s, err := Open(Config{Backend: "file", Path: filepath.Join(t.TempDir(), "h.json")}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
}
