package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS turns (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, seq);
`

// SQLiteStore keeps turns in a single SQLite table.
type SQLiteStore struct {
	db       *sql.DB
	maxTurns int
	logger   *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string, maxTurns int, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating history dir: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// Single writer keeps trims and appends serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	return &SQLiteStore{db: db, maxTurns: maxTurns, logger: logger.With("component", "history")}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, conversationID string, turns ...Turn) error {
	if conversationID == "" {
		return fmt.Errorf("empty conversation id")
	}
	if len(turns) == 0 {
		return nil
	}
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, t := range turns {
		t = prepare(t, now)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turns (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			t.ID, conversationID, string(t.Role), t.Content, t.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM turns
		WHERE conversation_id = ?
		  AND seq NOT IN (
			SELECT seq FROM turns WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		  )`, conversationID, conversationID, s.maxTurns); err != nil {
		return fmt.Errorf("trim turns: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) Recent(ctx context.Context, conversationID string, n int) ([]Turn, error) {
	limit := n
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created_at FROM (
			SELECT seq, id, role, content, created_at FROM turns
			WHERE conversation_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t    Turn
			role string
			ms   int64
		)
		if err := rows.Scan(&t.ID, &role, &t.Content, &ms); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = Role(role)
		t.CreatedAt = time.UnixMilli(ms)
		t.Content = Sanitize(t.Content)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Clear(ctx context.Context, conversationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return false, fmt.Errorf("clear conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, COUNT(*), MAX(created_at)
		FROM turns GROUP BY conversation_id`)
	if err != nil {
		return Stats{}, fmt.Errorf("history stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var (
			cs ContactStats
			ms int64
		)
		if err := rows.Scan(&cs.ConversationID, &cs.TurnCount, &ms); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		cs.LastActivity = time.UnixMilli(ms)
		st.Conversations++
		st.Turns += cs.TurnCount
		st.Contacts = append(st.Contacts, cs)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	sortContacts(st.Contacts)
	return st, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
