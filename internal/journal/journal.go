// Package journal persists finalized turns to SQLite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/omochice/cai-socket/pkg/protocol"
)

const defaultLimit = 200

// Entry is one finalized turn.
type Entry struct {
	ChatID        string
	TurnID        string
	CandidateID   string
	AuthorID      string
	AuthorName    string
	IsHuman       bool
	RawContent    string
	FinalizedAtMs int64
}

// EntryFromTurn records the primary candidate of t.
func EntryFromTurn(t *protocol.Turn, finalizedAtMs int64) Entry {
	e := Entry{
		ChatID:        t.TurnKey.ChatID,
		TurnID:        t.TurnKey.TurnID,
		FinalizedAtMs: finalizedAtMs,
	}
	if t.Author != nil {
		e.AuthorID = t.Author.AuthorID
		e.AuthorName = t.Author.Name
		e.IsHuman = t.Author.IsHuman
	}
	if len(t.Candidates) > 0 {
		c := t.Primary()
		e.CandidateID = c.CandidateID
		e.RawContent = c.RawContent
	}
	return e
}

// Query selects entries.
type Query struct {
	ChatID string
	Limit  int
}

// Store is a SQLite backed journal.
type Store struct {
	db *sql.DB
}

// DSNForFile returns a DSN for a journal stored at path.
func DSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("journal: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

// Open opens the journal at dsn and creates its schema.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("journal: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "journal: open")
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			chat_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			candidate_id TEXT NOT NULL,
			author_id TEXT NOT NULL DEFAULT '',
			author_name TEXT NOT NULL DEFAULT '',
			is_human INTEGER NOT NULL DEFAULT 0,
			raw_content TEXT NOT NULL DEFAULT '',
			finalized_at_ms INTEGER NOT NULL,
			PRIMARY KEY (chat_id, turn_id, candidate_id)
		);`,
		`CREATE INDEX IF NOT EXISTS turns_by_chat ON turns(chat_id, finalized_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "journal: migrate")
		}
	}
	return nil
}

// Record stores e, replacing an earlier entry for the same candidate.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if strings.TrimSpace(e.ChatID) == "" || strings.TrimSpace(e.TurnID) == "" {
		return errors.New("journal: chat id and turn id required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (chat_id, turn_id, candidate_id, author_id, author_name, is_human, raw_content, finalized_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, turn_id, candidate_id) DO UPDATE SET
			author_id = excluded.author_id,
			author_name = excluded.author_name,
			is_human = excluded.is_human,
			raw_content = excluded.raw_content,
			finalized_at_ms = excluded.finalized_at_ms
	`, e.ChatID, e.TurnID, e.CandidateID, e.AuthorID, e.AuthorName, e.IsHuman, e.RawContent, e.FinalizedAtMs)
	if err != nil {
		return errors.Wrap(err, "journal: record")
	}
	return nil
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	where := ""
	args := []any{}
	if v := strings.TrimSpace(q.ChatID); v != "" {
		where = "WHERE chat_id = ?"
		args = append(args, v)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT chat_id, turn_id, candidate_id, author_id, author_name, is_human, raw_content, finalized_at_ms
		FROM turns
		%s
		ORDER BY finalized_at_ms DESC, rowid DESC
		LIMIT ?
	`, where), args...)
	if err != nil {
		return nil, errors.Wrap(err, "journal: list")
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ChatID, &e.TurnID, &e.CandidateID, &e.AuthorID, &e.AuthorName, &e.IsHuman, &e.RawContent, &e.FinalizedAtMs); err != nil {
			return nil, errors.Wrap(err, "journal: scan")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "journal: list")
	}
	return out, nil
}
