// Package sessionstore is the SQLite-backed persistence layer for agent
// sessions and their message history.
//
// Notes:
// - WAL is enabled so status polls can read while a run is appending.
// - One writer connection; the engine serializes writes per session anyway.
package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/floegence/webpilot-agent/internal/engine"
)

const contextMessageLimit = 200

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'idle',
  last_target TEXT NOT NULL DEFAULT '',
  summary TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  tool_calls_json TEXT NOT NULL DEFAULT '',
  tool_call_id TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func nowMs() int64 { return time.Now().UnixMilli() }

// EnsureSession creates the session row if it does not exist.
func (s *Store) EnsureSession(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing session id")
	}
	now := nowMs()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (session_id, created_at_unix_ms, updated_at_unix_ms)
VALUES (?, ?, ?)
ON CONFLICT(session_id) DO NOTHING`, id, now, now)
	return err
}

func (s *Store) GetMeta(ctx context.Context, id string) (engine.SessionMeta, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, title, status, created_at_unix_ms, updated_at_unix_ms
FROM sessions WHERE session_id = ?`, strings.TrimSpace(id))
	var meta engine.SessionMeta
	var status string
	if err := row.Scan(&meta.ID, &meta.Title, &status, &meta.Created, &meta.Updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return engine.SessionMeta{}, fmt.Errorf("no such session: %s", id)
		}
		return engine.SessionMeta{}, err
	}
	meta.Status = engine.RunStatus(status)
	return meta, nil
}

func (s *Store) AppendMessage(ctx context.Context, id string, msg engine.Message) error {
	if err := s.EnsureSession(ctx, id); err != nil {
		return err
	}
	toolCalls := ""
	if len(msg.ToolCalls) > 0 {
		encoded, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = string(encoded)
	}
	now := nowMs()
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO messages (session_id, role, content, tool_calls_json, tool_call_id, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(id), msg.Role, msg.Content, toolCalls, msg.ToolCallID, now); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at_unix_ms = ? WHERE session_id = ?`, now, strings.TrimSpace(id))
	return err
}

// BuildSessionContext loads the model-facing window: the stored summary of
// anything compacted away plus the most recent messages in order.
func (s *Store) BuildSessionContext(ctx context.Context, id string) (engine.SessionContext, error) {
	id = strings.TrimSpace(id)
	var summary string
	if err := s.db.QueryRowContext(ctx, `SELECT summary FROM sessions WHERE session_id = ?`, id).Scan(&summary); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return engine.SessionContext{}, err
		}
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT role, content, tool_calls_json, tool_call_id FROM (
  SELECT id, role, content, tool_calls_json, tool_call_id
  FROM messages WHERE session_id = ?
  ORDER BY id DESC LIMIT ?
) ORDER BY id ASC`, id, contextMessageLimit)
	if err != nil {
		return engine.SessionContext{}, err
	}
	defer rows.Close()

	var messages []engine.Message
	for rows.Next() {
		var role, content, toolCalls, toolCallID string
		if err := rows.Scan(&role, &content, &toolCalls, &toolCallID); err != nil {
			return engine.SessionContext{}, err
		}
		msg := engine.Message{Role: role, Content: content, ToolCallID: toolCallID}
		if strings.TrimSpace(toolCalls) != "" {
			if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
				return engine.SessionContext{}, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return engine.SessionContext{}, err
	}
	return engine.SessionContext{Messages: messages, PreviousSummary: summary}, nil
}

func (s *Store) SetTitle(ctx context.Context, id string, title string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET title = ?, updated_at_unix_ms = ? WHERE session_id = ?`,
		strings.TrimSpace(title), nowMs(), strings.TrimSpace(id))
	return err
}

func (s *Store) SetStatus(ctx context.Context, id string, status engine.RunStatus) error {
	if err := s.EnsureSession(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at_unix_ms = ? WHERE session_id = ?`,
		string(status), nowMs(), strings.TrimSpace(id))
	return err
}

func (s *Store) SetSummary(ctx context.Context, id string, summary string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET summary = ?, updated_at_unix_ms = ? WHERE session_id = ?`,
		summary, nowMs(), strings.TrimSpace(id))
	return err
}

// LastUsedTarget and SetLastUsedTarget persist the planner's default target
// per session. Lookup failures read as "no default".
func (s *Store) LastUsedTarget(sessionID string) string {
	var target string
	err := s.db.QueryRow(`SELECT last_target FROM sessions WHERE session_id = ?`, strings.TrimSpace(sessionID)).Scan(&target)
	if err != nil {
		return ""
	}
	return target
}

func (s *Store) SetLastUsedTarget(sessionID string, targetID string) {
	_, _ = s.db.Exec(`UPDATE sessions SET last_target = ?, updated_at_unix_ms = ? WHERE session_id = ?`,
		strings.TrimSpace(targetID), nowMs(), strings.TrimSpace(sessionID))
}
