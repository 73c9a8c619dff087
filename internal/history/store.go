// Package history is the durable conversation log.
//
// Every message survives process restarts; the step_id column doubles as the
// recovery oracle: a step id present here means the turn that produced it was
// already committed, so replaying its journal would duplicate it.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/floegence/agentloop/internal/turn"
)

// Store is a local SQLite-backed persistence layer for sessions and messages.
//
// A successful Push* return means the row is on disk (synchronous=FULL); the
// engine relies on that ordering before it prunes journal state.
type Store struct {
	db        *sql.DB
	sessionID string
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

// SessionID returns the active session id, or "" before EnsureSession.
func (s *Store) SessionID() string {
	if s == nil {
		return ""
	}
	return s.sessionID
}

// EnsureSession resumes the most recently updated session, creating one when
// the store is empty. Calling it again while a session is active is a no-op.
func (s *Store) EnsureSession(ctx context.Context, model string) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.sessionID != "" {
		return s.sessionID, nil
	}
	model = strings.TrimSpace(model)

	var id string
	err := s.db.QueryRowContext(ctx, `
SELECT session_id
FROM sessions
ORDER BY updated_at_unix_ms DESC, session_id DESC
LIMIT 1
`).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.NewSession(ctx, model)
		}
		return "", err
	}

	if model != "" {
		if _, err := s.db.ExecContext(ctx, `
UPDATE sessions SET model_id = ? WHERE session_id = ? AND model_id != ?
`, model, id, model); err != nil {
			return "", err
		}
	}
	s.sessionID = id
	return id, nil
}

// NewSession creates a fresh session and makes it active.
func (s *Store) NewSession(ctx context.Context, model string) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	id := uuid.NewString()
	now := time.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, model_id, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?)
`, id, strings.TrimSpace(model), now, now); err != nil {
		return "", err
	}
	s.sessionID = id
	return id, nil
}

// PushMessage appends a message to the active session and returns its row id.
// The row is durable when this returns.
func (s *Store) PushMessage(ctx context.Context, m turn.Message) (int64, error) {
	return s.push(ctx, m, 0)
}

// PushMessageWithStepID appends a message stamped with the stream step that
// produced it. Recovery checks the stamp via HasStepID before replaying.
func (s *Store) PushMessageWithStepID(ctx context.Context, m turn.Message, stepID turn.StepID) (int64, error) {
	if !stepID.Valid() {
		return 0, fmt.Errorf("invalid step id %d", stepID)
	}
	return s.push(ctx, m, stepID)
}

func (s *Store) push(ctx context.Context, m turn.Message, stepID turn.StepID) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.sessionID == "" {
		return 0, errors.New("no active session")
	}
	if strings.TrimSpace(string(m.Role)) == "" {
		return 0, errors.New("invalid message: missing role")
	}

	now := time.Now().UnixMilli()
	if m.CreatedAtUnixMs <= 0 {
		m.CreatedAtUnixMs = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO messages(
  session_id, role, model_name, content,
  tool_call_id, tool_name, is_error, signature,
  step_id, created_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		s.sessionID,
		string(m.Role),
		strings.TrimSpace(m.ModelName),
		m.Content,
		strings.TrimSpace(m.ToolCallID),
		strings.TrimSpace(m.ToolName),
		boolToInt(m.IsError),
		strings.TrimSpace(m.Signature),
		int64(stepID),
		m.CreatedAtUnixMs,
	)
	if err != nil {
		return 0, err
	}
	rowID, _ := res.LastInsertId()

	upd, err := tx.ExecContext(ctx, `
UPDATE sessions SET updated_at_unix_ms = ? WHERE session_id = ?
`, now, s.sessionID)
	if err != nil {
		return 0, err
	}
	n, _ := upd.RowsAffected()
	if n == 0 {
		return 0, fmt.Errorf("no session %s", s.sessionID)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rowID, nil
}

// HasStepID reports whether any persisted message carries the step id. The
// check is global across sessions; step ids are never reused.
func (s *Store) HasStepID(ctx context.Context, stepID turn.StepID) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !stepID.Valid() {
		return false, nil
	}

	var one int
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM messages WHERE step_id = ? LIMIT 1
`, int64(stepID)).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Messages returns the active session's messages in ascending order. A
// positive limit returns only the latest limit messages.
func (s *Store) Messages(ctx context.Context, limit int) ([]turn.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.sessionID == "" {
		return nil, errors.New("no active session")
	}

	q := `
SELECT role, model_name, content, tool_call_id, tool_name, is_error, signature, step_id, created_at_unix_ms
FROM messages
WHERE session_id = ?
ORDER BY id DESC
`
	args := []any{s.sessionID}
	if limit > 0 {
		q += "LIMIT ?\n"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tmp := make([]turn.Message, 0, 16)
	for rows.Next() {
		var m turn.Message
		var role string
		var isError int
		var stepID int64
		if err := rows.Scan(&role, &m.ModelName, &m.Content, &m.ToolCallID, &m.ToolName, &isError, &m.Signature, &stepID, &m.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		m.Role = turn.Role(role)
		m.IsError = isError != 0
		m.StepID = turn.StepID(stepID)
		tmp = append(tmp, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to ASC order.
	out := make([]turn.Message, 0, len(tmp))
	for i := len(tmp) - 1; i >= 0; i-- {
		out = append(out, tmp[i])
	}
	return out, nil
}

func (s *Store) MessageCount(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.sessionID == "" {
		return 0, errors.New("no active session")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM messages WHERE session_id = ?
`, s.sessionID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// PopIfLast removes the message with rowID only when it is still the newest
// row in the active session, and returns it. Anything pushed after it, a
// wrong id, or an empty session leaves history untouched.
//
// The engine uses this to roll back a queued user message when streaming
// fails to start.
func (s *Store) PopIfLast(ctx context.Context, rowID int64) (turn.Message, bool, error) {
	if s == nil || s.db == nil {
		return turn.Message{}, false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.sessionID == "" {
		return turn.Message{}, false, errors.New("no active session")
	}
	if rowID <= 0 {
		return turn.Message{}, false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return turn.Message{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var m turn.Message
	var lastID int64
	var role string
	var isError int
	var stepID int64
	err = tx.QueryRowContext(ctx, `
SELECT id, role, model_name, content, tool_call_id, tool_name, is_error, signature, step_id, created_at_unix_ms
FROM messages
WHERE session_id = ?
ORDER BY id DESC
LIMIT 1
`, s.sessionID).Scan(&lastID, &role, &m.ModelName, &m.Content, &m.ToolCallID, &m.ToolName, &isError, &m.Signature, &stepID, &m.CreatedAtUnixMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return turn.Message{}, false, nil
		}
		return turn.Message{}, false, err
	}
	if lastID != rowID {
		return turn.Message{}, false, nil
	}
	m.Role = turn.Role(role)
	m.IsError = isError != 0
	m.StepID = turn.StepID(stepID)

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, rowID); err != nil {
		return turn.Message{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return turn.Message{}, false, err
	}
	return m, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	// Push* must not return before the row is on disk.
	if _, err := db.Exec(`PRAGMA synchronous=FULL;`); err != nil {
		return fmt.Errorf("pragma synchronous: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  model_id TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  role TEXT NOT NULL,
  model_name TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL,
  tool_call_id TEXT NOT NULL DEFAULT '',
  tool_name TEXT NOT NULL DEFAULT '',
  is_error INTEGER NOT NULL DEFAULT 0,
  signature TEXT NOT NULL DEFAULT '',
  step_id INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id ASC);
CREATE INDEX IF NOT EXISTS idx_messages_step ON messages(step_id) WHERE step_id != 0;
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
