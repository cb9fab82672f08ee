package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mindhaven/backend/internal/model/chat"
	"github.com/mindhaven/backend/internal/model/memory"
	"github.com/mindhaven/backend/internal/model/workflow"
)

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL keeps concurrent session runs from serializing on the file.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_idle ON sessions(updated_at) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		analysis_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

	CREATE TABLE IF NOT EXISTS memories (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id TEXT NOT NULL,
		step TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		completed_at INTEGER NOT NULL,
		PRIMARY KEY (run_id, step)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// CreateSession provisions an active session owned by userID.
func (s *SQLiteStore) CreateSession(ctx context.Context, userID string) (chat.Session, error) {
	now := time.Now().UTC()
	session := chat.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    chat.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.UserID, string(session.Status), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return chat.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, created_at, updated_at FROM sessions WHERE id = ?`, sessionID)

	var session chat.Session
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&session.ID, &session.UserID, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return chat.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("scan session row: %w", err)
	}

	session.Status = chat.Status(status)
	session.CreatedAt = time.Unix(0, createdAt).UTC()
	session.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return session, nil
}

// AppendExchange atomically appends the message pair in one transaction.
func (s *SQLiteStore) AppendExchange(ctx context.Context, sessionID string, user, assistant chat.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin exchange tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return ErrSessionNotFound
	}

	// Replayed run: the pair is already on disk.
	var dup int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages WHERE id = ?`, user.ID).Scan(&dup); err != nil {
		return fmt.Errorf("check duplicate message: %w", err)
	}
	if dup > 0 {
		return nil
	}

	for _, msg := range []chat.Message{user, assistant} {
		var analysisJSON sql.NullString
		if msg.Analysis != nil {
			raw, err := json.Marshal(msg.Analysis)
			if err != nil {
				return fmt.Errorf("marshal analysis: %w", err)
			}
			analysisJSON = sql.NullString{String: string(raw), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, role, content, analysis_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			msg.ID, sessionID, msg.Role, msg.Content, analysisJSON, msg.CreatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert %s message: %w", msg.Role, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		assistant.CreatedAt.UnixNano(), sessionID,
	); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit exchange: %w", err)
	}
	return nil
}

// History returns all messages of a session in insertion order.
func (s *SQLiteStore) History(ctx context.Context, sessionID string) ([]chat.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, analysis_json, created_at FROM messages WHERE session_id = ? ORDER BY seq`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0, 16)
	for rows.Next() {
		var msg chat.Message
		var analysisJSON sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &analysisJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.SessionID = sessionID
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		if analysisJSON.Valid {
			var analysis chat.Analysis
			if err := json.Unmarshal([]byte(analysisJSON.String), &analysis); err != nil {
				return nil, fmt.Errorf("unmarshal analysis: %w", err)
			}
			msg.Analysis = &analysis
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CloseSession marks a session closed.
func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(chat.StatusClosed), time.Now().UTC().UnixNano(), sessionID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close session result: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// CloseIdleSessions closes active sessions not updated since idleBefore.
func (s *SQLiteStore) CloseIdleSessions(ctx context.Context, idleBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE status = ? AND updated_at < ?`,
		string(chat.StatusClosed), string(chat.StatusActive), idleBefore.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("close idle sessions: %w", err)
	}
	return res.RowsAffected()
}

// LoadMemory returns the stored memory or the empty default.
func (s *SQLiteStore) LoadMemory(ctx context.Context, userID, sessionID string) (memory.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload_json FROM memories WHERE user_id = ? AND session_id = ?`, userID, sessionID)

	var payload string
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return memory.Empty(), nil
	}
	if err != nil {
		return memory.Memory{}, fmt.Errorf("scan memory row: %w", err)
	}

	var m memory.Memory
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return memory.Memory{}, fmt.Errorf("unmarshal memory: %w", err)
	}
	return m, nil
}

// SaveMemory overwrites the stored memory for (userID, sessionID).
func (s *SQLiteStore) SaveMemory(ctx context.Context, userID, sessionID string, m memory.Memory) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (user_id, session_id, payload_json, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, session_id) DO UPDATE SET payload_json = excluded.payload_json, updated_at = excluded.updated_at`,
		userID, sessionID, string(payload), time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}
	return nil
}

// GetCheckpoint returns the checkpoint for (runID, step), or nil.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, runID, step string) (*workflow.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload_json, completed_at FROM checkpoints WHERE run_id = ? AND step = ?`, runID, step)

	var payload string
	var completedAt int64
	err := row.Scan(&payload, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint row: %w", err)
	}

	return &workflow.Checkpoint{
		RunID:       runID,
		Step:        step,
		Payload:     []byte(payload),
		CompletedAt: time.Unix(0, completedAt).UTC(),
	}, nil
}

// PutCheckpoint records a completed step. Checkpoints are never
// overwritten: the first completion wins.
func (s *SQLiteStore) PutCheckpoint(ctx context.Context, cp workflow.Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, step, payload_json, completed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id, step) DO NOTHING`,
		cp.RunID, cp.Step, string(cp.Payload), cp.CompletedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// DeleteCheckpoints discards all checkpoints of a run.
func (s *SQLiteStore) DeleteCheckpoints(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
