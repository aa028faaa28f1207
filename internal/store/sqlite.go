package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/aegis/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode lets the TTL worker delete while handlers read.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		challenge_json TEXT,
		transcript_json TEXT NOT NULL DEFAULT '[]',
		submitted_code TEXT NOT NULL DEFAULT '',
		execution_json TEXT,
		evaluation_json TEXT,
		start_time INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const sessionColumns = `id, owner_id, phase, challenge_json, transcript_json, submitted_code,
	execution_json, evaluation_json, start_time, created_at, updated_at`

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// SaveSession creates or replaces a session.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *domain.Session) error {
	query := `
	INSERT INTO sessions (` + sessionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		phase = excluded.phase,
		challenge_json = excluded.challenge_json,
		transcript_json = excluded.transcript_json,
		submitted_code = excluded.submitted_code,
		execution_json = excluded.execution_json,
		evaluation_json = excluded.evaluation_json,
		start_time = excluded.start_time,
		updated_at = excluded.updated_at`

	challengeJSON, err := nullableJSON(sess.Challenge)
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}
	transcript := sess.Transcript
	if transcript == nil {
		transcript = []domain.Message{}
	}
	transcriptJSON, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	executionJSON, err := nullableJSON(sess.Execution)
	if err != nil {
		return fmt.Errorf("encode execution: %w", err)
	}
	evaluationJSON, err := nullableJSON(sess.Evaluation)
	if err != nil {
		return fmt.Errorf("encode evaluation: %w", err)
	}

	var startTime interface{}
	if sess.StartTime != nil {
		startTime = sess.StartTime.UnixMilli()
	}

	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.OwnerID, string(sess.Phase),
		challengeJSON, string(transcriptJSON), sess.SubmittedCode,
		executionJSON, evaluationJSON, startTime,
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// DeleteSession removes a session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// ListSessions returns the sessions owned by ownerID, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE owner_id = ? ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// CleanupExpiredSessions removes sessions not updated within ttl.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `DELETE FROM sessions WHERE updated_at < ? RETURNING id`, threshold)
	if err != nil {
		return nil, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close cleanup rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		sess                                         domain.Session
		phase, transcriptJSON                        string
		challengeJSON, executionJSON, evaluationJSON sql.NullString
		startTime                                    sql.NullInt64
		createdAt, updatedAt                         int64
	)
	if err := row.Scan(
		&sess.ID, &sess.OwnerID, &phase,
		&challengeJSON, &transcriptJSON, &sess.SubmittedCode,
		&executionJSON, &evaluationJSON, &startTime,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	sess.Phase = domain.Phase(phase)
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	if startTime.Valid {
		ts := time.UnixMilli(startTime.Int64)
		sess.StartTime = &ts
	}

	if err := json.Unmarshal([]byte(transcriptJSON), &sess.Transcript); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	if sess.Transcript == nil {
		sess.Transcript = []domain.Message{}
	}
	if challengeJSON.Valid {
		sess.Challenge = &domain.Challenge{}
		if err := json.Unmarshal([]byte(challengeJSON.String), sess.Challenge); err != nil {
			return nil, fmt.Errorf("decode challenge: %w", err)
		}
	}
	if executionJSON.Valid {
		sess.Execution = &domain.ExecutionResult{}
		if err := json.Unmarshal([]byte(executionJSON.String), sess.Execution); err != nil {
			return nil, fmt.Errorf("decode execution: %w", err)
		}
	}
	if evaluationJSON.Valid {
		sess.Evaluation = &domain.EvaluationRecord{}
		if err := json.Unmarshal([]byte(evaluationJSON.String), sess.Evaluation); err != nil {
			return nil, fmt.Errorf("decode evaluation: %w", err)
		}
	}
	return &sess, nil
}

// nullableJSON encodes v, or returns nil for a nil pointer so the column is NULL.
func nullableJSON[T any](v *T) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
