package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists session status transitions, grounded on the
// query/scan idiom of the teacher's session database layer.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgresStore opens and pings dsn, then ensures the backing table
// exists.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("persist: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: ping postgres: %w", err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: ensure schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS orchestrator_sessions (
	session_id TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	status     INTEGER NOT NULL,
	outcome    TEXT NOT NULL DEFAULT '',
	jobs       TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// RecordSubmitted inserts the initial row for a freshly queued session.
func (s *PostgresStore) RecordSubmitted(ctx context.Context, sessionID, name string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestrator_sessions (session_id, name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (session_id) DO NOTHING
	`, sessionID, name, int(SessionSubmitted), now)
	if err != nil {
		return fmt.Errorf("persist: record submitted %s: %w", sessionID, err)
	}
	return nil
}

// RecordJobs stores the session's job identities (§6 "reload jobs from
// disk"), overwriting any previous list.
func (s *PostgresStore) RecordJobs(ctx context.Context, sessionID string, jobs []JobRecord) error {
	encoded, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("persist: encode jobs %s: %w", sessionID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE orchestrator_sessions SET jobs = $2, updated_at = $3 WHERE session_id = $1
	`, sessionID, string(encoded), time.Now())
	if err != nil {
		return fmt.Errorf("persist: record jobs %s: %w", sessionID, err)
	}
	return nil
}

// RecordStarted advances sessionID to SESSION_STARTED. The WHERE clause
// refuses to move a row backward, making the call safe to replay.
func (s *PostgresStore) RecordStarted(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_sessions SET status = $2, updated_at = $3
		WHERE session_id = $1 AND status < $2
	`, sessionID, int(SessionStarted), time.Now())
	if err != nil {
		return fmt.Errorf("persist: record started %s: %w", sessionID, err)
	}
	return nil
}

// RecordEnded advances sessionID to SESSION_ENDED and stores its outcome.
func (s *PostgresStore) RecordEnded(ctx context.Context, sessionID, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_sessions SET status = $2, outcome = $3, updated_at = $4
		WHERE session_id = $1 AND status < $2
	`, sessionID, int(SessionEnded), outcome, time.Now())
	if err != nil {
		return fmt.Errorf("persist: record ended %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves the current record for sessionID.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (Record, error) {
	var rec Record
	var status int
	var jobs string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, name, status, outcome, jobs, created_at, updated_at
		FROM orchestrator_sessions WHERE session_id = $1
	`, sessionID).Scan(&rec.SessionID, &rec.Name, &status, &rec.Outcome, &jobs, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Record{}, fmt.Errorf("persist: session not found: %s", sessionID)
		}
		return Record{}, fmt.Errorf("persist: get %s: %w", sessionID, err)
	}
	rec.Status = Status(status)
	if jobs != "" {
		if err := json.Unmarshal([]byte(jobs), &rec.Jobs); err != nil {
			return Record{}, fmt.Errorf("persist: decode jobs %s: %w", sessionID, err)
		}
	}
	return rec, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
