// Package persist implements the three-status session/job durability
// model (§6: SESSION_SUBMITTED < SESSION_STARTED < SESSION_ENDED) behind
// a single Store interface, with a Postgres-backed implementation for
// production and an in-memory one for tests and single-process runs.
package persist

import (
	"context"
	"time"
)

// Status is a monotonically increasing persisted session status; callers
// must never write a status lower than the one already on record (§6
// resumption rules depend on this ordering holding).
type Status int

const (
	SessionSubmitted Status = iota
	SessionStarted
	SessionEnded
)

func (s Status) String() string {
	switch s {
	case SessionSubmitted:
		return "SESSION_SUBMITTED"
	case SessionStarted:
		return "SESSION_STARTED"
	case SessionEnded:
		return "SESSION_ENDED"
	default:
		return "UNKNOWN"
	}
}

// JobRecord is the durable identity of one session job: enough to
// recreate a Job without re-running the job creator (§6 "reload jobs
// from disk"). Per-job status/outcome is not persisted — a reloaded job
// always starts from JobNew, since the device executing it is in-memory
// state that does not survive a process restart either.
type JobRecord struct {
	ID                 string
	TestID             string
	DeviceType         string
	RequiredDimensions map[string]string
}

// Record is the durable row backing one session.
type Record struct {
	SessionID string
	Name      string
	Status    Status
	Outcome   string // empty until Status == SessionEnded
	Jobs      []JobRecord
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the persistence contract the session runner calls at each
// persisted-status transition named in §6. Implementations must make
// RecordStarted/RecordEnded idempotent: a session runner that crashes
// and resumes may replay a transition it already durably recorded.
type Store interface {
	RecordSubmitted(ctx context.Context, sessionID, name string) error
	RecordJobs(ctx context.Context, sessionID string, jobs []JobRecord) error
	RecordStarted(ctx context.Context, sessionID string) error
	RecordEnded(ctx context.Context, sessionID, outcome string) error
	Get(ctx context.Context, sessionID string) (Record, error)
	Close() error
}
