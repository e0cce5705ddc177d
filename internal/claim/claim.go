// Package claim hands queued export jobs to workers exactly once. Two
// strategies implement the same interface: row locking with SKIP LOCKED where
// the backend supports it, and optimistic conditional updates everywhere
// else. Callers never know which one they got.
package claim

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fieldproof/internal/db"
	"fieldproof/internal/domain"
)

// ErrNoJobs means the queue is currently empty.
var ErrNoJobs = errors.New("no queued export jobs")

// Claimer atomically moves one queued job to preparing for a worker.
type Claimer interface {
	ClaimNext(ctx context.Context, workerID string) (domain.ExportJob, error)
}

// New selects the strategy the backend can support.
func New(conn *sql.DB, dialect db.Dialect, now func() time.Time) Claimer {
	if now == nil {
		now = time.Now
	}
	if dialect.SupportsRowLocking() {
		return skipLockedClaimer{conn: conn, dialect: dialect, now: now}
	}
	return optimisticClaimer{conn: conn, dialect: dialect, now: now}
}

const exportColumns = `id,org_id,run_id,state,created_at,claimed_by,claimed_at,completed_at,error`

func scanExport(scan func(dest ...any) error) (domain.ExportJob, error) {
	var j domain.ExportJob
	var claimedBy, claimedAt, completedAt, jobErr sql.NullString
	err := scan(&j.ID, &j.OrgID, &j.RunID, &j.State, &j.CreatedAt, &claimedBy, &claimedAt, &completedAt, &jobErr)
	if err != nil {
		return j, err
	}
	if claimedBy.Valid {
		j.ClaimedBy = &claimedBy.String
	}
	if claimedAt.Valid {
		j.ClaimedAt = &claimedAt.String
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.String
	}
	if jobErr.Valid {
		j.Error = jobErr.String
	}
	return j, nil
}
