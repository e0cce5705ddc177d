package claim

import (
	"context"
	"database/sql"
	"time"

	"fieldproof/internal/db"
	"fieldproof/internal/domain"
)

// skipLockedClaimer claims in one statement: the inner SELECT takes a row
// lock and skips rows other transactions already hold, so two workers can
// never claim the same job and neither waits on the other.
type skipLockedClaimer struct {
	conn    *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

func (c skipLockedClaimer) ClaimNext(ctx context.Context, workerID string) (domain.ExportJob, error) {
	claimedAt := c.now().UTC().Format(time.RFC3339)
	row := c.conn.QueryRowContext(ctx, c.dialect.Rebind(`
UPDATE export_jobs SET state=?, claimed_by=?, claimed_at=?
WHERE id IN (
  SELECT id FROM export_jobs
  WHERE state=?
  ORDER BY created_at, id
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING `+exportColumns),
		domain.ExportPreparing, workerID, claimedAt, domain.ExportQueued)
	job, err := scanExport(row.Scan)
	if err == sql.ErrNoRows {
		return job, ErrNoJobs
	}
	return job, err
}
