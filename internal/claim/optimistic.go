package claim

import (
	"context"
	"database/sql"
	"time"

	"fieldproof/internal/db"
	"fieldproof/internal/domain"
)

// candidateBatch bounds how many queued rows one claim attempt walks before
// reporting an empty queue.
const candidateBatch = 10

// optimisticClaimer works on stores without row locking. It reads the oldest
// queued candidates and races a conditional update on each; zero rows
// affected means another worker won that row, so it moves to the next.
type optimisticClaimer struct {
	conn    *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

func (c optimisticClaimer) ClaimNext(ctx context.Context, workerID string) (domain.ExportJob, error) {
	rows, err := c.conn.QueryContext(ctx, c.dialect.Rebind(`
SELECT id FROM export_jobs WHERE state=? ORDER BY created_at, id LIMIT ?`),
		domain.ExportQueued, candidateBatch)
	if err != nil {
		return domain.ExportJob{}, err
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return domain.ExportJob{}, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.ExportJob{}, err
	}
	if len(candidates) == 0 {
		return domain.ExportJob{}, ErrNoJobs
	}

	claimedAt := c.now().UTC().Format(time.RFC3339)
	for _, id := range candidates {
		res, err := c.conn.ExecContext(ctx, c.dialect.Rebind(`
UPDATE export_jobs SET state=?, claimed_by=?, claimed_at=? WHERE id=? AND state=?`),
			domain.ExportPreparing, workerID, claimedAt, id, domain.ExportQueued)
		if err != nil {
			return domain.ExportJob{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		row := c.conn.QueryRowContext(ctx, c.dialect.Rebind(`SELECT `+exportColumns+` FROM export_jobs WHERE id=?`), id)
		job, err := scanExport(row.Scan)
		if err == sql.ErrNoRows {
			return job, ErrNoJobs
		}
		return job, err
	}
	return domain.ExportJob{}, ErrNoJobs
}
