package repo

import (
	"context"
	"database/sql"

	"fieldproof/internal/domain"
)

const exportColumns = `id,org_id,run_id,state,created_at,claimed_by,claimed_at,completed_at,error`

func scanExport(scan func(dest ...any) error) (domain.ExportJob, error) {
	var j domain.ExportJob
	var claimedBy, claimedAt, completedAt, jobErr sql.NullString
	err := scan(&j.ID, &j.OrgID, &j.RunID, &j.State, &j.CreatedAt, &claimedBy, &claimedAt, &completedAt, &jobErr)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
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
	j.Error = strOrEmpty(jobErr)
	return j, nil
}

func (r Repo) InsertExportJob(ctx context.Context, tx *sql.Tx, j domain.ExportJob) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO export_jobs(id,org_id,run_id,state,created_at) VALUES (?,?,?,?,?)`),
		j.ID, j.OrgID, j.RunID, j.State, j.CreatedAt)
	return err
}

func (r Repo) GetExportJob(ctx context.Context, id string) (domain.ExportJob, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT `+exportColumns+` FROM export_jobs WHERE id=?`), id)
	return scanExport(row.Scan)
}

func (r Repo) ListExportJobsForRun(ctx context.Context, runID string) ([]domain.ExportJob, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+exportColumns+` FROM export_jobs WHERE run_id=? ORDER BY created_at DESC, id DESC`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ExportJob
	for rows.Next() {
		j, err := scanExport(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkExportSucceeded transitions preparing -> succeeded for the worker that
// holds the claim.
func (r Repo) MarkExportSucceeded(ctx context.Context, id, workerID, completedAt string) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE export_jobs SET state=?, completed_at=? WHERE id=? AND state=? AND claimed_by=?`),
		domain.ExportSucceeded, completedAt, id, domain.ExportPreparing, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkExportFailed(ctx context.Context, id, workerID, completedAt, reason string) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE export_jobs SET state=?, completed_at=?, error=? WHERE id=? AND state=? AND claimed_by=?`),
		domain.ExportFailed, completedAt, reason, id, domain.ExportPreparing, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReclaimStaleExports sweeps preparing jobs claimed before the cutoff back to
// queued so another worker can pick them up.
func (r Repo) ReclaimStaleExports(ctx context.Context, cutoff string) ([]domain.ExportJob, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+exportColumns+` FROM export_jobs WHERE state=? AND claimed_at < ?`),
		domain.ExportPreparing, cutoff)
	if err != nil {
		return nil, err
	}
	var stale []domain.ExportJob
	for rows.Next() {
		j, err := scanExport(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reclaimed []domain.ExportJob
	for _, j := range stale {
		res, err := r.DB.ExecContext(ctx, r.q(`UPDATE export_jobs SET state=?, claimed_by=NULL, claimed_at=NULL WHERE id=? AND state=? AND claimed_at < ?`),
			domain.ExportQueued, j.ID, domain.ExportPreparing, cutoff)
		if err != nil {
			return reclaimed, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			reclaimed = append(reclaimed, j)
		}
	}
	return reclaimed, nil
}
