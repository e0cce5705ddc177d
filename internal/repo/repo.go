package repo

import (
	"context"
	"database/sql"
	"errors"

	"fieldproof/internal/db"
	"fieldproof/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

// q rebinds ?-style SQL for the active dialect.
func (r Repo) q(query string) string { return r.Dialect.Rebind(query) }

const runColumns = `id,org_id,job_id,packet_type,data_hash,status,generated_by,generated_at,completed_at`

func scanRun(scan func(dest ...any) error) (domain.ReportRun, error) {
	var run domain.ReportRun
	var completedAt sql.NullString
	err := scan(&run.ID, &run.OrgID, &run.JobID, &run.PacketType, &run.DataHash, &run.Status, &run.GeneratedBy, &run.GeneratedAt, &completedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.String
	}
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.ReportRun) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO report_runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`),
		run.ID, run.OrgID, run.JobID, run.PacketType, run.DataHash, run.Status, run.GeneratedBy, run.GeneratedAt, nullableStringPtr(run.CompletedAt))
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.ReportRun, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT `+runColumns+` FROM report_runs WHERE id=?`), id)
	return scanRun(row.Scan)
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.ReportRun, error) {
	row := tx.QueryRowContext(ctx, r.q(`SELECT `+runColumns+` FROM report_runs WHERE id=?`), id)
	return scanRun(row.Scan)
}

// LatestOpenRun returns the most recent run for (job, packet type) that is
// neither superseded nor sealed.
func (r Repo) LatestOpenRun(ctx context.Context, jobID, packetType string) (domain.ReportRun, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT `+runColumns+` FROM report_runs
WHERE job_id=? AND packet_type=? AND status NOT IN (?,?,?)
ORDER BY generated_at DESC, id DESC LIMIT 1`),
		jobID, packetType, domain.RunSuperseded, domain.RunComplete, domain.RunFinal)
	return scanRun(row.Scan)
}

// RecentRunWithHash finds an open run for (job, packet type) whose data hash
// matches and which was generated at or after the cutoff. Backs the
// double-submission dedup window; sealed and superseded runs never dedup,
// a caller asking for an active run must get one it can still sign.
func (r Repo) RecentRunWithHash(ctx context.Context, jobID, packetType, dataHash, cutoff string) (domain.ReportRun, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT `+runColumns+` FROM report_runs
WHERE job_id=? AND packet_type=? AND data_hash=? AND status NOT IN (?,?,?) AND generated_at >= ?
ORDER BY generated_at DESC, id DESC LIMIT 1`),
		jobID, packetType, dataHash, domain.RunSuperseded, domain.RunComplete, domain.RunFinal, cutoff)
	return scanRun(row.Scan)
}

func (r Repo) ListRunsForJob(ctx context.Context, jobID string) ([]domain.ReportRun, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+runColumns+` FROM report_runs WHERE job_id=? ORDER BY generated_at DESC, id DESC`), jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ReportRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r Repo) ListRunsForOrg(ctx context.Context, orgID string, limit int) ([]domain.ReportRun, error) {
	query := `SELECT ` + runColumns + ` FROM report_runs WHERE org_id=? ORDER BY generated_at DESC, id DESC`
	args := []any{orgID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ReportRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// UpdateRunStatus performs a conditional status advance; ErrNotFound means
// the run was concurrently moved out of the expected status.
func (r Repo) UpdateRunStatus(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus string, completedAt *string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE report_runs SET status=?, completed_at=COALESCE(?, completed_at) WHERE id=? AND status=?`),
		toStatus, nullableStringPtr(completedAt), id, fromStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SupersedeOpenRuns marks every open run for (job, packet type) superseded,
// except the replacement itself.
func (r Repo) SupersedeOpenRuns(ctx context.Context, tx *sql.Tx, jobID, packetType, exceptID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, r.q(`SELECT id FROM report_runs
WHERE job_id=? AND packet_type=? AND id != ? AND status NOT IN (?,?,?)`),
		jobID, packetType, exceptID, domain.RunSuperseded, domain.RunComplete, domain.RunFinal)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, r.q(`UPDATE report_runs SET status=? WHERE id=?`), domain.RunSuperseded, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func strOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
