package repo

import (
	"context"
	"database/sql"

	"fieldproof/internal/domain"
)

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var summary, riskNotes sql.NullString
	err := scan(&j.ID, &j.OrgID, &j.Site, &summary, &riskNotes, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.Summary = strOrEmpty(summary)
	j.RiskNotes = strOrEmpty(riskNotes)
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO jobs(id,org_id,site,summary,risk_notes,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`),
		j.ID, j.OrgID, j.Site, nullable(j.Summary), nullable(j.RiskNotes), j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT id,org_id,site,summary,risk_notes,created_at,updated_at FROM jobs WHERE id=?`), id)
	return scanJob(row.Scan)
}

func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, e domain.JobEvidence) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO job_evidence(id,job_id,kind,caption,object_key,captured_at) VALUES (?,?,?,?,?,?)`),
		e.ID, e.JobID, e.Kind, nullable(e.Caption), e.ObjectKey, e.CapturedAt)
	return err
}

func (r Repo) ListEvidence(ctx context.Context, jobID string) ([]domain.JobEvidence, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,job_id,kind,caption,object_key,captured_at FROM job_evidence WHERE job_id=? ORDER BY captured_at, id`), jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.JobEvidence
	for rows.Next() {
		var e domain.JobEvidence
		var caption sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &e.Kind, &caption, &e.ObjectKey, &e.CapturedAt); err != nil {
			return nil, err
		}
		e.Caption = strOrEmpty(caption)
		out = append(out, e)
	}
	return out, rows.Err()
}
