package engine

import (
	"context"

	"github.com/google/uuid"

	"fieldproof/internal/domain"
	"fieldproof/internal/engine/auth"
	"fieldproof/internal/ledger"
	"fieldproof/internal/repo"
)

// EnqueueExport queues a sealed run for export. Workers pick the job up
// through the claimer; the enqueue only records the row and the event.
func (e Engine) EnqueueExport(ctx context.Context, p auth.Principal, runID string) (domain.ExportJob, error) {
	run, err := e.getOwnedRun(ctx, p, runID)
	if err != nil {
		return domain.ExportJob{}, err
	}
	if !run.Sealed() {
		return domain.ExportJob{}, StateError{RunID: run.ID, Status: run.Status, Msg: "only finalized runs can be exported"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExportJob{}, err
	}
	defer tx.Rollback()

	job := domain.ExportJob{
		ID:        uuid.NewString(),
		OrgID:     p.OrgID,
		RunID:     run.ID,
		State:     domain.ExportQueued,
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertExportJob(ctx, tx, job); err != nil {
		return domain.ExportJob{}, err
	}
	err = e.Ledger.Append(ctx, tx, ledger.Entry{
		OrgID: p.OrgID, ActorID: p.UserID, EventType: "export.job_enqueued",
		TargetType: "export_job", TargetID: job.ID,
		Metadata: map[string]any{"export_job_id": job.ID, "run_id": run.ID},
	})
	if err != nil {
		return domain.ExportJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ExportJob{}, err
	}
	return job, nil
}

// GetExportJob returns an export job inside the caller's org.
func (e Engine) GetExportJob(ctx context.Context, p auth.Principal, id string) (domain.ExportJob, error) {
	job, err := e.Repo.GetExportJob(ctx, id)
	if err != nil {
		return job, err
	}
	if job.OrgID != p.OrgID {
		return job, auth.ForbiddenError{Action: "access_export", Policy: "export jobs are visible only inside their organization"}
	}
	return job, nil
}

// ListLedgerEvents pages the org's audit trail by event id cursor.
func (e Engine) ListLedgerEvents(ctx context.Context, p auth.Principal, f repo.LedgerFilter) ([]domain.LedgerEvent, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return e.Repo.ListLedgerEvents(ctx, p.OrgID, f)
}
