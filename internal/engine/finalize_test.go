package engine

import (
	"context"
	"errors"
	"testing"

	"fieldproof/internal/domain"
	"fieldproof/internal/repo"
)

func (env *testEnv) readyRunWithAllRoles(t *testing.T) domain.ReportRun {
	t.Helper()
	ctx := context.Background()
	run, err := env.Engine.ActiveRun(ctx, env.Member, env.JobID, "compliance")
	if err != nil {
		t.Fatalf("active run: %v", err)
	}
	env.sign(t, env.Member, run.ID, domain.RolePreparedBy)
	env.sign(t, env.Second, run.ID, domain.RoleReviewedBy)
	env.sign(t, env.Admin, run.ID, domain.RoleApprovedBy)
	return run
}

func TestFinalizeSealsRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.readyRunWithAllRoles(t)

	sealed, err := env.Engine.Finalize(ctx, env.Member, run.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if sealed.Status != domain.RunComplete {
		t.Fatalf("status = %s, want %s", sealed.Status, domain.RunComplete)
	}
	if sealed.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}

	events, err := env.Engine.Repo.ListLedgerEvents(ctx, "org1", repo.LedgerFilter{EventType: "report.finalized"})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("finalized events = %d, want 1", len(events))
	}
}

func TestFinalizeAgainReportsSealed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.readyRunWithAllRoles(t)

	if _, err := env.Engine.Finalize(ctx, env.Member, run.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	_, err := env.Engine.Finalize(ctx, env.Member, run.ID)
	var se SealedError
	if !errors.As(err, &se) {
		t.Fatalf("want SealedError, got %v", err)
	}
}

func TestFinalizeMissingRoles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run, err := env.Engine.ActiveRun(ctx, env.Member, env.JobID, "compliance")
	if err != nil {
		t.Fatalf("active run: %v", err)
	}
	env.sign(t, env.Member, run.ID, domain.RolePreparedBy)

	_, err = env.Engine.Finalize(ctx, env.Member, run.ID)
	var mr MissingRolesError
	if !errors.As(err, &mr) {
		t.Fatalf("want MissingRolesError, got %v", err)
	}
	if len(mr.Missing) != 2 || len(mr.Signed) != 1 {
		t.Fatalf("missing=%v signed=%v", mr.Missing, mr.Signed)
	}
}

func TestFinalizeDetectsPacketDrift(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.readyRunWithAllRoles(t)

	// Source data changes after the run was hashed.
	if _, err := env.Engine.DB.Exec(`UPDATE jobs SET risk_notes='Asbestos cleared' WHERE id='job1'`); err != nil {
		t.Fatalf("mutate job: %v", err)
	}

	_, err := env.Engine.Finalize(ctx, env.Member, run.ID)
	var hm HashMismatchError
	if !errors.As(err, &hm) {
		t.Fatalf("want HashMismatchError, got %v", err)
	}
	if hm.StoredHash == hm.ComputedHash {
		t.Fatal("mismatch error carries identical hashes")
	}

	current, err := env.Engine.Repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("reload run: %v", err)
	}
	if current.Status != domain.RunReady {
		t.Fatalf("run must stay %s after failed seal, got %s", domain.RunReady, current.Status)
	}

	events, err := env.Engine.Repo.ListLedgerEvents(ctx, "org1", repo.LedgerFilter{EventType: "report.hash_mismatch"})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("hash mismatch events = %d, want 1", len(events))
	}
}

func TestFinalizeDetectsTamperedSignature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.readyRunWithAllRoles(t)

	// Forge the stored signer name without recomputing the hash.
	if _, err := env.Engine.DB.Exec(`UPDATE report_signatures SET signer_name='Someone Else' WHERE run_id=? AND role=?`, run.ID, domain.RoleReviewedBy); err != nil {
		t.Fatalf("tamper signature: %v", err)
	}

	_, err := env.Engine.Finalize(ctx, env.Member, run.ID)
	var sm SignatureHashMismatchError
	if !errors.As(err, &sm) {
		t.Fatalf("want SignatureHashMismatchError, got %v", err)
	}
	if sm.SignatureID == "" {
		t.Fatal("error should name the offending signature")
	}

	events, err := env.Engine.Repo.ListLedgerEvents(ctx, "org1", repo.LedgerFilter{EventType: "report.signature_hash_mismatch"})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("signature mismatch events = %d, want 1", len(events))
	}
}

func TestSealedRunRejectsMutation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.readyRunWithAllRoles(t)

	if _, err := env.Engine.Finalize(ctx, env.Member, run.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	_, err := env.Engine.CreateSignature(ctx, env.Member, SignatureOptions{
		RunID:               run.ID,
		Role:                domain.RoleOther,
		ImageSVG:            testSVG,
		AttestationAccepted: true,
	})
	var se SealedError
	if !errors.As(err, &se) {
		t.Fatalf("signature on sealed run: want SealedError, got %v", err)
	}

	sigs, err := env.Engine.ListSignatures(ctx, env.Member, run.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	_, err = env.Engine.RevokeSignature(ctx, env.Admin, run.ID, sigs[0].ID, "")
	if !errors.As(err, &se) {
		t.Fatalf("revoke on sealed run: want SealedError, got %v", err)
	}
}

func TestLegacyFinalStatusIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.readyRunWithAllRoles(t)

	// Rows sealed by earlier platform versions carry status=final.
	if _, err := env.Engine.DB.Exec(`UPDATE report_runs SET status='final' WHERE id=?`, run.ID); err != nil {
		t.Fatalf("set legacy status: %v", err)
	}

	_, err := env.Engine.Finalize(ctx, env.Member, run.ID)
	var se SealedError
	if !errors.As(err, &se) {
		t.Fatalf("want SealedError for legacy final, got %v", err)
	}
}

func TestExportRequiresSealedRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.readyRunWithAllRoles(t)

	_, err := env.Engine.EnqueueExport(ctx, env.Member, run.ID)
	var se StateError
	if !errors.As(err, &se) {
		t.Fatalf("export of open run: want StateError, got %v", err)
	}

	if _, err := env.Engine.Finalize(ctx, env.Member, run.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	job, err := env.Engine.EnqueueExport(ctx, env.Member, run.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.State != domain.ExportQueued {
		t.Fatalf("state = %s, want %s", job.State, domain.ExportQueued)
	}
}

func TestActiveRunAfterFinalizeMintsFreshRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.readyRunWithAllRoles(t)

	if _, err := env.Engine.Finalize(ctx, env.Member, run.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// The job data has not changed, so the fresh packet hashes identically
	// and well inside the dedup window. A sealed run must still never come
	// back as the active one; the caller needs a run it can sign.
	next, err := env.Engine.ActiveRun(ctx, env.Member, env.JobID, "compliance")
	if err != nil {
		t.Fatalf("active run after finalize: %v", err)
	}
	if next.ID == run.ID {
		t.Fatalf("active run returned the sealed run %s", run.ID)
	}
	if next.Status != domain.RunReady {
		t.Fatalf("status = %s, want %s", next.Status, domain.RunReady)
	}
}

func TestConcurrentFinalizeOneWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.readyRunWithAllRoles(t)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := env.Engine.Finalize(ctx, env.Admin, run.ID)
			errs <- err
		}()
	}

	var sealed, conflicts int
	for i := 0; i < 2; i++ {
		err := <-errs
		switch {
		case err == nil:
			sealed++
		default:
			var se SealedError
			if !errors.As(err, &se) {
				t.Fatalf("loser should see SealedError, got %v", err)
			}
			conflicts++
		}
	}
	if sealed != 1 || conflicts != 1 {
		t.Fatalf("want exactly one winner, got %d sealed / %d conflicts", sealed, conflicts)
	}

	got, err := env.Engine.GetRun(ctx, env.Admin, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.RunComplete {
		t.Fatalf("status = %s, want %s", got.Status, domain.RunComplete)
	}
}
