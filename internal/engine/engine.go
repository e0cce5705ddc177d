// Package engine implements the report-run lifecycle, the signature ledger
// and the integrity gate over one transactional store. Every mutation runs in
// a single transaction with its ledger events, so a committed business change
// and its audit trail are inseparable.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"fieldproof/internal/canon"
	"fieldproof/internal/config"
	"fieldproof/internal/db"
	"fieldproof/internal/domain"
	"fieldproof/internal/engine/auth"
	"fieldproof/internal/ledger"
	"fieldproof/internal/packet"
	"fieldproof/internal/repo"
	"fieldproof/internal/sigimage"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Ledger  ledger.Writer
	Config  *config.Config
	Packets packet.Builder
	Images  sigimage.Validator
	Now     func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config, logger *log.Logger) Engine {
	r := repo.Repo{DB: conn, Dialect: dialect}
	return Engine{
		DB:   conn,
		Repo: r,
		Ledger: ledger.Writer{
			Registry: ledger.DefaultRegistry(),
			Dialect:  dialect,
			Policy:   cfg.Ledger.Policy,
			Logger:   logger,
		},
		Config:  cfg,
		Packets: packet.RepoBuilder{Repo: r},
		Images:  sigimage.Validator{MaxBytes: cfg.Signing.ImageMaxBytes},
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ValidationError is a client-input problem, mapped to 400.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// StateError rejects an operation because of the run's current status.
type StateError struct {
	RunID  string
	Status string
	Msg    string
}

func (e StateError) Error() string {
	return fmt.Sprintf("run %s is %s: %s", e.RunID, e.Status, e.Msg)
}

// SealedError rejects mutation of a finalized run.
type SealedError struct {
	RunID  string
	Status string
}

func (e SealedError) Error() string {
	return fmt.Sprintf("run %s is sealed (%s) and cannot be modified", e.RunID, e.Status)
}

// HashMismatchError reports packet drift detected at finalize time.
type HashMismatchError struct {
	RunID        string
	StoredHash   string
	ComputedHash string
}

func (e HashMismatchError) Error() string {
	return fmt.Sprintf("run %s packet hash mismatch: stored %s, computed %s", e.RunID, e.StoredHash, e.ComputedHash)
}

// SignatureHashMismatchError reports a tampered signature record.
type SignatureHashMismatchError struct {
	RunID       string
	SignatureID string
}

func (e SignatureHashMismatchError) Error() string {
	return fmt.Sprintf("signature %s on run %s failed hash verification", e.SignatureID, e.RunID)
}

// RoleConflictError reports a required role already filled by an active
// signature. The existing signer is named so the client can show who to ask.
type RoleConflictError struct {
	Role       string
	SignerName string
	SignedAt   string
}

func (e RoleConflictError) Error() string {
	return fmt.Sprintf("role %s already signed by %s at %s", e.Role, e.SignerName, e.SignedAt)
}

// MissingRolesError lists the required roles still unsigned.
type MissingRolesError struct {
	Missing []string
	Signed  []string
}

func (e MissingRolesError) Error() string {
	return fmt.Sprintf("required roles missing signatures: %s", strings.Join(e.Missing, ", "))
}

// recordEvent appends a ledger event in its own transaction, for events that
// must survive a failed business operation (hash mismatches, auth denials).
func (e Engine) recordEvent(ctx context.Context, entry ledger.Entry) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Ledger.Append(ctx, tx, entry); err != nil {
		return
	}
	_ = tx.Commit()
}

// getOwnedRun loads a run and enforces org scoping.
func (e Engine) getOwnedRun(ctx context.Context, p auth.Principal, runID string) (domain.ReportRun, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if run.OrgID != p.OrgID {
		return run, auth.ForbiddenError{Action: "access_run", Policy: "report runs are visible only inside their organization"}
	}
	return run, nil
}

// CreateRun generates a fresh report run for a job. The packet payload is
// always assembled server-side from current job data; any open run for the
// same (job, packet type) is superseded in the same transaction.
func (e Engine) CreateRun(ctx context.Context, p auth.Principal, jobID, packetType string) (domain.ReportRun, error) {
	if e.Config == nil {
		return domain.ReportRun{}, errors.New("config not loaded")
	}
	if jobID == "" {
		return domain.ReportRun{}, ValidationError{Msg: "job_id is required"}
	}
	if !e.Config.KnownPacketType(packetType) {
		return domain.ReportRun{}, ValidationError{Msg: fmt.Sprintf("unknown packet type %q", packetType)}
	}
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.ReportRun{}, err
	}
	if job.OrgID != p.OrgID {
		return domain.ReportRun{}, auth.ForbiddenError{Action: "create_run", Policy: "report runs are visible only inside their organization"}
	}

	// Regenerating over someone else's open run supersedes it; that needs
	// creator or admin authority.
	if open, err := e.Repo.LatestOpenRun(ctx, jobID, packetType); err == nil {
		if authErr := auth.CanSupersede(p, open); authErr != nil {
			e.recordRoleViolation(ctx, p, authErr, open.ID)
			return domain.ReportRun{}, authErr
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ReportRun{}, err
	}

	payload, err := e.Packets.Build(ctx, jobID, packetType)
	if err != nil {
		return domain.ReportRun{}, err
	}
	digest, _, err := canon.Hash(payload)
	if err != nil {
		return domain.ReportRun{}, fmt.Errorf("hash packet: %w", err)
	}

	run := domain.ReportRun{
		ID:          uuid.NewString(),
		OrgID:       p.OrgID,
		JobID:       jobID,
		PacketType:  packetType,
		DataHash:    digest,
		Status:      domain.RunDraft,
		GeneratedBy: p.UserID,
		GeneratedAt: e.nowRFC3339(),
	}
	for attempt := 0; ; attempt++ {
		err = e.storeNewRun(ctx, p, run)
		if err == nil {
			return run, nil
		}
		// A concurrent create for the same (job, packet type) committed its
		// open run between our read and the insert. One retry supersedes it
		// and takes the open slot.
		if db.IsUniqueViolation(err) && attempt == 0 {
			continue
		}
		return domain.ReportRun{}, err
	}
}

// storeNewRun supersedes any open run for the same (job, packet type) and
// inserts the replacement, with the matching ledger events, in one
// transaction. The open-run index rejects the insert when a concurrent
// creator commits first; callers retry so the loser supersedes the winner.
func (e Engine) storeNewRun(ctx context.Context, p auth.Principal, run domain.ReportRun) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	superseded, err := e.Repo.SupersedeOpenRuns(ctx, tx, run.JobID, run.PacketType, run.ID)
	if err != nil {
		return fmt.Errorf("supersede open runs: %w", err)
	}
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for _, oldID := range superseded {
		err := e.Ledger.Append(ctx, tx, ledger.Entry{
			OrgID: p.OrgID, ActorID: p.UserID, EventType: "report.run_superseded",
			TargetType: "report_run", TargetID: oldID,
			Metadata: map[string]any{"run_id": oldID, "superseded_by": run.ID},
		})
		if err != nil {
			return err
		}
	}
	err = e.Ledger.Append(ctx, tx, ledger.Entry{
		OrgID: p.OrgID, ActorID: p.UserID, EventType: "report.run_created",
		TargetType: "report_run", TargetID: run.ID,
		Metadata: map[string]any{
			"run_id": run.ID, "job_id": run.JobID, "packet_type": run.PacketType,
			"data_hash": run.DataHash, "status": run.Status,
		},
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ActiveRun returns the open run for (job, packet type), creating one in
// ready_for_signatures when none exists. Within the dedup window a run with
// an identical packet hash is reused instead of minting a twin, so a client
// retrying a double-tapped "prepare for signing" gets the same run back.
func (e Engine) ActiveRun(ctx context.Context, p auth.Principal, jobID, packetType string) (domain.ReportRun, error) {
	if e.Config == nil {
		return domain.ReportRun{}, errors.New("config not loaded")
	}
	if jobID == "" {
		return domain.ReportRun{}, ValidationError{Msg: "job_id is required"}
	}
	if !e.Config.KnownPacketType(packetType) {
		return domain.ReportRun{}, ValidationError{Msg: fmt.Sprintf("unknown packet type %q", packetType)}
	}
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.ReportRun{}, err
	}
	if job.OrgID != p.OrgID {
		return domain.ReportRun{}, auth.ForbiddenError{Action: "access_run", Policy: "report runs are visible only inside their organization"}
	}

	run, err := e.Repo.LatestOpenRun(ctx, jobID, packetType)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.ReportRun{}, err
	}

	payload, err := e.Packets.Build(ctx, jobID, packetType)
	if err != nil {
		return domain.ReportRun{}, err
	}
	digest, _, err := canon.Hash(payload)
	if err != nil {
		return domain.ReportRun{}, fmt.Errorf("hash packet: %w", err)
	}

	cutoff := e.now().UTC().Add(-e.Config.DedupWindow()).Format(time.RFC3339)
	if dup, err := e.Repo.RecentRunWithHash(ctx, jobID, packetType, digest, cutoff); err == nil {
		return dup, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ReportRun{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReportRun{}, err
	}
	defer tx.Rollback()

	run = domain.ReportRun{
		ID:          uuid.NewString(),
		OrgID:       p.OrgID,
		JobID:       jobID,
		PacketType:  packetType,
		DataHash:    digest,
		Status:      domain.RunReady,
		GeneratedBy: p.UserID,
		GeneratedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		if db.IsUniqueViolation(err) {
			// A concurrent request opened the run first. This endpoint is
			// get-or-create, so hand back the winner.
			tx.Rollback()
			if winner, readErr := e.Repo.LatestOpenRun(ctx, jobID, packetType); readErr == nil {
				return winner, nil
			}
		}
		return domain.ReportRun{}, fmt.Errorf("insert run: %w", err)
	}
	err = e.Ledger.Append(ctx, tx, ledger.Entry{
		OrgID: p.OrgID, ActorID: p.UserID, EventType: "report.run_created",
		TargetType: "report_run", TargetID: run.ID,
		Metadata: map[string]any{
			"run_id": run.ID, "job_id": jobID, "packet_type": packetType,
			"data_hash": digest, "status": run.Status,
		},
	})
	if err != nil {
		return domain.ReportRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReportRun{}, err
	}
	return run, nil
}

// SetReady advances a draft run to ready_for_signatures.
func (e Engine) SetReady(ctx context.Context, p auth.Principal, runID string) (domain.ReportRun, error) {
	run, err := e.getOwnedRun(ctx, p, runID)
	if err != nil {
		return run, err
	}
	if run.Sealed() {
		return run, SealedError{RunID: run.ID, Status: run.Status}
	}
	if err := ensureRunTransition(run.Status, domain.RunReady); err != nil {
		return run, StateError{RunID: run.ID, Status: run.Status, Msg: err.Error()}
	}
	if authErr := auth.CanSupersede(p, run); authErr != nil {
		e.recordRoleViolation(ctx, p, authErr, run.ID)
		return run, authErr
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRunStatus(ctx, tx, run.ID, run.Status, domain.RunReady, nil); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return run, StateError{RunID: run.ID, Status: run.Status, Msg: "status changed concurrently"}
		}
		return run, err
	}
	err = e.Ledger.Append(ctx, tx, ledger.Entry{
		OrgID: p.OrgID, ActorID: p.UserID, EventType: "report.run_ready",
		TargetType: "report_run", TargetID: run.ID,
		Metadata: map[string]any{"run_id": run.ID},
	})
	if err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	run.Status = domain.RunReady
	return run, nil
}

// GetRun returns a run inside the caller's org.
func (e Engine) GetRun(ctx context.Context, p auth.Principal, runID string) (domain.ReportRun, error) {
	return e.getOwnedRun(ctx, p, runID)
}

// ListRunsForJob lists every run for a job, newest first.
func (e Engine) ListRunsForJob(ctx context.Context, p auth.Principal, jobID string) ([]domain.ReportRun, error) {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OrgID != p.OrgID {
		return nil, auth.ForbiddenError{Action: "access_run", Policy: "report runs are visible only inside their organization"}
	}
	return e.Repo.ListRunsForJob(ctx, jobID)
}

// ensureRunTransition is the single legality check for run status changes.
// Sealing to complete happens only through Finalize, which calls this with
// the target status after the integrity gate has passed.
func ensureRunTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.RunDraft:
		if newStatus == domain.RunReady || newStatus == domain.RunSuperseded {
			return nil
		}
	case domain.RunReady:
		if newStatus == domain.RunComplete || newStatus == domain.RunSuperseded {
			return nil
		}
	}
	return fmt.Errorf("invalid run status transition %s -> %s", oldStatus, newStatus)
}

func (e Engine) recordRoleViolation(ctx context.Context, p auth.Principal, err error, targetID string) {
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		return
	}
	e.recordEvent(ctx, ledger.Entry{
		OrgID: p.OrgID, ActorID: p.UserID, EventType: "auth.role_violation",
		TargetType: "report_run", TargetID: targetID,
		Metadata: map[string]any{
			"attempted_action": fe.Action,
			"policy_statement": fe.Policy,
			"target_id":        targetID,
		},
	})
}
