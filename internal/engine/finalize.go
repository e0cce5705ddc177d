package engine

import (
	"context"
	"errors"
	"fmt"

	"fieldproof/internal/canon"
	"fieldproof/internal/domain"
	"fieldproof/internal/engine/auth"
	"fieldproof/internal/ledger"
	"fieldproof/internal/repo"
)

// Finalize seals a run after the full integrity gate passes: the packet is
// re-assembled from current source data and its hash compared against the
// stored one, every active signature hash is re-verified, and all required
// roles must hold an active signature. Checks run in a fixed order so clients
// see stable error codes; a hash mismatch is never silently repaired, it
// fails the seal and lands in the ledger as a critical event.
func (e Engine) Finalize(ctx context.Context, p auth.Principal, runID string) (domain.ReportRun, error) {
	run, err := e.getOwnedRun(ctx, p, runID)
	if err != nil {
		return run, err
	}
	if run.Sealed() {
		return run, SealedError{RunID: run.ID, Status: run.Status}
	}
	if run.Status != domain.RunReady {
		return run, StateError{RunID: run.ID, Status: run.Status, Msg: "only runs in ready_for_signatures can be finalized"}
	}

	payload, err := e.Packets.Build(ctx, run.JobID, run.PacketType)
	if err != nil {
		return run, fmt.Errorf("rebuild packet: %w", err)
	}
	computed, _, err := canon.Hash(payload)
	if err != nil {
		return run, fmt.Errorf("hash packet: %w", err)
	}
	if computed != run.DataHash {
		e.recordEvent(ctx, ledger.Entry{
			OrgID: p.OrgID, ActorID: p.UserID, EventType: "report.hash_mismatch",
			TargetType: "report_run", TargetID: run.ID,
			Metadata: map[string]any{
				"run_id": run.ID, "stored_hash": run.DataHash, "computed_hash": computed,
			},
		})
		return run, HashMismatchError{RunID: run.ID, StoredHash: run.DataHash, ComputedHash: computed}
	}

	sigs, err := e.Repo.ListSignatures(ctx, run.ID)
	if err != nil {
		return run, err
	}
	for _, s := range sigs {
		if !s.Active() {
			continue
		}
		if canon.HashFields(s.ImageSVG, s.SignerName, s.SignerTitle, s.Role) != s.SignatureHash {
			e.recordEvent(ctx, ledger.Entry{
				OrgID: p.OrgID, ActorID: p.UserID, EventType: "report.signature_hash_mismatch",
				TargetType: "report_signature", TargetID: s.ID,
				Metadata: map[string]any{"run_id": run.ID, "signature_id": s.ID},
			})
			return run, SignatureHashMismatchError{RunID: run.ID, SignatureID: s.ID}
		}
	}

	if c := completeness(sigs); !c.Complete {
		return run, MissingRolesError{Missing: c.Missing, Signed: c.Signed}
	}

	if authErr := auth.CanFinalize(p, run); authErr != nil {
		e.recordRoleViolation(ctx, p, authErr, run.ID)
		return run, authErr
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()

	// Completeness again, inside the transaction, so a revoke landing between
	// the gate check above and the seal cannot produce a sealed-but-unsigned
	// run.
	txSigs, err := e.Repo.ListSignaturesTx(ctx, tx, run.ID)
	if err != nil {
		return run, err
	}
	if c := completeness(txSigs); !c.Complete {
		return run, MissingRolesError{Missing: c.Missing, Signed: c.Signed}
	}

	completedAt := e.nowRFC3339()
	err = e.Repo.UpdateRunStatus(ctx, tx, run.ID, domain.RunReady, domain.RunComplete, &completedAt)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Lost a race. Re-read: a concurrent finalize means the run is
			// already sealed, which callers treat as idempotent conflict.
			current, readErr := e.Repo.GetRunTx(ctx, tx, run.ID)
			if readErr == nil && current.Sealed() {
				return current, SealedError{RunID: current.ID, Status: current.Status}
			}
			return run, StateError{RunID: run.ID, Status: run.Status, Msg: "status changed concurrently"}
		}
		return run, err
	}
	err = e.Ledger.Append(ctx, tx, ledger.Entry{
		OrgID: p.OrgID, ActorID: p.UserID, EventType: "report.finalized",
		TargetType: "report_run", TargetID: run.ID,
		Metadata: map[string]any{"run_id": run.ID, "data_hash": run.DataHash},
	})
	if err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	run.Status = domain.RunComplete
	run.CompletedAt = &completedAt
	return run, nil
}
