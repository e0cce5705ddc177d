package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"fieldproof/internal/canon"
	"fieldproof/internal/db"
	"fieldproof/internal/domain"
	"fieldproof/internal/engine/auth"
	"fieldproof/internal/ledger"
	"fieldproof/internal/repo"
)

// SignatureOptions are the inputs for recording one signature.
type SignatureOptions struct {
	RunID string
	// SignerUserID is empty for self-signing; set it to capture a signature
	// on behalf of another org member (admin/owner only).
	SignerUserID string
	Role         string
	ImageSVG     string
	// AttestationText defaults to the configured statement when empty.
	AttestationText     string
	AttestationAccepted bool
	OriginAddr          string
	ClientString        string
}

func validRole(role string) bool {
	switch role {
	case domain.RolePreparedBy, domain.RoleReviewedBy, domain.RoleApprovedBy, domain.RoleOther:
		return true
	}
	return false
}

// CreateSignature records a signature on a run that is open for signing. The
// signature binds the image, the signer's recorded identity and the role into
// a hash that Finalize re-verifies; rows are immutable once written.
func (e Engine) CreateSignature(ctx context.Context, p auth.Principal, opts SignatureOptions) (domain.Signature, error) {
	if e.Config == nil {
		return domain.Signature{}, errors.New("config not loaded")
	}
	if !opts.AttestationAccepted {
		return domain.Signature{}, ValidationError{Msg: "attestation must be accepted before signing"}
	}
	attestation := opts.AttestationText
	if attestation == "" {
		attestation = e.Config.Signing.AttestationStatement
	}
	if attestation == "" {
		return domain.Signature{}, ValidationError{Msg: "attestation text is required"}
	}
	if !validRole(opts.Role) {
		return domain.Signature{}, ValidationError{Msg: fmt.Sprintf("unknown signature role %q", opts.Role)}
	}
	if err := e.Images.Validate(opts.ImageSVG); err != nil {
		return domain.Signature{}, ValidationError{Msg: fmt.Sprintf("signature image rejected: %v", err)}
	}

	run, err := e.getOwnedRun(ctx, p, opts.RunID)
	if err != nil {
		return domain.Signature{}, err
	}
	if run.Sealed() {
		return domain.Signature{}, SealedError{RunID: run.ID, Status: run.Status}
	}
	if run.Status != domain.RunReady {
		return domain.Signature{}, StateError{RunID: run.ID, Status: run.Status, Msg: "run is not open for signatures"}
	}
	if run.DataHash == "" {
		return domain.Signature{}, StateError{RunID: run.ID, Status: run.Status, Msg: "run has no packet hash"}
	}

	signerID := opts.SignerUserID
	if signerID == "" {
		signerID = p.UserID
	}
	if authErr := auth.CanSignFor(p, signerID); authErr != nil {
		e.recordRoleViolation(ctx, p, authErr, run.ID)
		return domain.Signature{}, authErr
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Signature{}, err
	}
	defer tx.Rollback()

	signer, err := e.Repo.GetMemberTx(ctx, tx, p.OrgID, signerID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Signature{}, ValidationError{Msg: fmt.Sprintf("signer %s is not a member of the organization", signerID)}
		}
		return domain.Signature{}, err
	}

	// One active signature per required role. The conflict names the current
	// signer so the caller can see who already signed.
	if opts.Role != domain.RoleOther {
		existing, err := e.Repo.ActiveSignatureForRoleTx(ctx, tx, run.ID, opts.Role)
		if err == nil {
			return domain.Signature{}, RoleConflictError{Role: opts.Role, SignerName: existing.SignerName, SignedAt: existing.SignedAt}
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Signature{}, err
		}
	}

	sig := domain.Signature{
		ID:              uuid.NewString(),
		RunID:           run.ID,
		UserID:          signerID,
		SignerName:      signer.DisplayName,
		SignerTitle:     signer.Title,
		Role:            opts.Role,
		ImageSVG:        opts.ImageSVG,
		AttestationText: attestation,
		SignatureHash:   canon.HashFields(opts.ImageSVG, signer.DisplayName, signer.Title, opts.Role),
		OriginAddr:      opts.OriginAddr,
		ClientString:    opts.ClientString,
		SignedAt:        e.nowRFC3339(),
	}
	if err := e.Repo.InsertSignature(ctx, tx, sig); err != nil {
		if db.IsUniqueViolation(err) {
			// A concurrent signer for the same role committed first; the
			// active-role index picked them. Surface the winner the same
			// way the pre-check does. The read runs outside the failed
			// transaction, Postgres aborts it on the violation.
			tx.Rollback()
			if existing, readErr := e.Repo.ActiveSignatureForRole(ctx, run.ID, opts.Role); readErr == nil {
				return domain.Signature{}, RoleConflictError{Role: opts.Role, SignerName: existing.SignerName, SignedAt: existing.SignedAt}
			}
			return domain.Signature{}, RoleConflictError{Role: opts.Role}
		}
		return domain.Signature{}, fmt.Errorf("insert signature: %w", err)
	}

	meta := map[string]any{"run_id": run.ID, "signature_id": sig.ID, "role": sig.Role}
	if signerID != p.UserID {
		meta["on_behalf_of"] = signerID
	}
	err = e.Ledger.Append(ctx, tx, ledger.Entry{
		OrgID: p.OrgID, ActorID: p.UserID, EventType: "report.signature_added",
		TargetType: "report_signature", TargetID: sig.ID,
		Metadata: meta,
	})
	if err != nil {
		return domain.Signature{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Signature{}, err
	}
	return sig, nil
}

// ListSignatures returns every signature on a run, revoked ones included.
func (e Engine) ListSignatures(ctx context.Context, p auth.Principal, runID string) ([]domain.Signature, error) {
	if _, err := e.getOwnedRun(ctx, p, runID); err != nil {
		return nil, err
	}
	return e.Repo.ListSignatures(ctx, runID)
}

// RevokeSignature soft-deletes a signature so the role can be re-signed. The
// row stays in place for the audit trail; only revoked_at is set.
func (e Engine) RevokeSignature(ctx context.Context, p auth.Principal, runID, sigID, reason string) (domain.Signature, error) {
	run, err := e.getOwnedRun(ctx, p, runID)
	if err != nil {
		return domain.Signature{}, err
	}
	if run.Sealed() {
		return domain.Signature{}, SealedError{RunID: run.ID, Status: run.Status}
	}
	sig, err := e.Repo.GetSignature(ctx, sigID)
	if err != nil {
		return domain.Signature{}, err
	}
	if sig.RunID != run.ID {
		return domain.Signature{}, repo.ErrNotFound
	}
	if !sig.Active() {
		return domain.Signature{}, ValidationError{Msg: "signature is already revoked"}
	}
	if authErr := auth.CanRevoke(p, sig); authErr != nil {
		e.recordRoleViolation(ctx, p, authErr, run.ID)
		return domain.Signature{}, authErr
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Signature{}, err
	}
	defer tx.Rollback()

	revokedAt := e.nowRFC3339()
	if err := e.Repo.RevokeSignature(ctx, tx, sig.ID, revokedAt); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Signature{}, ValidationError{Msg: "signature is already revoked"}
		}
		return domain.Signature{}, err
	}
	meta := map[string]any{"run_id": run.ID, "signature_id": sig.ID, "role": sig.Role}
	if reason != "" {
		meta["reason"] = reason
	}
	err = e.Ledger.Append(ctx, tx, ledger.Entry{
		OrgID: p.OrgID, ActorID: p.UserID, EventType: "report.signature_revoked",
		TargetType: "report_signature", TargetID: sig.ID,
		Metadata: meta,
	})
	if err != nil {
		return domain.Signature{}, err
	}
	revoked, err := e.Repo.GetSignatureTx(ctx, tx, sig.ID)
	if err != nil {
		return domain.Signature{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Signature{}, err
	}
	return revoked, nil
}

// Completeness reports which required roles are signed and which are missing.
type Completeness struct {
	Complete bool     `json:"complete"`
	Signed   []string `json:"signed"`
	Missing  []string `json:"missing"`
}

func completeness(sigs []domain.Signature) Completeness {
	active := map[string]bool{}
	for _, s := range sigs {
		if s.Active() {
			active[s.Role] = true
		}
	}
	c := Completeness{Signed: []string{}, Missing: []string{}}
	for _, role := range domain.RequiredRoles {
		if active[role] {
			c.Signed = append(c.Signed, role)
		} else {
			c.Missing = append(c.Missing, role)
		}
	}
	c.Complete = len(c.Missing) == 0
	return c
}

// CheckCompleteness reports the signing gate for a run without mutating it.
func (e Engine) CheckCompleteness(ctx context.Context, p auth.Principal, runID string) (Completeness, error) {
	if _, err := e.getOwnedRun(ctx, p, runID); err != nil {
		return Completeness{}, err
	}
	sigs, err := e.Repo.ListSignatures(ctx, runID)
	if err != nil {
		return Completeness{}, err
	}
	return completeness(sigs), nil
}
