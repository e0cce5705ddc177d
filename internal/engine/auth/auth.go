// Package auth holds the authorization rules the signing engine enforces:
// who may sign on behalf of another member, who may revoke, who may supersede.
package auth

import (
	"fmt"

	"fieldproof/internal/domain"
)

// ForbiddenError indicates the principal lacks authority for the action.
// Every denial carries the policy statement that is recorded in the ledger.
type ForbiddenError struct {
	Action string
	Policy string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s forbidden: %s", e.Action, e.Policy)
}

// Principal is the authenticated caller, resolved by the transport layer.
type Principal struct {
	UserID string
	OrgID  string
	// Role is the caller's org role (owner, admin, member).
	Role string
	// Name is the display name from the member record.
	Name string
}

func (p Principal) elevated() bool {
	return p.Role == domain.OrgRoleOwner || p.Role == domain.OrgRoleAdmin
}

// CanSignFor checks whether the principal may record a signature with the
// given signer. Members sign only for themselves; admins and owners may
// capture a signature on behalf of another member, for the tablet-handoff
// flow where the site contact signs on the technician's device.
func CanSignFor(p Principal, signerUserID string) error {
	if signerUserID == p.UserID {
		return nil
	}
	if p.elevated() {
		return nil
	}
	return ForbiddenError{
		Action: "sign_on_behalf",
		Policy: "only org admins and owners may capture a signature for another member",
	}
}

// CanRevoke checks whether the principal may revoke a signature. The original
// signer may revoke their own; otherwise admin or owner is required.
func CanRevoke(p Principal, sig domain.Signature) error {
	if sig.UserID == p.UserID {
		return nil
	}
	if p.elevated() {
		return nil
	}
	return ForbiddenError{
		Action: "revoke_signature",
		Policy: "only the signer or an org admin/owner may revoke a signature",
	}
}

// CanSupersede checks whether the principal may regenerate over an existing
// open run. The run's creator may; otherwise admin or owner is required.
func CanSupersede(p Principal, run domain.ReportRun) error {
	if run.GeneratedBy == p.UserID {
		return nil
	}
	if p.elevated() {
		return nil
	}
	return ForbiddenError{
		Action: "supersede_run",
		Policy: "only the run creator or an org admin/owner may regenerate an open run",
	}
}

// CanFinalize checks whether the principal may seal a run.
func CanFinalize(p Principal, run domain.ReportRun) error {
	if run.GeneratedBy == p.UserID || p.elevated() {
		return nil
	}
	return ForbiddenError{
		Action: "finalize_run",
		Policy: "only the run creator or an org admin/owner may finalize a report run",
	}
}
