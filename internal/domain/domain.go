package domain

// Report run statuses. complete and final are both terminal; final only
// appears on rows sealed by earlier versions of the platform.
const (
	RunDraft      = "draft"
	RunReady      = "ready_for_signatures"
	RunComplete   = "complete"
	RunFinal      = "final"
	RunSuperseded = "superseded"
)

// Signature roles. The three required roles must all be present before a run
// can be sealed; "other" may repeat.
const (
	RolePreparedBy = "prepared_by"
	RoleReviewedBy = "reviewed_by"
	RoleApprovedBy = "approved_by"
	RoleOther      = "other"
)

// RequiredRoles in gate-check order.
var RequiredRoles = []string{RolePreparedBy, RoleReviewedBy, RoleApprovedBy}

// Export job states.
const (
	ExportQueued    = "queued"
	ExportPreparing = "preparing"
	ExportSucceeded = "succeeded"
	ExportFailed    = "failed"
)

// Org roles as resolved by the identity service.
const (
	OrgRoleOwner  = "owner"
	OrgRoleAdmin  = "admin"
	OrgRoleMember = "member"
)

type ReportRun struct {
	ID          string  `json:"id"`
	OrgID       string  `json:"org_id"`
	JobID       string  `json:"job_id"`
	PacketType  string  `json:"packet_type" enum:"insurance,compliance,handover"`
	DataHash    string  `json:"data_hash"`
	Status      string  `json:"status" enum:"draft,ready_for_signatures,complete,final,superseded"`
	GeneratedBy string  `json:"generated_by"`
	GeneratedAt string  `json:"generated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// Terminal reports whether the run can accept no further mutation.
func (r ReportRun) Terminal() bool {
	return r.Status == RunComplete || r.Status == RunFinal || r.Status == RunSuperseded
}

// Sealed reports whether the run has been finalized.
func (r ReportRun) Sealed() bool {
	return r.Status == RunComplete || r.Status == RunFinal
}

type Signature struct {
	ID              string  `json:"id"`
	RunID           string  `json:"run_id"`
	UserID          string  `json:"user_id"`
	SignerName      string  `json:"signer_name"`
	SignerTitle     string  `json:"signer_title,omitempty"`
	Role            string  `json:"role" enum:"prepared_by,reviewed_by,approved_by,other"`
	ImageSVG        string  `json:"image_svg"`
	AttestationText string  `json:"attestation_text"`
	SignatureHash   string  `json:"signature_hash"`
	OriginAddr      string  `json:"origin_addr,omitempty"`
	ClientString    string  `json:"client_string,omitempty"`
	SignedAt        string  `json:"signed_at" format:"date-time"`
	RevokedAt       *string `json:"revoked_at,omitempty" format:"date-time"`
}

// Active reports whether the signature still counts toward role completeness.
func (s Signature) Active() bool { return s.RevokedAt == nil }

type LedgerEvent struct {
	ID         int64  `json:"id"`
	OrgID      string `json:"org_id"`
	ActorID    string `json:"actor_id"`
	EventType  string `json:"event_type"`
	Category   string `json:"category"`
	Severity   string `json:"severity"`
	Outcome    string `json:"outcome"`
	TargetType string `json:"target_type,omitempty"`
	TargetID   string `json:"target_id,omitempty"`
	Metadata   string `json:"metadata_json"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type ExportJob struct {
	ID          string  `json:"id"`
	OrgID       string  `json:"org_id"`
	RunID       string  `json:"run_id"`
	State       string  `json:"state" enum:"queued,preparing,succeeded,failed"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ClaimedBy   *string `json:"claimed_by,omitempty"`
	ClaimedAt   *string `json:"claimed_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	Error       string  `json:"error,omitempty"`
}

// Job is a field-service job. Report packets are assembled from the job row
// and its evidence; the rest of the job CRUD surface lives outside this core.
type Job struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Site      string `json:"site"`
	Summary   string `json:"summary,omitempty"`
	RiskNotes string `json:"risk_notes,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type JobEvidence struct {
	ID         string `json:"id"`
	JobID      string `json:"job_id"`
	Kind       string `json:"kind"`
	Caption    string `json:"caption,omitempty"`
	ObjectKey  string `json:"object_key"`
	CapturedAt string `json:"captured_at" format:"date-time"`
}

type Org struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// OrgMember mirrors what the identity service knows about a user inside an
// organization. Display name and title feed the signature hash.
type OrgMember struct {
	OrgID       string `json:"org_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Title       string `json:"title,omitempty"`
	Role        string `json:"role" enum:"owner,admin,member"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
