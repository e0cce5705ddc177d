package server

// Request payloads. Packet payloads are never accepted from clients; runs are
// always hashed over server-assembled data.

type CreateRunRequest struct {
	JobID      string `json:"job_id"`
	PacketType string `json:"packet_type" enum:"insurance,compliance,handover"`
}

type UpdateRunRequest struct {
	Status string `json:"status" enum:"ready_for_signatures"`
}

type CreateSignatureRequest struct {
	// SignerUserID captures a signature on behalf of another member
	// (admin/owner only); empty means the caller signs.
	SignerUserID        string `json:"signer_user_id,omitempty"`
	Role                string `json:"role" enum:"prepared_by,reviewed_by,approved_by,other"`
	ImageSVG            string `json:"image_svg"`
	AttestationText     string `json:"attestation_text,omitempty"`
	AttestationAccepted bool   `json:"attestation_accepted"`
}

type RevokeSignatureRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateExportRequest struct {
	RunID string `json:"run_id"`
}
