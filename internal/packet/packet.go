// Package packet assembles report packet payloads from job data. The payload
// shape is what gets hashed and later re-assembled by the verifier, so the
// builder must be deterministic for unchanged source rows.
package packet

import (
	"context"
	"fmt"

	"fieldproof/internal/domain"
	"fieldproof/internal/repo"
)

// Builder produces the packet payload for a job and packet type. The default
// builder reads the job row and its evidence; tests substitute fixed payloads.
type Builder interface {
	Build(ctx context.Context, jobID, packetType string) (map[string]any, error)
}

// RepoBuilder assembles packets from the jobs and job_evidence tables.
type RepoBuilder struct {
	Repo repo.Repo
}

func (b RepoBuilder) Build(ctx context.Context, jobID, packetType string) (map[string]any, error) {
	job, err := b.Repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	evidence, err := b.Repo.ListEvidence(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load evidence for job %s: %w", jobID, err)
	}
	return Assemble(job, evidence, packetType), nil
}

// Assemble builds the canonical payload map. Only fields relevant to the
// packet type are included; keys are stable and the evidence list preserves
// capture order.
func Assemble(job domain.Job, evidence []domain.JobEvidence, packetType string) map[string]any {
	items := make([]any, 0, len(evidence))
	for _, e := range evidence {
		item := map[string]any{
			"id":          e.ID,
			"kind":        e.Kind,
			"object_key":  e.ObjectKey,
			"captured_at": e.CapturedAt,
		}
		if e.Caption != "" {
			item["caption"] = e.Caption
		}
		items = append(items, item)
	}
	payload := map[string]any{
		"packet_type": packetType,
		"job": map[string]any{
			"id":      job.ID,
			"site":    job.Site,
			"summary": job.Summary,
		},
		"evidence": items,
	}
	// Compliance packets additionally carry the risk notes the inspector
	// recorded on site.
	if packetType == "compliance" {
		payload["risk_notes"] = job.RiskNotes
	}
	return payload
}
