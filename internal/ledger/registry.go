// Package ledger owns the append-only audit trail: a closed catalogue of
// permissible event types and the writer that validates every event against
// it before the durable insert. Every module that records a consequential
// action goes through this package; ad hoc event shapes never reach the
// table.
package ledger

import (
	"fmt"
	"sort"
)

// Event categories.
const (
	CategoryReport = "report"
	CategoryExport = "export"
	CategoryAuth   = "auth"
)

// Severities and outcomes.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Contract describes one permissible event type.
type Contract struct {
	Category        string
	DefaultSeverity string
	DefaultOutcome  string
	Required        []string
	Optional        []string
}

// Registry is an immutable event-type catalogue, built once at process start
// and injected into every writer.
type Registry struct {
	contracts map[string]Contract
}

// Violation is one reason an event failed contract validation.
type Violation struct {
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Reason
	}
	return fmt.Sprintf("%s: %s", v.Field, v.Reason)
}

// NewRegistry copies the contract table so callers cannot mutate it later.
func NewRegistry(contracts map[string]Contract) *Registry {
	m := make(map[string]Contract, len(contracts))
	for k, v := range contracts {
		m[k] = v
	}
	return &Registry{contracts: m}
}

// DefaultRegistry returns the platform catalogue.
func DefaultRegistry() *Registry {
	return NewRegistry(map[string]Contract{
		"report.run_created": {
			Category: CategoryReport, DefaultSeverity: SeverityInfo, DefaultOutcome: OutcomeSuccess,
			Required: []string{"run_id", "job_id", "packet_type", "data_hash"},
			Optional: []string{"status"},
		},
		"report.run_ready": {
			Category: CategoryReport, DefaultSeverity: SeverityInfo, DefaultOutcome: OutcomeSuccess,
			Required: []string{"run_id"},
		},
		"report.run_superseded": {
			Category: CategoryReport, DefaultSeverity: SeverityInfo, DefaultOutcome: OutcomeSuccess,
			Required: []string{"run_id", "superseded_by"},
		},
		"report.signature_added": {
			Category: CategoryReport, DefaultSeverity: SeverityInfo, DefaultOutcome: OutcomeSuccess,
			Required: []string{"run_id", "signature_id", "role"},
			Optional: []string{"on_behalf_of"},
		},
		"report.signature_revoked": {
			Category: CategoryReport, DefaultSeverity: SeverityWarning, DefaultOutcome: OutcomeSuccess,
			Required: []string{"run_id", "signature_id", "role"},
			Optional: []string{"reason"},
		},
		"report.finalized": {
			Category: CategoryReport, DefaultSeverity: SeverityInfo, DefaultOutcome: OutcomeSuccess,
			Required: []string{"run_id", "data_hash"},
		},
		"report.hash_mismatch": {
			Category: CategoryReport, DefaultSeverity: SeverityCritical, DefaultOutcome: OutcomeFailure,
			Required: []string{"run_id", "stored_hash", "computed_hash"},
		},
		"report.signature_hash_mismatch": {
			Category: CategoryReport, DefaultSeverity: SeverityCritical, DefaultOutcome: OutcomeFailure,
			Required: []string{"run_id", "signature_id"},
		},
		"export.job_enqueued": {
			Category: CategoryExport, DefaultSeverity: SeverityInfo, DefaultOutcome: OutcomeSuccess,
			Required: []string{"export_job_id", "run_id"},
		},
		"export.job_claimed": {
			Category: CategoryExport, DefaultSeverity: SeverityInfo, DefaultOutcome: OutcomeSuccess,
			Required: []string{"export_job_id", "worker_id"},
		},
		"export.job_completed": {
			Category: CategoryExport, DefaultSeverity: SeverityInfo, DefaultOutcome: OutcomeSuccess,
			Required: []string{"export_job_id", "worker_id"},
			Optional: []string{"artifact"},
		},
		"export.job_failed": {
			Category: CategoryExport, DefaultSeverity: SeverityWarning, DefaultOutcome: OutcomeFailure,
			Required: []string{"export_job_id", "worker_id", "error"},
		},
		"export.job_reclaimed": {
			Category: CategoryExport, DefaultSeverity: SeverityWarning, DefaultOutcome: OutcomeSuccess,
			Required: []string{"export_job_id", "previous_worker"},
		},
		"auth.role_violation": {
			Category: CategoryAuth, DefaultSeverity: SeverityWarning, DefaultOutcome: OutcomeDenied,
			Required: []string{"attempted_action", "policy_statement"},
			Optional: []string{"target_id"},
		},
	})
}

// Contract looks up a type; ok is false for unknown types.
func (r *Registry) Contract(eventType string) (Contract, bool) {
	c, ok := r.contracts[eventType]
	return c, ok
}

// Types returns the catalogue's event types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.contracts))
	for k := range r.contracts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks an event against its contract and returns every violation
// rather than stopping at the first, so the caller can log or surface the
// full picture and decide whether to block the write.
func (r *Registry) Validate(eventType string, metadata map[string]any) []Violation {
	c, ok := r.contracts[eventType]
	if !ok {
		return []Violation{{Reason: fmt.Sprintf("unknown event type %q", eventType)}}
	}
	var out []Violation
	for _, key := range c.Required {
		v, present := metadata[key]
		if !present {
			out = append(out, Violation{Field: key, Reason: "required metadata key missing"})
			continue
		}
		if v == nil {
			out = append(out, Violation{Field: key, Reason: "required metadata key is null"})
		}
	}
	return out
}
