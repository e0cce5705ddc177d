package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"fieldproof/internal/db"
)

// Validation policies for contract failures. Block fails the surrounding
// business operation; Warn records nothing for the bad event but lets the
// operation proceed.
const (
	PolicyBlock = "block"
	PolicyWarn  = "warn"
)

// ErrContract wraps contract violations when the policy is block.
var ErrContract = errors.New("ledger event failed contract validation")

// Entry is one event to append. Severity/outcome default from the contract
// when left empty.
type Entry struct {
	OrgID      string
	ActorID    string
	EventType  string
	Severity   string
	Outcome    string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

// Writer appends contract-validated events inside the caller's transaction.
// Rows are insert-only; nothing in this package updates or deletes.
type Writer struct {
	Registry *Registry
	Dialect  db.Dialect
	Policy   string
	Logger   *log.Logger
	Now      func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Writer) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// Append validates the entry and inserts it. With PolicyWarn a contract
// failure is logged and swallowed so the caller's operation still commits;
// with PolicyBlock it returns ErrContract and the caller's tx rolls back.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Registry == nil {
		return errors.New("ledger writer has no registry")
	}
	violations := w.Registry.Validate(e.EventType, e.Metadata)
	if len(violations) > 0 {
		if w.Policy == PolicyBlock {
			return fmt.Errorf("%w: %s: %s", ErrContract, e.EventType, joinViolations(violations))
		}
		w.logger().Printf("WARNING: dropping ledger event %s: %s", e.EventType, joinViolations(violations))
		return nil
	}
	c, _ := w.Registry.Contract(e.EventType)
	severity := e.Severity
	if severity == "" {
		severity = c.DefaultSeverity
	}
	outcome := e.Outcome
	if outcome == "" {
		outcome = c.DefaultOutcome
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	ts := w.now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO ledger_events(org_id,actor_id,event_type,category,severity,outcome,target_type,target_id,metadata_json,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		e.OrgID, e.ActorID, e.EventType, c.Category, severity, outcome, nullable(e.TargetType), nullable(e.TargetID), string(payload), ts)
	return err
}

func joinViolations(vs []Violation) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
