package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"log"
	"strings"
	"testing"

	"fieldproof/internal/db"
	"fieldproof/internal/migrate"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func countEvents(t *testing.T, conn *sql.DB, eventType string) int {
	t.Helper()
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM ledger_events WHERE event_type=?`, eventType).Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func TestWarnPolicyDropsInvalidEventAndContinues(t *testing.T) {
	conn := newTestDB(t)
	var buf bytes.Buffer
	w := Writer{
		Registry: DefaultRegistry(),
		Dialect:  db.DialectSQLite,
		Policy:   PolicyWarn,
		Logger:   log.New(&buf, "", 0),
	}
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	err = w.Append(context.Background(), tx, Entry{
		OrgID:     "org1",
		ActorID:   "u1",
		EventType: "report.run_ready",
		// run_id missing
	})
	if err != nil {
		t.Fatalf("warn policy should not fail the operation: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := countEvents(t, conn, "report.run_ready"); got != 0 {
		t.Fatalf("invalid event persisted: %d rows", got)
	}
	if !strings.Contains(buf.String(), "run_id") {
		t.Fatalf("violation not logged: %q", buf.String())
	}
}

func TestBlockPolicyFailsOperation(t *testing.T) {
	conn := newTestDB(t)
	w := Writer{Registry: DefaultRegistry(), Dialect: db.DialectSQLite, Policy: PolicyBlock}
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	err = w.Append(context.Background(), tx, Entry{
		OrgID:     "org1",
		ActorID:   "u1",
		EventType: "report.run_ready",
	})
	if err == nil {
		t.Fatal("block policy should reject the invalid event")
	}
	if !strings.Contains(err.Error(), "run_id") {
		t.Fatalf("error should name the missing key: %v", err)
	}
}

func TestValidEventPersistsWithContractDefaults(t *testing.T) {
	conn := newTestDB(t)
	w := Writer{Registry: DefaultRegistry(), Dialect: db.DialectSQLite, Policy: PolicyBlock}
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = w.Append(context.Background(), tx, Entry{
		OrgID:      "org1",
		ActorID:    "u1",
		EventType:  "report.hash_mismatch",
		TargetType: "report_run",
		TargetID:   "run1",
		Metadata: map[string]any{
			"run_id":        "run1",
			"stored_hash":   "sha256:aa",
			"computed_hash": "sha256:bb",
		},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	var severity, outcome, category string
	err = conn.QueryRow(`SELECT severity,outcome,category FROM ledger_events WHERE event_type='report.hash_mismatch'`).
		Scan(&severity, &outcome, &category)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if severity != SeverityCritical || outcome != OutcomeFailure || category != CategoryReport {
		t.Fatalf("defaults not applied: %s/%s/%s", severity, outcome, category)
	}
}
