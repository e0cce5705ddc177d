// Package db opens the durable store. Two backends are supported: a SQLite
// file inside the workspace for single-node deployments, and PostgreSQL for
// shared deployments where the export queue is drained by workers on several
// machines. The detected dialect drives placeholder rebinding, migration
// selection and claim-strategy capability checks.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const defaultDBName = "fieldproof.db"

// Dialect identifies the SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SupportsRowLocking reports whether the backend can claim queue rows with
// SELECT ... FOR UPDATE SKIP LOCKED.
func (d Dialect) SupportsRowLocking() bool { return d == DialectPostgres }

// IsUniqueViolation reports whether err is a unique-constraint rejection
// from either backend. SQLite says "UNIQUE constraint failed", Postgres
// raises SQLSTATE 23505 as "duplicate key value violates unique constraint";
// both drivers carry the text in the error string.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

// Rebind rewrites ?-style placeholders into the backend's native form.
// SQL in this repo is written once with ? and rebound here for Postgres.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inSingle := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inSingle = !inSingle
			b.WriteByte(c)
		case c == '?' && !inSingle:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

type Config struct {
	// Workspace holds the SQLite file under .fieldproof/ when URL is empty.
	Workspace string
	// URL selects PostgreSQL when it starts with postgres:// (or postgresql://).
	URL string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".fieldproof", defaultDBName)
}

// EnsureWorkspace creates the workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".fieldproof")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open connects to the configured backend and reports its dialect.
func Open(cfg Config) (*sql.DB, Dialect, error) {
	if strings.HasPrefix(cfg.URL, "postgres://") || strings.HasPrefix(cfg.URL, "postgresql://") {
		conn, err := sql.Open("pgx", cfg.URL)
		if err != nil {
			return nil, "", err
		}
		return conn, DialectPostgres, nil
	}
	if cfg.URL != "" {
		return nil, "", fmt.Errorf("unsupported database url %q", cfg.URL)
	}
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, "", err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", err
	}
	// Writes from concurrent claim tests and the API serialize through one
	// connection; SQLite allows a single writer anyway.
	conn.SetMaxOpenConns(1)
	return conn, DialectSQLite, nil
}

// Path returns the SQLite path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
