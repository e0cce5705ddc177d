package repo

import (
	"context"
	"database/sql"

	"fieldproof/internal/domain"
)

const ledgerColumns = `id,org_id,actor_id,event_type,category,severity,outcome,target_type,target_id,metadata_json,created_at`

func scanLedgerEvent(scan func(dest ...any) error) (domain.LedgerEvent, error) {
	var e domain.LedgerEvent
	var targetType, targetID sql.NullString
	err := scan(&e.ID, &e.OrgID, &e.ActorID, &e.EventType, &e.Category, &e.Severity, &e.Outcome, &targetType, &targetID, &e.Metadata, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.TargetType = strOrEmpty(targetType)
	e.TargetID = strOrEmpty(targetID)
	return e, nil
}

// LedgerFilter narrows a ledger listing. Zero values mean "any".
type LedgerFilter struct {
	EventType  string
	Category   string
	TargetType string
	TargetID   string
	AfterID    int64
	Limit      int
}

func (r Repo) ListLedgerEvents(ctx context.Context, orgID string, f LedgerFilter) ([]domain.LedgerEvent, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_events WHERE org_id=?`
	args := []any{orgID}
	if f.EventType != "" {
		query += ` AND event_type=?`
		args = append(args, f.EventType)
	}
	if f.Category != "" {
		query += ` AND category=?`
		args = append(args, f.Category)
	}
	if f.TargetType != "" {
		query += ` AND target_type=?`
		args = append(args, f.TargetType)
	}
	if f.TargetID != "" {
		query += ` AND target_id=?`
		args = append(args, f.TargetID)
	}
	if f.AfterID > 0 {
		query += ` AND id > ?`
		args = append(args, f.AfterID)
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.LedgerEvent
	for rows.Next() {
		e, err := scanLedgerEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r Repo) CountLedgerEvents(ctx context.Context, orgID, eventType string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM ledger_events WHERE org_id=? AND event_type=?`), orgID, eventType).Scan(&n)
	return n, err
}
