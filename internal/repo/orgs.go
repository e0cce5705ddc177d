package repo

import (
	"context"
	"database/sql"

	"fieldproof/internal/domain"
)

func (r Repo) InsertOrg(ctx context.Context, tx *sql.Tx, o domain.Org) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO orgs(id,name,created_at) VALUES (?,?,?)`), o.ID, o.Name, o.CreatedAt)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Org, error) {
	var o domain.Org
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,name,created_at FROM orgs WHERE id=?`), id).Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) CountOrgs(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM orgs`).Scan(&n)
	return n, err
}

func (r Repo) UpsertMember(ctx context.Context, tx *sql.Tx, m domain.OrgMember) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE org_members SET display_name=?, title=?, role=? WHERE org_id=? AND user_id=?`),
		m.DisplayName, nullable(m.Title), m.Role, m.OrgID, m.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO org_members(org_id,user_id,display_name,title,role,created_at) VALUES (?,?,?,?,?,?)`),
		m.OrgID, m.UserID, m.DisplayName, nullable(m.Title), m.Role, m.CreatedAt)
	return err
}

func scanMember(scan func(dest ...any) error) (domain.OrgMember, error) {
	var m domain.OrgMember
	var title sql.NullString
	err := scan(&m.OrgID, &m.UserID, &m.DisplayName, &title, &m.Role, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Title = strOrEmpty(title)
	return m, nil
}

func (r Repo) GetMember(ctx context.Context, orgID, userID string) (domain.OrgMember, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT org_id,user_id,display_name,title,role,created_at FROM org_members WHERE org_id=? AND user_id=?`), orgID, userID)
	return scanMember(row.Scan)
}

func (r Repo) GetMemberTx(ctx context.Context, tx *sql.Tx, orgID, userID string) (domain.OrgMember, error) {
	row := tx.QueryRowContext(ctx, r.q(`SELECT org_id,user_id,display_name,title,role,created_at FROM org_members WHERE org_id=? AND user_id=?`), orgID, userID)
	return scanMember(row.Scan)
}
