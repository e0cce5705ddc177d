package repo

import (
	"context"
	"database/sql"

	"fieldproof/internal/domain"
)

const sigColumns = `id,run_id,user_id,signer_name,signer_title,role,image_svg,attestation_text,signature_hash,origin_addr,client_string,signed_at,revoked_at`

func scanSignature(scan func(dest ...any) error) (domain.Signature, error) {
	var s domain.Signature
	var title, origin, client, revokedAt sql.NullString
	err := scan(&s.ID, &s.RunID, &s.UserID, &s.SignerName, &title, &s.Role, &s.ImageSVG, &s.AttestationText, &s.SignatureHash, &origin, &client, &s.SignedAt, &revokedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.SignerTitle = strOrEmpty(title)
	s.OriginAddr = strOrEmpty(origin)
	s.ClientString = strOrEmpty(client)
	if revokedAt.Valid {
		s.RevokedAt = &revokedAt.String
	}
	return s, nil
}

func (r Repo) InsertSignature(ctx context.Context, tx *sql.Tx, s domain.Signature) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO report_signatures(`+sigColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		s.ID, s.RunID, s.UserID, s.SignerName, nullable(s.SignerTitle), s.Role, s.ImageSVG, s.AttestationText, s.SignatureHash, nullable(s.OriginAddr), nullable(s.ClientString), s.SignedAt, nullableStringPtr(s.RevokedAt))
	return err
}

func (r Repo) GetSignature(ctx context.Context, id string) (domain.Signature, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT `+sigColumns+` FROM report_signatures WHERE id=?`), id)
	return scanSignature(row.Scan)
}

func (r Repo) GetSignatureTx(ctx context.Context, tx *sql.Tx, id string) (domain.Signature, error) {
	row := tx.QueryRowContext(ctx, r.q(`SELECT `+sigColumns+` FROM report_signatures WHERE id=?`), id)
	return scanSignature(row.Scan)
}

func (r Repo) ListSignatures(ctx context.Context, runID string) ([]domain.Signature, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+sigColumns+` FROM report_signatures WHERE run_id=? ORDER BY signed_at, id`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSignatures(rows)
}

func (r Repo) ListSignaturesTx(ctx context.Context, tx *sql.Tx, runID string) ([]domain.Signature, error) {
	rows, err := tx.QueryContext(ctx, r.q(`SELECT `+sigColumns+` FROM report_signatures WHERE run_id=? ORDER BY signed_at, id`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSignatures(rows)
}

func collectSignatures(rows *sql.Rows) ([]domain.Signature, error) {
	var out []domain.Signature
	for rows.Next() {
		s, err := scanSignature(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ActiveSignatureForRole returns the unrevoked signature filling a required
// role on a run, if any.
func (r Repo) ActiveSignatureForRole(ctx context.Context, runID, role string) (domain.Signature, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT `+sigColumns+` FROM report_signatures
WHERE run_id=? AND role=? AND revoked_at IS NULL LIMIT 1`), runID, role)
	return scanSignature(row.Scan)
}

func (r Repo) ActiveSignatureForRoleTx(ctx context.Context, tx *sql.Tx, runID, role string) (domain.Signature, error) {
	row := tx.QueryRowContext(ctx, r.q(`SELECT `+sigColumns+` FROM report_signatures
WHERE run_id=? AND role=? AND revoked_at IS NULL LIMIT 1`), runID, role)
	return scanSignature(row.Scan)
}

func (r Repo) RevokeSignature(ctx context.Context, tx *sql.Tx, id, revokedAt string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE report_signatures SET revoked_at=? WHERE id=? AND revoked_at IS NULL`),
		revokedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
