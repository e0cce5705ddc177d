package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"fieldproof/internal/domain"
)

// HashAPIKey returns the stored form of an API key. Raw keys never touch the
// database.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, k domain.APIKey) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO api_keys(id,org_id,user_id,name,key_hash,created_at) VALUES (?,?,?,?,?,?)`),
		k.ID, k.OrgID, k.UserID, nullable(k.Name), k.KeyHash, k.CreatedAt)
	return err
}

func (r Repo) GetAPIKeyByHash(ctx context.Context, keyHash string) (domain.APIKey, error) {
	var k domain.APIKey
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,org_id,user_id,name,key_hash,created_at FROM api_keys WHERE key_hash=?`), keyHash).
		Scan(&k.ID, &k.OrgID, &k.UserID, &name, &k.KeyHash, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if err != nil {
		return k, err
	}
	k.Name = strOrEmpty(name)
	return k, nil
}
