// Package app wires a workspace together for the CLI: schema migration,
// config generation, first-org bootstrap and principal resolution for local
// commands that bypass HTTP auth.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"fieldproof/internal/config"
	"fieldproof/internal/db"
	"fieldproof/internal/domain"
	"fieldproof/internal/engine/auth"
	"fieldproof/internal/migrate"
	"fieldproof/internal/repo"
)

// Open prepares the workspace store: directory, connection, migrations.
func Open(workspace, url string) (*sql.DB, db.Dialect, error) {
	conn, dialect, err := db.Open(db.Config{Workspace: workspace, URL: url})
	if err != nil {
		return nil, "", err
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, "", err
	}
	return conn, dialect, nil
}

// BootstrapResult reports what Init created.
type BootstrapResult struct {
	OrgID     string `json:"org_id"`
	UserID    string `json:"user_id"`
	APIKey    string `json:"api_key"`
	ConfigNew bool   `json:"config_created"`
}

// Init sets up a fresh workspace: writes the default fieldproof.yml when
// missing and creates the organization with its owner and an API key. The
// raw key is shown once and only its hash is stored.
func Init(ctx context.Context, conn *sql.DB, dialect db.Dialect, workspace, orgName, ownerID, ownerName string) (BootstrapResult, error) {
	var res BootstrapResult
	r := repo.Repo{DB: conn, Dialect: dialect}

	if n, err := r.CountOrgs(ctx); err != nil {
		return res, err
	} else if n > 0 {
		return res, errors.New("workspace already initialized")
	}

	cfgPath := config.Path(workspace)
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
			return res, fmt.Errorf("write config: %w", err)
		}
		res.ConfigNew = true
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	org := domain.Org{ID: uuid.NewString(), Name: orgName, CreatedAt: now}
	if err := r.InsertOrg(ctx, tx, org); err != nil {
		return res, err
	}
	member := domain.OrgMember{
		OrgID: org.ID, UserID: ownerID, DisplayName: ownerName,
		Role: domain.OrgRoleOwner, CreatedAt: now,
	}
	if err := r.UpsertMember(ctx, tx, member); err != nil {
		return res, err
	}
	rawKey := "fpk_" + uuid.NewString()
	key := domain.APIKey{
		ID: uuid.NewString(), OrgID: org.ID, UserID: ownerID,
		Name: "bootstrap", KeyHash: repo.HashAPIKey(rawKey), CreatedAt: now,
	}
	if err := r.InsertAPIKey(ctx, tx, key); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.OrgID = org.ID
	res.UserID = ownerID
	res.APIKey = rawKey
	return res, nil
}

// ResolvePrincipal builds the acting identity for local commands from the
// org membership table. CLI access to the workspace store implies local
// trust; HTTP callers go through the server's auth middleware instead.
func ResolvePrincipal(ctx context.Context, r repo.Repo, orgID, userID string) (auth.Principal, error) {
	if orgID == "" {
		return auth.Principal{}, errors.New("--org is required")
	}
	if userID == "" {
		return auth.Principal{}, errors.New("--user is required")
	}
	member, err := r.GetMember(ctx, orgID, userID)
	if err != nil {
		return auth.Principal{}, fmt.Errorf("user %s is not a member of org %s", userID, orgID)
	}
	return auth.Principal{
		UserID: member.UserID,
		OrgID:  member.OrgID,
		Role:   member.Role,
		Name:   member.DisplayName,
	}, nil
}
