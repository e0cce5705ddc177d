package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"fieldproof/internal/engine/auth"
	"fieldproof/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	Logger    *log.Logger
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (auth.Principal, huma.StatusError) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	if !ok || p.UserID == "" {
		return auth.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return p, nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	OrgID string `json:"org_id,omitempty"`
}

// authenticateJWT validates an HS256 bearer token carrying the user in sub
// and the organization in org_id.
func authenticateJWT(token, secret string) (userID, orgID string, err error) {
	if strings.TrimSpace(secret) == "" {
		return "", "", errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", "", err
	}
	if !parsed.Valid {
		return "", "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", "", errors.New("subject claim required")
	}
	if claims.OrgID == "" {
		return "", "", errors.New("org_id claim required")
	}
	return claims.Subject, claims.OrgID, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (userID, orgID string, err error) {
	if strings.TrimSpace(key) == "" {
		return "", "", errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return "", "", err
	}
	return apiKey.UserID, apiKey.OrgID, nil
}

// resolvePrincipal loads the org membership for an authenticated identity.
// The member record carries the display name and org role that the signing
// engine records, so a user without membership cannot act at all.
func resolvePrincipal(ctx context.Context, r repo.Repo, userID, orgID string) (auth.Principal, error) {
	member, err := r.GetMember(ctx, orgID, userID)
	if err != nil {
		return auth.Principal{}, errors.New("no membership in organization")
	}
	return auth.Principal{
		UserID: userID,
		OrgID:  orgID,
		Role:   member.Role,
		Name:   member.DisplayName,
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			var userID, orgID string
			var err error
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				userID, orgID, err = authenticateJWT(token, cfg.JWTSecret)
			case apiKeyHeader != "":
				userID, orgID, err = authenticateAPIKey(req.Context(), r, apiKeyHeader)
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			principal, err := resolvePrincipal(req.Context(), r, userID, orgID)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	var body any = map[string]any{"error": map[string]any{"code": "internal_error", "message": err.Error()}}
	if e, ok := err.(*apiError); ok {
		body = map[string]any{"error": e.Body}
	}
	_ = json.NewEncoder(w).Encode(body)
}
