package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"nodegrid/internal/domain"
	"nodegrid/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// Principal kinds. Handlers that accept either kind branch on Kind.
const (
	PrincipalUser = "user"
	PrincipalNode = "node"
)

// Principal is the resolved caller identity: exactly one of UserID or
// NodeID is set, according to Kind. OrganizationID scopes both kinds;
// Role is only meaningful for users.
type Principal struct {
	Kind           string
	UserID         int64
	NodeID         int64
	OrganizationID int64
	Role           string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// principalFromContext is the "either" access mode: any authenticated
// caller passes, and the handler inspects Kind itself.
func principalFromContext(ctx context.Context) (Principal, huma.StatusError) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok {
		return Principal{}, newAPIError(http.StatusUnauthorized, "authentication required")
	}
	return p, nil
}

// userFromContext is the user-only access mode; node credentials are
// rejected as unauthenticated, matching the credential-kind contract.
func userFromContext(ctx context.Context) (Principal, huma.StatusError) {
	p, err := principalFromContext(ctx)
	if err != nil {
		return Principal{}, err
	}
	if p.Kind != PrincipalUser {
		return Principal{}, newAPIError(http.StatusUnauthorized, "a user session is required")
	}
	return p, nil
}

// nodeFromContext is the node-only access mode.
func nodeFromContext(ctx context.Context) (Principal, huma.StatusError) {
	p, err := principalFromContext(ctx)
	if err != nil {
		return Principal{}, err
	}
	if p.Kind != PrincipalNode {
		return Principal{}, newAPIError(http.StatusUnauthorized, "a node API key is required")
	}
	return p, nil
}

type userClaims struct {
	jwt.RegisteredClaims
	OrganizationID int64  `json:"org_id"`
	Role           string `json:"role,omitempty"`
}

func signUserToken(secret string, user domain.User, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := userClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		OrganizationID: user.OrganizationID,
		Role:           user.Role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// authenticateJWT resolves a bearer token to a user principal. The user row
// is re-read so organization and role reflect the store, not stale claims.
func authenticateJWT(ctx context.Context, r repo.Repo, token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &userClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return Principal{}, errors.New("subject claim must be a user id")
	}
	user, err := r.GetUser(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		Kind:           PrincipalUser,
		UserID:         user.ID,
		OrganizationID: user.OrganizationID,
		Role:           user.Role,
	}, nil
}

// authenticateAPIKey resolves an API key to a node principal by hash lookup.
func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	node, err := r.GetNodeByAPIKeyHash(ctx, repo.HashSecret(key))
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		Kind:           PrincipalNode,
		NodeID:         node.ID,
		OrganizationID: node.OrganizationID,
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware is the authentication gate: every request under the API
// base path must carry exactly one valid credential, resolved to a single
// principal before any handler runs. Health and token issuance are exempt.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	exempt := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "token/user"):   true,
		path.Join(basePath, "openapi.json"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if exempt[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid credentials"))
					return
				}
				principal, err := authenticateJWT(req.Context(), r, token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid credentials"))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid credentials"))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "authentication required"))
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
	_ = json.NewEncoder(w).Encode(err)
}
