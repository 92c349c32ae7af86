package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// authKey is the context key for the authenticated principal.
type authKey struct{}

// AuthContext holds the claims decoded from a verified access token. It is
// derived once per request and never persisted.
type AuthContext struct {
	UserID      string
	TenantID    string
	Roles       []string
	Permissions []string
	TokenType   string
}

// Claims is the JWT payload issued by the auth service.
type Claims struct {
	TenantID    string   `json:"tenant_id,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware verifies the bearer credential on protected routes. A
// missing credential is 401; a credential that fails signature or expiry
// checks, or is not an access token, is 403. On success the decoded
// principal is attached to the request context.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := extractBearer(r)
			if err != nil {
				WriteError(w, r, http.StatusUnauthorized, CodeMissingCredential, err.Error())
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				WriteError(w, r, http.StatusForbidden, CodeInvalidCredential, "credential is invalid or expired")
				return
			}
			if claims.TokenType != "" && claims.TokenType != "access" {
				WriteError(w, r, http.StatusForbidden, CodeInvalidCredential, "credential is not an access token")
				return
			}

			ac := &AuthContext{
				UserID:      claims.Subject,
				TenantID:    claims.TenantID,
				Roles:       claims.Roles,
				Permissions: claims.Permissions,
				TokenType:   claims.TokenType,
			}
			ctx := context.WithValue(r.Context(), authKey{}, ac)
			AddLogField(ctx, "user_id", ac.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAuth retrieves the authenticated principal from context.
// Returns nil on public routes.
func GetAuth(ctx context.Context) *AuthContext {
	if ac, ok := ctx.Value(authKey{}).(*AuthContext); ok {
		return ac
	}
	return nil
}

func extractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errors.New("Authorization header is not a bearer credential")
	}
	return parts[1], nil
}
