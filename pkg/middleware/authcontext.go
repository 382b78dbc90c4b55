// Package middleware provides the authentication context provider that
// resolves (username, is_admin) for every request before dispatch runs.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/platinummonkey/trackgate/pkg/auth"
	"github.com/platinummonkey/trackgate/pkg/httputil"
	"github.com/platinummonkey/trackgate/pkg/observability"
	"github.com/platinummonkey/trackgate/pkg/permissions"
)

// BearerAuthenticator resolves a principal from a bearer credential.
// Implemented by the claim-based group source (pkg/groupsource).
type BearerAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Principal, error)
}

// AuthContext resolves the calling principal from HTTP basic credentials
// (checked against the user table) or a bearer token. Dispatch and the CRUD
// layer consume only the resulting (username, is_admin) pair.
type AuthContext struct {
	store  *permissions.Store
	bearer BearerAuthenticator
	logger *observability.Logger
}

// NewAuthContext creates the authentication context provider. bearer may be
// nil when bearer-token auth is not configured.
func NewAuthContext(store *permissions.Store, bearer BearerAuthenticator, logger *observability.Logger) *AuthContext {
	return &AuthContext{
		store:  store,
		bearer: bearer,
		logger: logger,
	}
}

// Handler wraps an HTTP handler with principal resolution.
func (a *AuthContext) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := a.resolve(w, r)
		if !ok {
			return
		}
		ctx := auth.WithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *AuthContext) resolve(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	if username, password, ok := r.BasicAuth(); ok {
		return a.resolveBasic(w, r, username, password)
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return a.resolveBearer(w, r, strings.TrimPrefix(authHeader, "Bearer "))
	}

	w.Header().Set("WWW-Authenticate", `Basic realm="trackgate"`)
	httputil.WriteUnauthorized(w, "authentication required")
	return nil, false
}

func (a *AuthContext) resolveBasic(w http.ResponseWriter, r *http.Request, username, password string) (*auth.Principal, bool) {
	user, err := a.store.GetUser(r.Context(), username)
	if err != nil || !user.IsActive || !auth.VerifyPassword(password, user.PasswordHash) {
		a.logger.WithField("username", username).Debug("Basic auth rejected")
		httputil.WriteUnauthorized(w, "invalid credentials")
		return nil, false
	}
	return &auth.Principal{
		Username:         user.Username,
		DisplayName:      user.DisplayName,
		IsAdmin:          user.IsAdmin,
		IsServiceAccount: user.IsServiceAccount,
	}, true
}

func (a *AuthContext) resolveBearer(w http.ResponseWriter, r *http.Request, token string) (*auth.Principal, bool) {
	if a.bearer == nil {
		httputil.WriteUnauthorized(w, "bearer authentication not configured")
		return nil, false
	}
	principal, err := a.bearer.Authenticate(r.Context(), token)
	if err != nil {
		a.logger.WithError(err).Debug("Bearer auth rejected")
		httputil.WriteUnauthorized(w, "invalid or expired token")
		return nil, false
	}
	return principal, true
}
