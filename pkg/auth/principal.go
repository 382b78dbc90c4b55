// Package auth holds the authenticated-principal model consumed by dispatch
// and the permission CRUD layer. The engine treats the principal as
// already-authenticated input: every entry point takes it explicitly, and
// nothing in this module reads identity from ambient state.
package auth

import (
	"context"

	"github.com/platinummonkey/trackgate/pkg/contextkeys"
)

// Principal is the resolved identity of the caller. IsAdmin short-circuits
// dispatch entirely; it must be resolved before any resource-identifier
// extraction happens.
type Principal struct {
	Username         string `json:"username"`
	DisplayName      string `json:"display_name,omitempty"`
	IsAdmin          bool   `json:"is_admin"`
	IsServiceAccount bool   `json:"is_service_account"`
}

// WithPrincipal attaches the principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return contextkeys.WithPrincipal(ctx, p)
}

// PrincipalFromContext retrieves the authenticated principal, or nil when
// the request was not authenticated.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, ok := ctx.Value(contextkeys.PrincipalKey).(*Principal)
	if !ok {
		return nil
	}
	return p
}
