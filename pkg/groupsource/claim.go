package groupsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/trackgate/pkg/auth"
	"github.com/platinummonkey/trackgate/pkg/permissions"
)

const (
	defaultGroupsClaim   = "groups"
	defaultUsernameClaim = "preferred_username"

	claimCacheSize = 4096
	claimCacheTTL  = 5 * time.Minute
)

// ClaimSource verifies bearer tokens against an OIDC issuer and reads group
// memberships from a token claim. It doubles as the bearer authenticator for
// the auth-context middleware: Authenticate records the verified groups so
// that a later FetchGroups for the same username sees them without holding
// the credential.
type ClaimSource struct {
	verifier      *oidc.IDTokenVerifier
	store         *permissions.Store
	logger        *logrus.Logger
	groupsClaim   string
	usernameClaim string

	// Verified memberships by username, filled by Authenticate.
	groups *expirable.LRU[string, []string]
}

// NewClaimSource discovers the OIDC issuer and prepares the token verifier.
func NewClaimSource(cfg Config, store *permissions.Store, logger *logrus.Logger) (*ClaimSource, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("claim group source requires an issuer URL")
	}

	provider, err := oidc.NewProvider(context.Background(), cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	groupsClaim := cfg.GroupsClaim
	if groupsClaim == "" {
		groupsClaim = defaultGroupsClaim
	}
	usernameClaim := cfg.UsernameClaim
	if usernameClaim == "" {
		usernameClaim = defaultUsernameClaim
	}

	return &ClaimSource{
		verifier:      provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		store:         store,
		logger:        logger,
		groupsClaim:   groupsClaim,
		usernameClaim: usernameClaim,
		groups:        expirable.NewLRU[string, []string](claimCacheSize, nil, claimCacheTTL),
	}, nil
}

// Authenticate verifies the bearer token and resolves the principal. The
// admin flag comes from the user table when the user is known there; a token
// alone never grants admin.
func (c *ClaimSource) Authenticate(ctx context.Context, rawToken string) (*auth.Principal, error) {
	idToken, err := c.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	var claims map[string]json.RawMessage
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode claims: %w", err)
	}

	var username string
	if raw, ok := claims[c.usernameClaim]; ok {
		if err := json.Unmarshal(raw, &username); err != nil {
			return nil, fmt.Errorf("invalid %s claim: %w", c.usernameClaim, err)
		}
	}
	if username == "" {
		return nil, fmt.Errorf("token is missing the %s claim", c.usernameClaim)
	}

	var groups []string
	if raw, ok := claims[c.groupsClaim]; ok {
		if err := json.Unmarshal(raw, &groups); err != nil {
			return nil, fmt.Errorf("invalid %s claim: %w", c.groupsClaim, err)
		}
	}
	c.groups.Add(username, groups)

	principal := &auth.Principal{Username: username}
	if c.store != nil {
		user, err := c.store.GetUser(ctx, username)
		switch {
		case err == nil:
			if !user.IsActive {
				return nil, fmt.Errorf("user %s is deactivated", username)
			}
			principal.DisplayName = user.DisplayName
			principal.IsAdmin = user.IsAdmin
			principal.IsServiceAccount = user.IsServiceAccount
		case errors.Is(err, permissions.ErrNotFound):
			// Token-only principals are valid; they just hold no
			// server-side flags.
		default:
			return nil, err
		}
	}
	return principal, nil
}

// FetchGroups returns the groups recorded for a username at its last
// successful Authenticate. A username never seen by Authenticate has no
// groups from this source.
func (c *ClaimSource) FetchGroups(_ context.Context, username string) ([]string, error) {
	if groups, ok := c.groups.Get(username); ok {
		return groups, nil
	}
	return nil, nil
}
