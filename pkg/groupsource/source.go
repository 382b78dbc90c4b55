// Package groupsource provides the pluggable group-membership sources the
// resolver consults for group and group-regex permissions. Variants are
// selected by configuration through a registered factory map, never by
// dynamically loading a module by name.
package groupsource

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/trackgate/pkg/permissions"
)

// Kind names a registered group-source variant.
type Kind string

const (
	// KindStore reads memberships from the permission store's tables.
	KindStore Kind = "store"
	// KindStatic reads memberships from a YAML file, hot-reloaded on change.
	KindStatic Kind = "static"
	// KindClaim reads memberships from a groups claim in a verified
	// bearer token.
	KindClaim Kind = "claim"
)

// Config selects and configures a group source.
type Config struct {
	Kind Kind `yaml:"kind"`

	// StaticPath is the membership file for KindStatic.
	StaticPath string `yaml:"static_path,omitempty"`

	// Claim settings for KindClaim.
	IssuerURL     string `yaml:"issuer_url,omitempty"`
	ClientID      string `yaml:"client_id,omitempty"`
	GroupsClaim   string `yaml:"groups_claim,omitempty"`
	UsernameClaim string `yaml:"username_claim,omitempty"`
}

// New constructs the configured group source. The claim variant is also a
// bearer authenticator; callers that need it can type-assert.
func New(cfg Config, store *permissions.Store, logger *logrus.Logger) (permissions.GroupSource, error) {
	switch cfg.Kind {
	case KindStore, "":
		return NewStoreSource(store), nil
	case KindStatic:
		return NewStaticSource(cfg.StaticPath, logger)
	case KindClaim:
		return NewClaimSource(cfg, store, logger)
	default:
		return nil, fmt.Errorf("unknown group source kind %q", cfg.Kind)
	}
}
