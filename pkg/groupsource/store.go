package groupsource

import (
	"context"

	"github.com/platinummonkey/trackgate/pkg/permissions"
)

// StoreSource resolves memberships from the permission store's group tables.
// This is the default variant.
type StoreSource struct {
	store *permissions.Store
}

// NewStoreSource creates a store-backed group source.
func NewStoreSource(store *permissions.Store) *StoreSource {
	return &StoreSource{store: store}
}

// FetchGroups returns the groups the user belongs to.
func (s *StoreSource) FetchGroups(ctx context.Context, username string) ([]string, error) {
	return s.store.ListGroupsForUser(ctx, username)
}
