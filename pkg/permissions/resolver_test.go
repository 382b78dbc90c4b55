package permissions

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/trackgate/pkg/observability"
)

type groupsFunc func(ctx context.Context, username string) ([]string, error)

func (f groupsFunc) FetchGroups(ctx context.Context, username string) ([]string, error) {
	return f(ctx, username)
}

func staticGroups(groups ...string) GroupSource {
	return groupsFunc(func(context.Context, string) ([]string, error) {
		return groups, nil
	})
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func newTestResolver(t *testing.T, groups GroupSource, opts ...ResolverOption) (*Resolver, *Store) {
	t.Helper()
	store := NewTestStore(t)
	if groups == nil {
		groups = staticGroups()
	}
	return NewResolver(store, groups, testLogger(), opts...), store
}

func TestResolver_FallbackWhenNoSourceMatches(t *testing.T) {
	resolver, _ := newTestResolver(t, nil)

	result, err := resolver.EffectivePermission(context.Background(), ResourceExperiment, "exp-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, LevelRead, result.Level)
	assert.Equal(t, SourceFallback, result.Source)
}

func TestResolver_ConfiguredDefaultLevel(t *testing.T) {
	resolver, _ := newTestResolver(t, nil, WithDefaultLevel(LevelNoPermissions))

	result, err := resolver.EffectivePermission(context.Background(), ResourceExperiment, "exp-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, LevelNoPermissions, result.Level)
	assert.Equal(t, SourceFallback, result.Source)
}

func TestResolver_DirectGrantMustExceedFallback(t *testing.T) {
	resolver, store := newTestResolver(t, nil)
	ctx := context.Background()
	mustCreateUser(t, store, "alice")

	// A direct READ grant equals the READ fallback, so it does not replace it.
	require.NoError(t, store.CreateDirectPermission(ctx, &DirectPermission{
		ResourceType: ResourceExperiment, ResourceKey: "exp-1", Username: "alice", Level: LevelRead,
	}))
	result, err := resolver.EffectivePermission(ctx, ResourceExperiment, "exp-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, result.Source)

	require.NoError(t, store.UpdateDirectPermission(ctx, ResourceExperiment, "exp-1", "alice", LevelEdit))
	result, err = resolver.EffectivePermission(ctx, ResourceExperiment, "exp-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, LevelEdit, result.Level)
	assert.Equal(t, SourceUser, result.Source)
}

func TestResolver_GroupTakesMaxAcrossGroups(t *testing.T) {
	resolver, store := newTestResolver(t, staticGroups("readers", "editors"), WithDefaultLevel(LevelNoPermissions))
	ctx := context.Background()
	mustCreateGroup(t, store, "readers")
	mustCreateGroup(t, store, "editors")

	require.NoError(t, store.CreateGroupPermission(ctx, &GroupPermission{
		ResourceType: ResourceExperiment, ResourceKey: "exp-1", GroupName: "readers", Level: LevelRead,
	}))
	require.NoError(t, store.CreateGroupPermission(ctx, &GroupPermission{
		ResourceType: ResourceExperiment, ResourceKey: "exp-1", GroupName: "editors", Level: LevelEdit,
	}))

	result, err := resolver.EffectivePermission(ctx, ResourceExperiment, "exp-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, LevelEdit, result.Level)
	assert.Equal(t, SourceGroup, result.Source)
}

func TestResolver_LaterSourceCannotLower(t *testing.T) {
	resolver, store := newTestResolver(t, staticGroups("readers"), WithDefaultLevel(LevelNoPermissions))
	ctx := context.Background()
	mustCreateUser(t, store, "alice")
	mustCreateGroup(t, store, "readers")

	require.NoError(t, store.CreateDirectPermission(ctx, &DirectPermission{
		ResourceType: ResourceExperiment, ResourceKey: "exp-1", Username: "alice", Level: LevelManage,
	}))
	require.NoError(t, store.CreateGroupPermission(ctx, &GroupPermission{
		ResourceType: ResourceExperiment, ResourceKey: "exp-1", GroupName: "readers", Level: LevelRead,
	}))

	result, err := resolver.EffectivePermission(ctx, ResourceExperiment, "exp-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, LevelManage, result.Level)
	assert.Equal(t, SourceUser, result.Source)
}

func TestResolver_RegexFirstMatchByPriority(t *testing.T) {
	resolver, store := newTestResolver(t, nil, WithDefaultLevel(LevelNoPermissions))
	ctx := context.Background()
	mustCreateUser(t, store, "alice")

	// The broad low-priority rule wins over the more specific one: first
	// match by priority, not best level.
	require.NoError(t, store.CreateRegexPermission(ctx, &RegexPermission{
		ResourceType: ResourceExperiment, OwnerType: OwnerUser, Owner: "alice",
		Pattern: "^team-", Priority: 1, Level: LevelRead,
	}))
	require.NoError(t, store.CreateRegexPermission(ctx, &RegexPermission{
		ResourceType: ResourceExperiment, OwnerType: OwnerUser, Owner: "alice",
		Pattern: "^team-alpha-", Priority: 2, Level: LevelManage,
	}))

	result, err := resolver.EffectivePermission(ctx, ResourceExperiment, "team-alpha-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, LevelRead, result.Level)
	assert.Equal(t, SourceRegex, result.Source)
}

func TestResolver_RegexInvalidPatternSkipped(t *testing.T) {
	resolver, store := newTestResolver(t, nil, WithDefaultLevel(LevelNoPermissions))
	ctx := context.Background()
	mustCreateUser(t, store, "alice")

	require.NoError(t, store.CreateRegexPermission(ctx, &RegexPermission{
		ResourceType: ResourceExperiment, OwnerType: OwnerUser, Owner: "alice",
		Pattern: "[invalid", Priority: 1, Level: LevelManage,
	}))
	require.NoError(t, store.CreateRegexPermission(ctx, &RegexPermission{
		ResourceType: ResourceExperiment, OwnerType: OwnerUser, Owner: "alice",
		Pattern: "^exp-", Priority: 2, Level: LevelEdit,
	}))

	result, err := resolver.EffectivePermission(ctx, ResourceExperiment, "exp-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, LevelEdit, result.Level)
	assert.Equal(t, SourceRegex, result.Source)
}

func TestResolver_GroupRegexMergedAcrossGroups(t *testing.T) {
	resolver, store := newTestResolver(t, staticGroups("alpha", "beta"), WithDefaultLevel(LevelNoPermissions))
	ctx := context.Background()
	mustCreateGroup(t, store, "alpha")
	mustCreateGroup(t, store, "beta")

	// beta's rule has the lower priority, so it wins even though alpha's
	// rules were fetched first.
	require.NoError(t, store.CreateRegexPermission(ctx, &RegexPermission{
		ResourceType: ResourceExperiment, OwnerType: OwnerGroup, Owner: "alpha",
		Pattern: "^shared-", Priority: 10, Level: LevelManage,
	}))
	require.NoError(t, store.CreateRegexPermission(ctx, &RegexPermission{
		ResourceType: ResourceExperiment, OwnerType: OwnerGroup, Owner: "beta",
		Pattern: "^shared-", Priority: 5, Level: LevelRead,
	}))

	result, err := resolver.EffectivePermission(ctx, ResourceExperiment, "shared-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, LevelRead, result.Level)
	assert.Equal(t, SourceGroupRegex, result.Source)
}

func TestResolver_SourceOrderOverride(t *testing.T) {
	resolver, store := newTestResolver(t, staticGroups("editors"),
		WithDefaultLevel(LevelNoPermissions),
		WithSourceOrder([]Source{SourceUser}),
	)
	ctx := context.Background()
	mustCreateGroup(t, store, "editors")

	require.NoError(t, store.CreateGroupPermission(ctx, &GroupPermission{
		ResourceType: ResourceExperiment, ResourceKey: "exp-1", GroupName: "editors", Level: LevelManage,
	}))

	// The group source is not consulted, so the grant is invisible.
	result, err := resolver.EffectivePermission(ctx, ResourceExperiment, "exp-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, LevelNoPermissions, result.Level)
	assert.Equal(t, SourceFallback, result.Source)
}

func TestResolver_MembershipCached(t *testing.T) {
	var calls int
	counting := groupsFunc(func(context.Context, string) ([]string, error) {
		calls++
		return nil, nil
	})
	resolver, _ := newTestResolver(t, counting)
	ctx := context.Background()

	_, err := resolver.EffectivePermission(ctx, ResourceExperiment, "exp-1", "alice")
	require.NoError(t, err)
	_, err = resolver.EffectivePermission(ctx, ResourceExperiment, "exp-2", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	resolver.InvalidateMembership("alice")
	_, err = resolver.EffectivePermission(ctx, ResourceExperiment, "exp-3", "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

type recordingDecisionCache struct {
	entries     map[string]Result
	invalidated []string
}

func newRecordingDecisionCache() *recordingDecisionCache {
	return &recordingDecisionCache{entries: map[string]Result{}}
}

func (c *recordingDecisionCache) key(rt ResourceType, key, user string) string {
	return string(rt) + "/" + key + "/" + user
}

func (c *recordingDecisionCache) Get(_ context.Context, rt ResourceType, key, user string) (Result, bool) {
	r, ok := c.entries[c.key(rt, key, user)]
	return r, ok
}

func (c *recordingDecisionCache) Set(_ context.Context, rt ResourceType, key, user string, result Result) {
	c.entries[c.key(rt, key, user)] = result
}

func (c *recordingDecisionCache) Invalidate(_ context.Context, rt ResourceType, key string) error {
	c.invalidated = append(c.invalidated, string(rt)+"/"+key)
	return nil
}

func (c *recordingDecisionCache) InvalidateAll(_ context.Context) error {
	c.entries = map[string]Result{}
	c.invalidated = append(c.invalidated, "*")
	return nil
}

func TestResolver_DecisionCache(t *testing.T) {
	cache := newRecordingDecisionCache()
	resolver, store := newTestResolver(t, nil, WithDecisionCache(cache))
	ctx := context.Background()
	mustCreateUser(t, store, "alice")

	require.NoError(t, store.CreateDirectPermission(ctx, &DirectPermission{
		ResourceType: ResourceExperiment, ResourceKey: "exp-1", Username: "alice", Level: LevelManage,
	}))

	result, err := resolver.EffectivePermission(ctx, ResourceExperiment, "exp-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, LevelManage, result.Level)

	// Now poison the store-visible state; the cached decision must win.
	require.NoError(t, store.DeleteDirectPermission(ctx, ResourceExperiment, "exp-1", "alice"))
	result, err = resolver.EffectivePermission(ctx, ResourceExperiment, "exp-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, LevelManage, result.Level)

	resolver.InvalidateDecisions(ctx, ResourceExperiment, "exp-1")
	assert.Equal(t, []string{"experiment/exp-1"}, cache.invalidated)
}
