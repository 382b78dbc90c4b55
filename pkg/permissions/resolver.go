package permissions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/trackgate/pkg/observability"
)

// GroupSource resolves the set of groups a principal belongs to. The default
// implementation reads the membership table through the Store; deployments
// can swap in a static-file or token-claim source (pkg/groupsource).
type GroupSource interface {
	FetchGroups(ctx context.Context, username string) ([]string, error)
}

// DecisionCache is an optional shared cache for resolved results. Writes
// through the CRUD layer must invalidate affected entries.
type DecisionCache interface {
	Get(ctx context.Context, resourceType ResourceType, resourceKey, username string) (Result, bool)
	Set(ctx context.Context, resourceType ResourceType, resourceKey, username string, result Result)
	Invalidate(ctx context.Context, resourceType ResourceType, resourceKey string) error
	InvalidateAll(ctx context.Context) error
}

const (
	defaultMembershipCacheSize = 4096
	defaultMembershipCacheTTL  = 30 * time.Second
)

// Resolver computes the effective permission for a (principal, resource)
// pair by consulting each configured source in priority order. A later
// source can only raise the effective level, never lower it; equal-rank
// candidates from later sources are inert.
type Resolver struct {
	store        *Store
	groups       GroupSource
	order        []Source
	defaultLevel Level
	logger       *observability.Logger

	membership *expirable.LRU[string, []string]
	decisions  DecisionCache
	metrics    *observability.Metrics
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSourceOrder overrides the default [user, group, regex, group-regex]
// source priority order.
func WithSourceOrder(order []Source) ResolverOption {
	return func(r *Resolver) {
		if len(order) > 0 {
			r.order = order
		}
	}
}

// WithDefaultLevel sets the system fallback level returned when no source
// yields a candidate.
func WithDefaultLevel(level Level) ResolverOption {
	return func(r *Resolver) { r.defaultLevel = level }
}

// WithDecisionCache attaches a shared decision cache.
func WithDecisionCache(cache DecisionCache) ResolverOption {
	return func(r *Resolver) { r.decisions = cache }
}

// WithMetrics records resolution latency, winning sources, and decision
// cache traffic.
func WithMetrics(metrics *observability.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = metrics }
}

// WithMembershipCacheTTL tunes the in-process group-membership cache.
func WithMembershipCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.membership = expirable.NewLRU[string, []string](defaultMembershipCacheSize, nil, ttl)
	}
}

// NewResolver creates a resolver over the given store and group source.
func NewResolver(store *Store, groups GroupSource, logger *observability.Logger, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:        store,
		groups:       groups,
		order:        Sources(),
		defaultLevel: LevelRead,
		logger:       logger,
		membership:   expirable.NewLRU[string, []string](defaultMembershipCacheSize, nil, defaultMembershipCacheTTL),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultLevel returns the configured system fallback level.
func (r *Resolver) DefaultLevel() Level {
	return r.defaultLevel
}

// EffectivePermission computes the effective permission for a principal on a
// resource. Absence of a row in any individual source is not an error; the
// call only fails when the store itself is unreachable or holds a corrupt
// level name.
func (r *Resolver) EffectivePermission(ctx context.Context, resourceType ResourceType, resourceKey, username string) (Result, error) {
	start := time.Now()
	if r.decisions != nil {
		if cached, ok := r.decisions.Get(ctx, resourceType, resourceKey, username); ok {
			if r.metrics != nil {
				r.metrics.DecisionCacheHitsTotal.Inc()
			}
			return cached, nil
		}
		if r.metrics != nil {
			r.metrics.DecisionCacheMissesTotal.Inc()
		}
	}

	current := Result{Level: r.defaultLevel, Source: SourceFallback}

	for _, source := range r.order {
		candidate, found, err := r.candidate(ctx, source, resourceType, resourceKey, username)
		if err != nil {
			return Result{}, err
		}
		if found && Compare(current.Level, candidate, true) {
			current = Result{Level: candidate, Source: source}
		}
	}

	if r.decisions != nil {
		r.decisions.Set(ctx, resourceType, resourceKey, username, current)
	}
	if r.metrics != nil {
		r.metrics.ResolutionDuration.WithLabelValues(string(resourceType)).Observe(time.Since(start).Seconds())
		r.metrics.ResolutionSourcesTotal.WithLabelValues(string(current.Source)).Inc()
	}
	return current, nil
}

// candidate obtains a single source's candidate level, if any. ErrNotFound
// from the store means "no candidate from this source", never a failure.
func (r *Resolver) candidate(ctx context.Context, source Source, resourceType ResourceType, resourceKey, username string) (Level, bool, error) {
	switch source {
	case SourceUser:
		p, err := r.store.GetDirectPermission(ctx, resourceType, resourceKey, username)
		if errors.Is(err, ErrNotFound) {
			return LevelNoPermissions, false, nil
		}
		if err != nil {
			return LevelNoPermissions, false, err
		}
		return p.Level, true, nil

	case SourceGroup:
		groups, err := r.userGroups(ctx, username)
		if err != nil {
			return LevelNoPermissions, false, err
		}
		best := LevelNoPermissions
		found := false
		for _, group := range groups {
			p, err := r.store.GetGroupPermission(ctx, resourceType, resourceKey, group)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return LevelNoPermissions, false, err
			}
			if !found || Compare(best, p.Level, true) {
				best = p.Level
			}
			found = true
		}
		return best, found, nil

	case SourceRegex:
		rules, err := r.store.ListRegexRules(ctx, resourceType, OwnerUser, username)
		if err != nil {
			return LevelNoPermissions, false, err
		}
		return r.firstMatch(rules, resourceKey)

	case SourceGroupRegex:
		groups, err := r.userGroups(ctx, username)
		if err != nil {
			return LevelNoPermissions, false, err
		}
		var rules []RegexPermission
		for _, group := range groups {
			groupRules, err := r.store.ListRegexRules(ctx, resourceType, OwnerGroup, group)
			if err != nil {
				return LevelNoPermissions, false, err
			}
			rules = append(rules, groupRules...)
		}
		// Re-sort after merging across groups so priority order holds
		// globally, not per group. Rule ID breaks priority ties.
		sort.SliceStable(rules, func(i, j int) bool {
			if rules[i].Priority != rules[j].Priority {
				return rules[i].Priority < rules[j].Priority
			}
			return rules[i].ID < rules[j].ID
		})
		return r.firstMatch(rules, resourceKey)
	}

	return LevelNoPermissions, false, fmt.Errorf("unknown permission source %q", source)
}

// firstMatch returns the level of the first rule whose pattern matches the
// resource key. Rules arrive sorted ascending by priority. A pattern that
// fails to compile is skipped; a stored bad pattern must not block every
// lookup that scans past it.
func (r *Resolver) firstMatch(rules []RegexPermission, resourceKey string) (Level, bool, error) {
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			r.logger.WithFields(map[string]interface{}{
				"rule_id": rule.ID,
				"pattern": rule.Pattern,
			}).WithError(err).Warn("Skipping regex rule with invalid pattern")
			continue
		}
		if re.MatchString(resourceKey) {
			return rule.Level, true, nil
		}
	}
	return LevelNoPermissions, false, nil
}

func (r *Resolver) userGroups(ctx context.Context, username string) ([]string, error) {
	if groups, ok := r.membership.Get(username); ok {
		return groups, nil
	}
	groups, err := r.groups.FetchGroups(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("fetch groups for %s: %w", username, err)
	}
	r.membership.Add(username, groups)
	return groups, nil
}

// InvalidateMembership drops the cached membership for a user, for callers
// that just changed it.
func (r *Resolver) InvalidateMembership(username string) {
	r.membership.Remove(username)
}

// InvalidateDecisions drops cached decisions for a resource after a
// permission write.
func (r *Resolver) InvalidateDecisions(ctx context.Context, resourceType ResourceType, resourceKey string) {
	if r.decisions == nil {
		return
	}
	if err := r.decisions.Invalidate(ctx, resourceType, resourceKey); err != nil {
		r.logger.WithError(err).Warn("Failed to invalidate decision cache")
	}
}

// InvalidateAllDecisions drops every cached decision. Used after writes
// whose reach cannot be named per resource: regex rules match arbitrary
// keys, and a membership change shifts every group grant the user held.
func (r *Resolver) InvalidateAllDecisions(ctx context.Context) {
	if r.decisions == nil {
		return
	}
	if err := r.decisions.InvalidateAll(ctx); err != nil {
		r.logger.WithError(err).Warn("Failed to flush decision cache")
	}
}
