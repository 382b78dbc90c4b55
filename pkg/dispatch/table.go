// Package dispatch maps inbound operations to the validator that guards
// them. The table is built once at startup and is immutable afterwards, so
// concurrent lookups from any number of requests need no synchronization.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/platinummonkey/trackgate/pkg/auth"
	"github.com/platinummonkey/trackgate/pkg/observability"
	"github.com/platinummonkey/trackgate/pkg/permissions"
)

// Request carries the request-derived inputs a validator may need. Body is
// the already-read JSON payload (nil for bodyless methods); PathVars holds
// placeholder values captured by a pattern route.
type Request struct {
	Method   string
	Path     string
	Query    url.Values
	Body     []byte
	PathVars map[string]string
}

// Decision is the outcome of an authorization check. A false Allowed is
// surfaced to callers as a uniform forbidden response.
type Decision struct {
	Allowed bool
	Reason  string
}

// ValidatorFunc checks whether the principal may perform the operation the
// request describes. A (false, nil) return means forbidden; an error means
// the check itself could not run.
type ValidatorFunc func(ctx context.Context, principal *auth.Principal, req *Request) (bool, error)

// PermissionResolver is the slice of the resolution engine dispatch needs.
type PermissionResolver interface {
	EffectivePermission(ctx context.Context, resourceType permissions.ResourceType, resourceKey, username string) (permissions.Result, error)
	DefaultLevel() permissions.Level
}

// NameResolver maps identifiers the request carries to the identifiers
// permissions are keyed by, via the upstream service.
type NameResolver interface {
	// ExperimentForRun returns the experiment ID owning a run.
	ExperimentForRun(ctx context.Context, runID string) (string, error)
	// GatewayEndpointName returns the endpoint name for an endpoint ID.
	GatewayEndpointName(ctx context.Context, endpointID string) (string, error)
}

type routeKey struct {
	path   string
	method string
}

type rule struct {
	validator  ValidatorFunc
	capability permissions.Capability
}

type patternRule struct {
	template string
	method   string
	re       *regexp.Regexp
	rule     rule
}

// Table is the startup-built dispatch table.
type Table struct {
	exact          map[routeKey]rule
	patterns       []patternRule
	artifactPrefix string
	artifactRules  map[string]rule // keyed by HTTP method
	resolver       PermissionResolver
	names          NameResolver
	logger         *observability.Logger
	metrics        *observability.Metrics
}

// Builder accumulates routes before the table is frozen.
type Builder struct {
	table *Table
	err   error
}

// NewBuilder creates a dispatch table builder.
func NewBuilder(resolver PermissionResolver, names NameResolver, logger *observability.Logger, metrics *observability.Metrics) *Builder {
	return &Builder{
		table: &Table{
			exact:         make(map[routeKey]rule),
			artifactRules: make(map[string]rule),
			resolver:      resolver,
			names:         names,
			logger:        logger,
			metrics:       metrics,
		},
	}
}

// Exact registers a validator for a fixed (path, method) pair.
func (b *Builder) Exact(path, method string, capability permissions.Capability, validator ValidatorFunc) *Builder {
	if b.err != nil {
		return b
	}
	key := routeKey{path: normalizePath(path), method: method}
	if _, exists := b.table.exact[key]; exists {
		b.err = fmt.Errorf("duplicate route %s %s", method, path)
		return b
	}
	b.table.exact[key] = rule{validator: validator, capability: capability}
	return b
}

// Pattern registers a validator for a path template with bracketed
// placeholders, e.g. /gateway/endpoints/{name}. Templates are compiled into
// anchored regular expressions at build time; at request time the list is
// scanned in registration order and the first full match wins.
func (b *Builder) Pattern(template, method string, capability permissions.Capability, validator ValidatorFunc) *Builder {
	if b.err != nil {
		return b
	}
	re, err := compileTemplate(template)
	if err != nil {
		b.err = fmt.Errorf("route template %q: %w", template, err)
		return b
	}
	b.table.patterns = append(b.table.patterns, patternRule{
		template: template,
		method:   method,
		re:       re,
		rule:     rule{validator: validator, capability: capability},
	})
	return b
}

// Artifacts registers the artifact-proxy route family. Validator selection
// under the prefix is purely method-based.
func (b *Builder) Artifacts(prefix string, byMethod map[string]ValidatorFunc) *Builder {
	if b.err != nil {
		return b
	}
	b.table.artifactPrefix = normalizePath(prefix)
	for method, validator := range byMethod {
		b.table.artifactRules[method] = rule{validator: validator}
	}
	return b
}

// Build freezes the table.
func (b *Builder) Build() (*Table, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.table, nil
}

var placeholderRe = regexp.MustCompile(`\{[^/}]+\}`)

// compileTemplate turns a bracketed path template into an anchored regexp
// with one named capture group per placeholder.
func compileTemplate(template string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	last := 0
	for _, loc := range placeholderRe.FindAllStringIndex(template, -1) {
		sb.WriteString(regexp.QuoteMeta(template[last:loc[0]]))
		name := template[loc[0]+1 : loc[1]-1]
		fmt.Fprintf(&sb, `(?P<%s>[^/]+)`, name)
		last = loc[1]
	}
	sb.WriteString(regexp.QuoteMeta(template[last:]))
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

func denyAll(context.Context, *auth.Principal, *Request) (bool, error) {
	return false, nil
}

func normalizePath(path string) string {
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

// Authorize decides whether the principal may perform the operation. Admin
// principals are allowed before any lookup or identifier extraction, so an
// admin call succeeds even when the request would be malformed for
// extraction, and the resolution engine is never consulted for it.
func (t *Table) Authorize(ctx context.Context, principal *auth.Principal, req *Request) (Decision, error) {
	if principal == nil {
		return Decision{Allowed: false, Reason: "no authenticated principal"}, nil
	}
	if principal.IsAdmin {
		if t.metrics != nil {
			t.metrics.AuthzAdminBypassTotal.Inc()
		}
		return Decision{Allowed: true, Reason: "admin"}, nil
	}

	r, ok := t.lookup(req)
	if !ok {
		// Routes outside the table carry no per-resource permissions;
		// they are the host service's own surface.
		return Decision{Allowed: true, Reason: "unprotected route"}, nil
	}

	allowed, err := r.validator(ctx, principal, req)
	if err != nil {
		return Decision{}, err
	}
	if !allowed {
		if t.metrics != nil {
			t.metrics.ObserveDecision("denied", string(r.capability), "")
		}
		return Decision{Allowed: false, Reason: "permission denied"}, nil
	}
	if t.metrics != nil {
		t.metrics.ObserveDecision("allowed", string(r.capability), "")
	}
	return Decision{Allowed: true, Reason: "validator"}, nil
}

// lookup selects the rule for a request: exact table first, then the
// artifact family, then pattern scan.
func (t *Table) lookup(req *Request) (rule, bool) {
	path := normalizePath(req.Path)

	if r, ok := t.exact[routeKey{path: path, method: req.Method}]; ok {
		return r, true
	}

	if t.artifactPrefix != "" && strings.HasPrefix(path, t.artifactPrefix) {
		if r, ok := t.artifactRules[req.Method]; ok {
			return r, true
		}
		// Methods without an explicit rule still belong to the family;
		// treat them as reads rather than letting them slip past as an
		// unprotected route.
		if r, ok := t.artifactRules[http.MethodGet]; ok {
			return r, true
		}
		return rule{validator: denyAll}, true
	}

	for _, p := range t.patterns {
		if p.method != req.Method {
			continue
		}
		m := p.re.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		vars := make(map[string]string)
		for i, name := range p.re.SubexpNames() {
			if i > 0 && name != "" {
				vars[name] = m[i]
			}
		}
		req.PathVars = vars
		return p.rule, true
	}

	return rule{}, false
}
