package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/platinummonkey/trackgate/pkg/auth"
	"github.com/platinummonkey/trackgate/pkg/permissions"
)

// Validators builds the per-resource validator functions against a resolver
// and an upstream name resolver.
type Validators struct {
	resolver PermissionResolver
	names    NameResolver
}

// NewValidators creates the validator set.
func NewValidators(resolver PermissionResolver, names NameResolver) *Validators {
	return &Validators{resolver: resolver, names: names}
}

// param reads a named argument from path variables, then the query string,
// then the JSON body, in that order.
func param(req *Request, name string) (string, bool) {
	if v, ok := req.PathVars[name]; ok && v != "" {
		return v, true
	}
	if v := req.Query.Get(name); v != "" {
		return v, true
	}
	if len(req.Body) > 0 {
		var body map[string]any
		if err := json.Unmarshal(req.Body, &body); err == nil {
			if raw, ok := body[name]; ok {
				if s, ok := raw.(string); ok && s != "" {
					return s, true
				}
			}
		}
	}
	return "", false
}

// require resolves the principal's effective level on the resource and
// checks the capability against it.
func (v *Validators) require(ctx context.Context, principal *auth.Principal, resourceType permissions.ResourceType, key string, capability permissions.Capability) (bool, error) {
	result, err := v.resolver.EffectivePermission(ctx, resourceType, key, principal.Username)
	if err != nil {
		return false, err
	}
	return result.Level.Can(capability), nil
}

// Resource returns a validator checking a capability on a resource whose key
// is carried directly by the request under argName.
//
// A missing argument is treated per side effect: reads on a collection (no
// item named) fall back to the caller's base level against an empty key,
// while mutations with no identifiable target are denied outright. A
// resource the upstream no longer knows about resolves the same way: reads
// pass through so the upstream can answer its own 404, mutations are denied.
func (v *Validators) Resource(resourceType permissions.ResourceType, argName string, capability permissions.Capability) ValidatorFunc {
	return func(ctx context.Context, principal *auth.Principal, req *Request) (bool, error) {
		key, ok := param(req, argName)
		if !ok {
			if capability == permissions.CapabilityRead {
				return v.resolver.DefaultLevel().Can(capability), nil
			}
			return false, nil
		}
		return v.require(ctx, principal, resourceType, key, capability)
	}
}

// Run returns a validator for run-scoped operations. Runs carry no
// permissions of their own; the check is made against the owning experiment,
// resolved through the upstream service.
func (v *Validators) Run(capability permissions.Capability) ValidatorFunc {
	return func(ctx context.Context, principal *auth.Principal, req *Request) (bool, error) {
		runID, ok := param(req, "run_id")
		if !ok {
			runID, ok = param(req, "run_uuid")
		}
		if !ok {
			if capability == permissions.CapabilityRead {
				return v.resolver.DefaultLevel().Can(capability), nil
			}
			return false, nil
		}
		experimentID, err := v.names.ExperimentForRun(ctx, runID)
		if err != nil {
			if errors.Is(err, permissions.ErrNotFound) {
				// Let reads through so the upstream reports the
				// missing run itself; never mutate blind.
				return capability == permissions.CapabilityRead, nil
			}
			return false, err
		}
		return v.require(ctx, principal, permissions.ResourceExperiment, experimentID, capability)
	}
}

// GatewayEndpointByID returns a validator for gateway routes that address an
// endpoint by ID where permissions are keyed by name.
func (v *Validators) GatewayEndpointByID(capability permissions.Capability) ValidatorFunc {
	return func(ctx context.Context, principal *auth.Principal, req *Request) (bool, error) {
		id, ok := param(req, "endpoint_id")
		if !ok {
			if capability == permissions.CapabilityRead {
				return v.resolver.DefaultLevel().Can(capability), nil
			}
			return false, nil
		}
		name, err := v.names.GatewayEndpointName(ctx, id)
		if err != nil {
			if errors.Is(err, permissions.ErrNotFound) {
				return capability == permissions.CapabilityRead, nil
			}
			return false, err
		}
		return v.require(ctx, principal, permissions.ResourceGatewayEndpoint, name, capability)
	}
}

// Allow returns a validator that always passes. Used for creation routes,
// where there is no existing resource to check; the gateway grants the
// creator MANAGE on the new resource after the upstream confirms it.
func (v *Validators) Allow() ValidatorFunc {
	return func(ctx context.Context, principal *auth.Principal, req *Request) (bool, error) {
		return true, nil
	}
}

// Collection returns a validator for search and list routes. The request is
// always allowed through; the response is filtered per item by the gateway.
func (v *Validators) Collection() ValidatorFunc {
	return v.Allow()
}
