package dispatch

import (
	"net/http"

	"github.com/platinummonkey/trackgate/pkg/observability"
	"github.com/platinummonkey/trackgate/pkg/permissions"
)

// API path roots of the proxied tracking service.
const (
	trackingBase = "/api/2.0/tracking"
	gatewayBase  = "/api/2.0/gateway"
)

// NewDefaultTable builds the dispatch table for the full tracking API
// surface.
func NewDefaultTable(resolver PermissionResolver, names NameResolver, logger *observability.Logger, metrics *observability.Metrics) (*Table, error) {
	v := NewValidators(resolver, names)
	b := NewBuilder(resolver, names, logger, metrics)

	// Experiments are keyed by ID.
	experiment := func(cap permissions.Capability) ValidatorFunc {
		return v.Resource(permissions.ResourceExperiment, "experiment_id", cap)
	}
	b.Exact(trackingBase+"/experiments/create", http.MethodPost, permissions.CapabilityRead, v.Allow())
	b.Exact(trackingBase+"/experiments/get", http.MethodGet, permissions.CapabilityRead, experiment(permissions.CapabilityRead))
	b.Exact(trackingBase+"/experiments/get-by-name", http.MethodGet, permissions.CapabilityRead, v.Resource(permissions.ResourceExperiment, "experiment_name", permissions.CapabilityRead))
	b.Exact(trackingBase+"/experiments/update", http.MethodPost, permissions.CapabilityUpdate, experiment(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/experiments/delete", http.MethodPost, permissions.CapabilityDelete, experiment(permissions.CapabilityDelete))
	b.Exact(trackingBase+"/experiments/restore", http.MethodPost, permissions.CapabilityDelete, experiment(permissions.CapabilityDelete))
	b.Exact(trackingBase+"/experiments/set-experiment-tag", http.MethodPost, permissions.CapabilityUpdate, experiment(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/experiments/search", http.MethodPost, permissions.CapabilityRead, v.Collection())
	b.Exact(trackingBase+"/experiments/search", http.MethodGet, permissions.CapabilityRead, v.Collection())
	b.Exact(trackingBase+"/experiments/permissions", http.MethodGet, permissions.CapabilityManage, experiment(permissions.CapabilityManage))

	// Runs inherit permissions from their experiment. Creation names the
	// experiment directly; everything else resolves run -> experiment
	// through the upstream.
	b.Exact(trackingBase+"/runs/create", http.MethodPost, permissions.CapabilityUpdate, experiment(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/runs/get", http.MethodGet, permissions.CapabilityRead, v.Run(permissions.CapabilityRead))
	b.Exact(trackingBase+"/runs/update", http.MethodPost, permissions.CapabilityUpdate, v.Run(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/runs/delete", http.MethodPost, permissions.CapabilityDelete, v.Run(permissions.CapabilityDelete))
	b.Exact(trackingBase+"/runs/restore", http.MethodPost, permissions.CapabilityDelete, v.Run(permissions.CapabilityDelete))
	b.Exact(trackingBase+"/runs/log-metric", http.MethodPost, permissions.CapabilityUpdate, v.Run(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/runs/log-parameter", http.MethodPost, permissions.CapabilityUpdate, v.Run(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/runs/log-batch", http.MethodPost, permissions.CapabilityUpdate, v.Run(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/runs/set-tag", http.MethodPost, permissions.CapabilityUpdate, v.Run(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/runs/delete-tag", http.MethodPost, permissions.CapabilityUpdate, v.Run(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/runs/search", http.MethodPost, permissions.CapabilityRead, v.Collection())
	b.Exact(trackingBase+"/metrics/get-history", http.MethodGet, permissions.CapabilityRead, v.Run(permissions.CapabilityRead))

	// Registered models and prompts are keyed by name. Prompts share the
	// registered-model route family under a separate resource type.
	model := func(cap permissions.Capability) ValidatorFunc {
		return v.Resource(permissions.ResourceRegisteredModel, "name", cap)
	}
	b.Exact(trackingBase+"/registered-models/create", http.MethodPost, permissions.CapabilityRead, v.Allow())
	b.Exact(trackingBase+"/registered-models/get", http.MethodGet, permissions.CapabilityRead, model(permissions.CapabilityRead))
	b.Exact(trackingBase+"/registered-models/rename", http.MethodPost, permissions.CapabilityUpdate, model(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/registered-models/update", http.MethodPatch, permissions.CapabilityUpdate, model(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/registered-models/update", http.MethodPost, permissions.CapabilityUpdate, model(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/registered-models/delete", http.MethodDelete, permissions.CapabilityDelete, model(permissions.CapabilityDelete))
	b.Exact(trackingBase+"/registered-models/delete", http.MethodPost, permissions.CapabilityDelete, model(permissions.CapabilityDelete))
	b.Exact(trackingBase+"/registered-models/search", http.MethodGet, permissions.CapabilityRead, v.Collection())
	b.Exact(trackingBase+"/registered-models/set-tag", http.MethodPost, permissions.CapabilityUpdate, model(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/registered-models/delete-tag", http.MethodDelete, permissions.CapabilityUpdate, model(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/registered-models/alias", http.MethodPost, permissions.CapabilityUpdate, model(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/registered-models/alias", http.MethodDelete, permissions.CapabilityUpdate, model(permissions.CapabilityUpdate))

	b.Exact(trackingBase+"/model-versions/create", http.MethodPost, permissions.CapabilityUpdate, model(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/model-versions/get", http.MethodGet, permissions.CapabilityRead, model(permissions.CapabilityRead))
	b.Exact(trackingBase+"/model-versions/update", http.MethodPatch, permissions.CapabilityUpdate, model(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/model-versions/delete", http.MethodDelete, permissions.CapabilityDelete, model(permissions.CapabilityDelete))
	b.Exact(trackingBase+"/model-versions/search", http.MethodGet, permissions.CapabilityRead, v.Collection())
	b.Exact(trackingBase+"/model-versions/transition-stage", http.MethodPost, permissions.CapabilityUpdate, model(permissions.CapabilityUpdate))

	prompt := func(cap permissions.Capability) ValidatorFunc {
		return v.Resource(permissions.ResourcePrompt, "name", cap)
	}
	b.Exact(trackingBase+"/prompts/create", http.MethodPost, permissions.CapabilityRead, v.Allow())
	b.Exact(trackingBase+"/prompts/get", http.MethodGet, permissions.CapabilityRead, prompt(permissions.CapabilityRead))
	b.Exact(trackingBase+"/prompts/update", http.MethodPost, permissions.CapabilityUpdate, prompt(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/prompts/delete", http.MethodDelete, permissions.CapabilityDelete, prompt(permissions.CapabilityDelete))
	b.Exact(trackingBase+"/prompts/search", http.MethodGet, permissions.CapabilityRead, v.Collection())

	scorer := func(cap permissions.Capability) ValidatorFunc {
		return v.Resource(permissions.ResourceScorer, "name", cap)
	}
	b.Exact(trackingBase+"/scorers/create", http.MethodPost, permissions.CapabilityRead, v.Allow())
	b.Exact(trackingBase+"/scorers/get", http.MethodGet, permissions.CapabilityRead, scorer(permissions.CapabilityRead))
	b.Exact(trackingBase+"/scorers/update", http.MethodPost, permissions.CapabilityUpdate, scorer(permissions.CapabilityUpdate))
	b.Exact(trackingBase+"/scorers/delete", http.MethodDelete, permissions.CapabilityDelete, scorer(permissions.CapabilityDelete))
	b.Exact(trackingBase+"/scorers/list", http.MethodGet, permissions.CapabilityRead, v.Collection())

	// Gateway resources are addressed by path placeholders.
	endpoint := func(cap permissions.Capability) ValidatorFunc {
		return v.Resource(permissions.ResourceGatewayEndpoint, "name", cap)
	}
	b.Exact(gatewayBase+"/endpoints", http.MethodPost, permissions.CapabilityRead, v.Allow())
	b.Exact(gatewayBase+"/endpoints", http.MethodGet, permissions.CapabilityRead, v.Collection())
	b.Pattern(gatewayBase+"/endpoints/{name}", http.MethodGet, permissions.CapabilityRead, endpoint(permissions.CapabilityRead))
	b.Pattern(gatewayBase+"/endpoints/{name}", http.MethodPatch, permissions.CapabilityUpdate, endpoint(permissions.CapabilityUpdate))
	b.Pattern(gatewayBase+"/endpoints/{name}", http.MethodDelete, permissions.CapabilityDelete, endpoint(permissions.CapabilityDelete))
	b.Exact(gatewayBase+"/endpoints/get-by-id", http.MethodGet, permissions.CapabilityRead, v.GatewayEndpointByID(permissions.CapabilityRead))

	secret := func(cap permissions.Capability) ValidatorFunc {
		return v.Resource(permissions.ResourceGatewaySecret, "name", cap)
	}
	b.Exact(gatewayBase+"/secrets", http.MethodPost, permissions.CapabilityRead, v.Allow())
	b.Exact(gatewayBase+"/secrets", http.MethodGet, permissions.CapabilityRead, v.Collection())
	b.Pattern(gatewayBase+"/secrets/{name}", http.MethodGet, permissions.CapabilityRead, secret(permissions.CapabilityRead))
	b.Pattern(gatewayBase+"/secrets/{name}", http.MethodPatch, permissions.CapabilityUpdate, secret(permissions.CapabilityUpdate))
	b.Pattern(gatewayBase+"/secrets/{name}", http.MethodDelete, permissions.CapabilityDelete, secret(permissions.CapabilityDelete))

	modelDef := func(cap permissions.Capability) ValidatorFunc {
		return v.Resource(permissions.ResourceGatewayModelDefinition, "name", cap)
	}
	b.Exact(gatewayBase+"/model-definitions", http.MethodPost, permissions.CapabilityRead, v.Allow())
	b.Exact(gatewayBase+"/model-definitions", http.MethodGet, permissions.CapabilityRead, v.Collection())
	b.Pattern(gatewayBase+"/model-definitions/{name}", http.MethodGet, permissions.CapabilityRead, modelDef(permissions.CapabilityRead))
	b.Pattern(gatewayBase+"/model-definitions/{name}", http.MethodPatch, permissions.CapabilityUpdate, modelDef(permissions.CapabilityUpdate))
	b.Pattern(gatewayBase+"/model-definitions/{name}", http.MethodDelete, permissions.CapabilityDelete, modelDef(permissions.CapabilityDelete))

	// Artifact proxy: validator choice is method-based. GET with no run
	// named is a collection read.
	b.Artifacts(trackingBase+"/artifacts", map[string]ValidatorFunc{
		http.MethodGet:    v.Run(permissions.CapabilityRead),
		http.MethodPut:    v.Run(permissions.CapabilityUpdate),
		http.MethodPost:   v.Run(permissions.CapabilityUpdate),
		http.MethodDelete: v.Run(permissions.CapabilityDelete),
	})

	return b.Build()
}
