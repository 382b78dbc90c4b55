package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/platinummonkey/trackgate/pkg/audit"
	"github.com/platinummonkey/trackgate/pkg/auth"
	"github.com/platinummonkey/trackgate/pkg/dispatch"
	"github.com/platinummonkey/trackgate/pkg/permissions"
)

const (
	trackingBase = "/api/2.0/tracking"
	gatewayBase  = "/api/2.0/gateway"
)

type listingKey struct {
	path   string
	method string
}

// listingRoute describes a search/list endpoint whose response envelope must
// be filtered. keyOf extracts the permission key from one raw item.
type listingRoute struct {
	itemsField   string
	resourceType permissions.ResourceType
	keyOf        func(item json.RawMessage) (string, bool)
}

// creationRoute describes an endpoint that creates a resource; the creator
// is granted MANAGE on the key extracted from the upstream response.
type creationRoute struct {
	method       string
	resourceType permissions.ResourceType
	keyOf        func(response []byte) (string, bool)
}

// renameRoute describes an endpoint that renames a name-keyed resource;
// permission records follow the resource to its new key.
type renameRoute struct {
	method       string
	resourceType permissions.ResourceType
	oldArg       string
	newArg       string
}

// deletionRoute describes an endpoint that deletes a resource; its
// permission records are cascaded away so a later resource reusing the key
// does not inherit them.
type deletionRoute struct {
	resourceType permissions.ResourceType
	keyOf        func(r *http.Request, req *dispatch.Request) (string, bool)
}

func (g *Gateway) registerRoutes() {
	g.listings = make(map[listingKey]listingRoute)
	g.creations = make(map[string]creationRoute)
	g.renames = make(map[string]renameRoute)
	g.deletions = make(map[string]deletionRoute)

	// Listing routes. Experiments and runs are checked against experiment
	// IDs; everything else against names.
	experiments := listingRoute{
		itemsField:   "experiments",
		resourceType: permissions.ResourceExperiment,
		keyOf:        jsonField("experiment_id"),
	}
	g.listings[listingKey{trackingBase + "/experiments/search", http.MethodPost}] = experiments
	g.listings[listingKey{trackingBase + "/experiments/search", http.MethodGet}] = experiments
	g.listings[listingKey{trackingBase + "/runs/search", http.MethodPost}] = listingRoute{
		itemsField:   "runs",
		resourceType: permissions.ResourceExperiment,
		keyOf:        jsonPathField("info", "experiment_id"),
	}
	g.listings[listingKey{trackingBase + "/registered-models/search", http.MethodGet}] = listingRoute{
		itemsField:   "registered_models",
		resourceType: permissions.ResourceRegisteredModel,
		keyOf:        jsonField("name"),
	}
	g.listings[listingKey{trackingBase + "/model-versions/search", http.MethodGet}] = listingRoute{
		itemsField:   "model_versions",
		resourceType: permissions.ResourceRegisteredModel,
		keyOf:        jsonField("name"),
	}
	g.listings[listingKey{trackingBase + "/prompts/search", http.MethodGet}] = listingRoute{
		itemsField:   "prompts",
		resourceType: permissions.ResourcePrompt,
		keyOf:        jsonField("name"),
	}
	g.listings[listingKey{trackingBase + "/scorers/list", http.MethodGet}] = listingRoute{
		itemsField:   "scorers",
		resourceType: permissions.ResourceScorer,
		keyOf:        jsonField("name"),
	}
	g.listings[listingKey{gatewayBase + "/endpoints", http.MethodGet}] = listingRoute{
		itemsField:   "endpoints",
		resourceType: permissions.ResourceGatewayEndpoint,
		keyOf:        jsonField("name"),
	}
	g.listings[listingKey{gatewayBase + "/secrets", http.MethodGet}] = listingRoute{
		itemsField:   "secrets",
		resourceType: permissions.ResourceGatewaySecret,
		keyOf:        jsonField("name"),
	}
	g.listings[listingKey{gatewayBase + "/model-definitions", http.MethodGet}] = listingRoute{
		itemsField:   "model_definitions",
		resourceType: permissions.ResourceGatewayModelDefinition,
		keyOf:        jsonField("name"),
	}

	// Creation routes: the creator becomes manager of what they made.
	g.creations[trackingBase+"/experiments/create"] = creationRoute{
		method:       http.MethodPost,
		resourceType: permissions.ResourceExperiment,
		keyOf:        responseField("experiment_id"),
	}
	g.creations[trackingBase+"/registered-models/create"] = creationRoute{
		method:       http.MethodPost,
		resourceType: permissions.ResourceRegisteredModel,
		keyOf:        responsePathField("registered_model", "name"),
	}
	g.creations[trackingBase+"/prompts/create"] = creationRoute{
		method:       http.MethodPost,
		resourceType: permissions.ResourcePrompt,
		keyOf:        responsePathField("prompt", "name"),
	}
	g.creations[trackingBase+"/scorers/create"] = creationRoute{
		method:       http.MethodPost,
		resourceType: permissions.ResourceScorer,
		keyOf:        responsePathField("scorer", "name"),
	}
	g.creations[gatewayBase+"/endpoints"] = creationRoute{
		method:       http.MethodPost,
		resourceType: permissions.ResourceGatewayEndpoint,
		keyOf:        responsePathField("endpoint", "name"),
	}
	g.creations[gatewayBase+"/secrets"] = creationRoute{
		method:       http.MethodPost,
		resourceType: permissions.ResourceGatewaySecret,
		keyOf:        responsePathField("secret", "name"),
	}
	g.creations[gatewayBase+"/model-definitions"] = creationRoute{
		method:       http.MethodPost,
		resourceType: permissions.ResourceGatewayModelDefinition,
		keyOf:        responsePathField("model_definition", "name"),
	}

	// Rename: permission records follow the resource.
	g.renames[trackingBase+"/registered-models/rename"] = renameRoute{
		method:       http.MethodPost,
		resourceType: permissions.ResourceRegisteredModel,
		oldArg:       "name",
		newArg:       "new_name",
	}

	// Deletions: cascade permission records for the deleted key.
	requestKey := func(arg string) func(*http.Request, *dispatch.Request) (string, bool) {
		return func(r *http.Request, req *dispatch.Request) (string, bool) {
			return requestParam(req, arg)
		}
	}
	lastSegment := func(r *http.Request, req *dispatch.Request) (string, bool) {
		idx := strings.LastIndexByte(r.URL.Path, '/')
		if idx < 0 || idx == len(r.URL.Path)-1 {
			return "", false
		}
		return r.URL.Path[idx+1:], true
	}
	g.deletions[trackingBase+"/experiments/delete|POST"] = deletionRoute{
		resourceType: permissions.ResourceExperiment,
		keyOf:        requestKey("experiment_id"),
	}
	g.deletions[trackingBase+"/registered-models/delete|POST"] = deletionRoute{
		resourceType: permissions.ResourceRegisteredModel,
		keyOf:        requestKey("name"),
	}
	g.deletions[trackingBase+"/registered-models/delete|DELETE"] = deletionRoute{
		resourceType: permissions.ResourceRegisteredModel,
		keyOf:        requestKey("name"),
	}
	g.deletions[trackingBase+"/prompts/delete|DELETE"] = deletionRoute{
		resourceType: permissions.ResourcePrompt,
		keyOf:        requestKey("name"),
	}
	g.deletions[trackingBase+"/scorers/delete|DELETE"] = deletionRoute{
		resourceType: permissions.ResourceScorer,
		keyOf:        requestKey("name"),
	}
	g.deletions[gatewayBase+"/endpoints/{name}|DELETE"] = deletionRoute{
		resourceType: permissions.ResourceGatewayEndpoint,
		keyOf:        lastSegment,
	}
	g.deletions[gatewayBase+"/secrets/{name}|DELETE"] = deletionRoute{
		resourceType: permissions.ResourceGatewaySecret,
		keyOf:        lastSegment,
	}
	g.deletions[gatewayBase+"/model-definitions/{name}|DELETE"] = deletionRoute{
		resourceType: permissions.ResourceGatewayModelDefinition,
		keyOf:        lastSegment,
	}
}

// deletionLookupKey canonicalizes a request into the deletions registry key.
// Placeholder routes collapse to their template.
func deletionLookupKey(r *http.Request, req *dispatch.Request) string {
	path := r.URL.Path
	if r.Method == http.MethodDelete {
		for _, base := range []string{gatewayBase + "/endpoints/", gatewayBase + "/secrets/", gatewayBase + "/model-definitions/"} {
			if strings.HasPrefix(path, base) && !strings.Contains(path[len(base):], "/") {
				return strings.TrimSuffix(base, "/") + "/{name}|DELETE"
			}
		}
	}
	return path + "|" + r.Method
}

// applyCreation grants the creator MANAGE on the resource the upstream just
// confirmed.
func (g *Gateway) applyCreation(r *http.Request, principal *auth.Principal, route creationRoute, response []byte) {
	key, ok := route.keyOf(response)
	if !ok {
		g.logger.WithField("path", r.URL.Path).Warn("creation response carried no resource key")
		return
	}
	ctx := r.Context()
	err := g.writer.CreateDirectPermission(ctx, &permissions.DirectPermission{
		ResourceType: route.resourceType,
		ResourceKey:  key,
		Username:     principal.Username,
		Level:        permissions.LevelManage,
	})
	if errors.Is(err, permissions.ErrAlreadyExists) {
		return
	}
	if err != nil {
		g.logger.WithError(err).WithFields(map[string]any{
			"resource_type": string(route.resourceType),
			"resource_key":  key,
		}).Error("creator permission grant failed")
		return
	}
	g.resolver.InvalidateDecisions(ctx, route.resourceType, key)

	event := audit.NewChangeEvent(audit.EventTypePermissionGrant, principal.Username, string(route.resourceType), key)
	event.Level = permissions.LevelManage.String()
	event.Message = "creator granted manage"
	if err := g.audit.Log(ctx, event); err != nil {
		g.logger.WithError(err).Warn("audit write failed")
	}
}

// applyRename moves permission records to the resource's new key.
func (g *Gateway) applyRename(r *http.Request, principal *auth.Principal, route renameRoute, req *dispatch.Request) {
	oldKey, okOld := requestParam(req, route.oldArg)
	newKey, okNew := requestParam(req, route.newArg)
	if !okOld || !okNew {
		return
	}
	ctx := r.Context()
	if err := g.writer.RenameResourcePermissions(ctx, route.resourceType, oldKey, newKey); err != nil {
		g.logger.WithError(err).WithFields(map[string]any{
			"resource_type": string(route.resourceType),
			"old_key":       oldKey,
			"new_key":       newKey,
		}).Error("permission rename failed")
		return
	}
	g.resolver.InvalidateDecisions(ctx, route.resourceType, oldKey)
	g.resolver.InvalidateDecisions(ctx, route.resourceType, newKey)

	event := audit.NewChangeEvent(audit.EventTypePermissionRename, principal.Username, string(route.resourceType), newKey)
	event.Metadata["old_key"] = oldKey
	if err := g.audit.Log(ctx, event); err != nil {
		g.logger.WithError(err).Warn("audit write failed")
	}
}

// applyDeletion cascades permission records for the deleted resource.
func (g *Gateway) applyDeletion(r *http.Request, principal *auth.Principal, route deletionRoute, req *dispatch.Request) {
	key, ok := route.keyOf(r, req)
	if !ok {
		return
	}
	ctx := r.Context()
	if err := g.writer.DeleteResourcePermissions(ctx, route.resourceType, key); err != nil {
		g.logger.WithError(err).WithFields(map[string]any{
			"resource_type": string(route.resourceType),
			"resource_key":  key,
		}).Error("permission cascade delete failed")
		return
	}
	g.resolver.InvalidateDecisions(ctx, route.resourceType, key)

	event := audit.NewChangeEvent(audit.EventTypePermissionCascade, principal.Username, string(route.resourceType), key)
	if err := g.audit.Log(ctx, event); err != nil {
		g.logger.WithError(err).Warn("audit write failed")
	}
}

// requestParam reads an argument from query string then JSON body.
func requestParam(req *dispatch.Request, name string) (string, bool) {
	if v := req.Query.Get(name); v != "" {
		return v, true
	}
	if len(req.Body) > 0 {
		var body map[string]any
		if err := json.Unmarshal(req.Body, &body); err == nil {
			if s, ok := body[name].(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// jsonField extracts a top-level string field from a raw listing item.
func jsonField(name string) func(json.RawMessage) (string, bool) {
	return func(item json.RawMessage) (string, bool) {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(item, &m); err != nil {
			return "", false
		}
		return stringField(m, name)
	}
}

// jsonPathField extracts a string field nested one object deep.
func jsonPathField(outer, inner string) func(json.RawMessage) (string, bool) {
	return func(item json.RawMessage) (string, bool) {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(item, &m); err != nil {
			return "", false
		}
		raw, ok := m[outer]
		if !ok {
			return "", false
		}
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(raw, &nested); err != nil {
			return "", false
		}
		return stringField(nested, inner)
	}
}

func responseField(name string) func([]byte) (string, bool) {
	f := jsonField(name)
	return func(response []byte) (string, bool) { return f(response) }
}

func responsePathField(outer, inner string) func([]byte) (string, bool) {
	f := jsonPathField(outer, inner)
	return func(response []byte) (string, bool) { return f(response) }
}

func stringField(m map[string]json.RawMessage, name string) (string, bool) {
	raw, ok := m[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}
