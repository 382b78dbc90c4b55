package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/trackgate/pkg/audit"
	"github.com/platinummonkey/trackgate/pkg/auth"
	"github.com/platinummonkey/trackgate/pkg/listing"
	"github.com/platinummonkey/trackgate/pkg/permissions"
	"github.com/platinummonkey/trackgate/pkg/upstream"

	httpx "github.com/platinummonkey/trackgate/pkg/httputil"
)

// maxPageSize caps a caller-requested page so a single listing cannot make
// the gateway buffer an arbitrary amount of upstream data.
const maxPageSize = 1000

// serveListing answers a search/list request with only the items the caller
// may read, refilling from upstream until the page is full or the upstream
// sequence ends. The response keeps the upstream envelope shape: the items
// field plus next_page_token.
func (g *Gateway) serveListing(w http.ResponseWriter, r *http.Request, principal *auth.Principal, route listingRoute, body []byte) {
	ctx := r.Context()
	maxResults := g.pageSize(r, body)
	clientToken := pageToken(r, body)

	initial, err := g.client.FetchPage(ctx, r.Method, r.URL.Path, r.URL.Query(), body, route.itemsField, maxResults, clientToken)
	if err != nil {
		g.listingFetchError(w, r, err)
		return
	}

	// Resolution results repeat across items of a page; memoize per
	// request on top of whatever shared caches the resolver holds.
	seen := make(map[string]bool)
	predicate := func(item json.RawMessage) bool {
		key, ok := route.keyOf(item)
		if !ok {
			// An item we cannot attribute to a resource is hidden.
			return false
		}
		if visible, ok := seen[key]; ok {
			return visible
		}
		result, err := g.resolver.EffectivePermission(ctx, route.resourceType, key, principal.Username)
		if err != nil {
			g.logger.WithError(err).WithFields(map[string]any{
				"resource_type": string(route.resourceType),
				"resource_key":  key,
			}).Warn("listing item resolution failed, hiding item")
			seen[key] = false
			return false
		}
		visible := result.Level.CanRead()
		seen[key] = visible
		return visible
	}

	refetch := func(ctx context.Context, fetchMax int, token string) ([]json.RawMessage, string, error) {
		page, err := g.client.FetchPage(ctx, r.Method, r.URL.Path, r.URL.Query(), body, route.itemsField, fetchMax, token)
		if err != nil {
			return nil, "", err
		}
		return page.Items, page.NextToken, nil
	}

	ctx, span := gatewayTracer.Start(ctx, "FilterListing",
		trace.WithAttributes(
			attribute.String("listing.resource_type", string(route.resourceType)),
			attribute.Int("listing.max_results", maxResults),
		),
	)
	visible, nextToken, stats := listing.FilterPage(ctx, initial.Items, initial.NextToken, maxResults, predicate, refetch)
	span.SetAttributes(
		attribute.Int("listing.refetch_rounds", stats.RefetchRounds),
		attribute.Int("listing.redacted", stats.Redacted),
		attribute.Bool("listing.partial", stats.Partial),
	)
	span.End()

	if g.metrics != nil {
		g.metrics.FilterRefetchRounds.Observe(float64(stats.RefetchRounds))
		g.metrics.FilterItemsRedacted.Add(float64(stats.Redacted))
		if stats.Partial {
			g.metrics.FilterPartialResults.Inc()
		}
	}
	if stats.Partial {
		event := audit.NewDecisionEvent(r, audit.EventTypeListingPartial, audit.EventStatusFailure, principal.Username)
		event.ResourceType = string(route.resourceType)
		if err := g.audit.Log(ctx, event); err != nil {
			g.logger.WithError(err).Warn("audit write failed")
		}
	}

	envelope := listing.FilterListingResponse(initial.Envelope, route.itemsField, visible, nextToken)
	if err := httpx.WriteJSON(w, http.StatusOK, envelope); err != nil {
		g.logger.WithError(err).Error("write listing response failed")
	}
}

// pageSize reads the caller's requested page size from query or body,
// clamped to [1, maxPageSize].
func (g *Gateway) pageSize(r *http.Request, body []byte) int {
	size := g.defaultPageSize
	if raw := r.URL.Query().Get("max_results"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			size = n
		}
	} else if len(body) > 0 {
		var payload struct {
			MaxResults *int `json:"max_results"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && payload.MaxResults != nil {
			size = *payload.MaxResults
		}
	}
	if size < 1 {
		size = 1
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return size
}

// pageToken reads the caller's continuation token from query or body.
func pageToken(r *http.Request, body []byte) string {
	if token := r.URL.Query().Get("page_token"); token != "" {
		return token
	}
	if len(body) > 0 {
		var payload struct {
			PageToken string `json:"page_token"`
		}
		if err := json.Unmarshal(body, &payload); err == nil {
			return payload.PageToken
		}
	}
	return ""
}

// listingFetchError maps a failed initial fetch. Unlike refill rounds, there
// is nothing to return partially here.
func (g *Gateway) listingFetchError(w http.ResponseWriter, r *http.Request, err error) {
	g.logger.WithError(err).WithField("path", r.URL.Path).Error("listing fetch failed")
	var upstreamErr *upstream.Error
	switch {
	case errors.Is(err, permissions.ErrNotFound):
		httpx.WriteNotFoundError(w, "not found")
	case errors.As(err, &upstreamErr):
		httpx.WriteErrorMessage(w, upstreamErr.StatusCode, "upstream error")
	default:
		httpx.WriteErrorMessage(w, http.StatusBadGateway, "upstream unavailable")
	}
}
