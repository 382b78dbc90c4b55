// Package upstream is the HTTP client for the proxied tracking service. The
// gateway uses it where an authorization decision needs information only the
// upstream has: resolving a run to its owning experiment, mapping gateway
// endpoint IDs to names, and refetching listing pages during response
// filtering.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/trackgate/pkg/observability"
	"github.com/platinummonkey/trackgate/pkg/permissions"
)

const (
	defaultTimeout   = 30 * time.Second
	runCacheSize     = 8192
	runCacheTTL      = 5 * time.Minute
	endpointCacheTTL = time.Minute
)

// Client talks to the tracking service directly, outside the proxied request
// path. Run-to-experiment ownership is immutable upstream, so it is cached
// aggressively.
type Client struct {
	baseURL  string
	http     *http.Client
	logger   *observability.Logger
	runOwner *expirable.LRU[string, string]
	epNames  *expirable.LRU[string, string]
}

// NewClient creates an upstream client rooted at baseURL.
func NewClient(baseURL string, logger *observability.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:   logger,
		runOwner: expirable.NewLRU[string, string](runCacheSize, nil, runCacheTTL),
		epNames:  expirable.NewLRU[string, string](runCacheSize, nil, endpointCacheTTL),
	}
}

// Error is a non-2xx upstream response.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// getJSON performs a GET and decodes the response. 404 maps to
// permissions.ErrNotFound so callers can apply not-found policy uniformly.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build upstream request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", path, permissions.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode upstream response: %w", err)
		}
	}
	return nil
}

// ExperimentForRun returns the experiment ID that owns runID.
func (c *Client) ExperimentForRun(ctx context.Context, runID string) (string, error) {
	if id, ok := c.runOwner.Get(runID); ok {
		return id, nil
	}
	var payload struct {
		Run struct {
			Info struct {
				ExperimentID string `json:"experiment_id"`
			} `json:"info"`
		} `json:"run"`
	}
	q := url.Values{"run_id": {runID}}
	if err := c.getJSON(ctx, "/api/2.0/tracking/runs/get", q, &payload); err != nil {
		return "", err
	}
	if payload.Run.Info.ExperimentID == "" {
		return "", fmt.Errorf("run %s: %w", runID, permissions.ErrNotFound)
	}
	c.runOwner.Add(runID, payload.Run.Info.ExperimentID)
	return payload.Run.Info.ExperimentID, nil
}

// GatewayEndpointName returns the name of a gateway endpoint addressed by ID.
func (c *Client) GatewayEndpointName(ctx context.Context, endpointID string) (string, error) {
	if name, ok := c.epNames.Get(endpointID); ok {
		return name, nil
	}
	var payload struct {
		Endpoint struct {
			Name string `json:"name"`
		} `json:"endpoint"`
	}
	q := url.Values{"endpoint_id": {endpointID}}
	if err := c.getJSON(ctx, "/api/2.0/gateway/endpoints/get-by-id", q, &payload); err != nil {
		return "", err
	}
	if payload.Endpoint.Name == "" {
		return "", fmt.Errorf("endpoint %s: %w", endpointID, permissions.ErrNotFound)
	}
	c.epNames.Add(endpointID, payload.Endpoint.Name)
	return payload.Endpoint.Name, nil
}

// Page is one raw page of a listing response: the items of the route's
// collection field, the upstream's continuation token, and the envelope the
// page arrived in so a rewritten response can preserve its other fields.
type Page struct {
	Items     []json.RawMessage
	NextToken string
	Envelope  map[string]json.RawMessage
}

// FetchPage re-issues a listing request with an adjusted page size and
// token. The original request's other parameters are preserved so the
// upstream applies the same filter and ordering on every round.
func (c *Client) FetchPage(ctx context.Context, method, path string, query url.Values, body []byte, itemsField string, maxResults int, token string) (Page, error) {
	var reqBody io.Reader
	q := cloneValues(query)

	if method == http.MethodGet || len(body) == 0 {
		q.Set("max_results", strconv.Itoa(maxResults))
		if token == "" {
			q.Del("page_token")
		} else {
			q.Set("page_token", token)
		}
	} else {
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			return Page{}, fmt.Errorf("decode listing request body: %w", err)
		}
		payload["max_results"] = maxResults
		if token == "" {
			delete(payload, "page_token")
		} else {
			payload["page_token"] = token
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Page{}, fmt.Errorf("encode listing request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return Page{}, fmt.Errorf("build listing request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("listing refetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Page{}, fmt.Errorf("read listing response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, &Error{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Page{}, fmt.Errorf("decode listing response: %w", err)
	}
	page := Page{Envelope: envelope}
	if items, ok := envelope[itemsField]; ok {
		if err := json.Unmarshal(items, &page.Items); err != nil {
			return Page{}, fmt.Errorf("decode %s items: %w", itemsField, err)
		}
	}
	if tok, ok := envelope["next_page_token"]; ok {
		if err := json.Unmarshal(tok, &page.NextToken); err != nil {
			return Page{}, fmt.Errorf("decode next_page_token: %w", err)
		}
	}
	return page, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
