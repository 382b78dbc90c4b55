// Package gateway is the authorizing reverse proxy in front of the tracking
// service. Every proxied request passes through the dispatch table before it
// is forwarded; listing responses are additionally filtered down to the
// items the caller may read.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/trackgate/pkg/audit"
	"github.com/platinummonkey/trackgate/pkg/auth"
	"github.com/platinummonkey/trackgate/pkg/dispatch"
	"github.com/platinummonkey/trackgate/pkg/observability"
	"github.com/platinummonkey/trackgate/pkg/permissions"
	"github.com/platinummonkey/trackgate/pkg/upstream"
	httpx "github.com/platinummonkey/trackgate/pkg/httputil"
)

var gatewayTracer = otel.Tracer("trackgate/gateway")

// maxBodyBytes bounds how much of a request body the gateway will buffer for
// identifier extraction. Artifact uploads stream past this via the artifact
// routes, which never need the body.
const maxBodyBytes = 16 << 20

// PermissionWriter is the slice of the permission store the gateway's
// post-forward hooks need.
type PermissionWriter interface {
	CreateDirectPermission(ctx context.Context, p *permissions.DirectPermission) error
	RenameResourcePermissions(ctx context.Context, resourceType permissions.ResourceType, oldKey, newKey string) error
	DeleteResourcePermissions(ctx context.Context, resourceType permissions.ResourceType, resourceKey string) error
}

// Gateway proxies requests to the tracking service after authorization.
type Gateway struct {
	target   *url.URL
	proxy    *httputil.ReverseProxy
	table    *dispatch.Table
	resolver *permissions.Resolver
	writer   PermissionWriter
	client   *upstream.Client
	audit    audit.Logger
	logger   *observability.Logger
	metrics  *observability.Metrics

	listings  map[listingKey]listingRoute
	creations map[string]creationRoute
	renames   map[string]renameRoute
	deletions map[string]deletionRoute

	defaultPageSize int
}

// New creates a gateway for the tracking service at target.
func New(target string, table *dispatch.Table, resolver *permissions.Resolver, writer PermissionWriter, client *upstream.Client, auditLogger audit.Logger, logger *observability.Logger, metrics *observability.Metrics) (*Gateway, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		target:          u,
		proxy:           httputil.NewSingleHostReverseProxy(u),
		table:           table,
		resolver:        resolver,
		writer:          writer,
		client:          client,
		audit:           auditLogger,
		logger:          logger,
		metrics:         metrics,
		defaultPageSize: 100,
	}
	g.proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		g.logger.WithError(err).WithField("path", r.URL.Path).Error("upstream proxy error")
		httpx.WriteErrorMessage(w, http.StatusBadGateway, "upstream unavailable")
	}
	g.registerRoutes()
	return g, nil
}

// ServeHTTP authorizes and forwards one request.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	body, err := g.bufferBody(r)
	if err != nil {
		httpx.WriteBadRequest(w, "request body too large or unreadable")
		return
	}

	req := &dispatch.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Body:   body,
	}

	ctx, span := gatewayTracer.Start(r.Context(), "Authorize",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		),
	)
	decision, err := g.table.Authorize(ctx, principal, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authorization check failed")
		span.End()
		g.decisionError(w, r, principal, err)
		return
	}
	span.SetAttributes(
		attribute.Bool("authz.allowed", decision.Allowed),
		attribute.String("authz.reason", decision.Reason),
	)
	span.End()
	if !decision.Allowed {
		g.deny(w, r, principal, decision)
		return
	}
	if decision.Reason == "admin" {
		g.auditDecision(r, principal, audit.EventTypeAuthzAdminBypass, audit.EventStatusSuccess, "")
	} else {
		g.auditDecision(r, principal, audit.EventTypeAuthzAllowed, audit.EventStatusSuccess, "")
	}

	if lr, ok := g.listings[listingKey{path: r.URL.Path, method: r.Method}]; ok && !principalIsAdmin(principal) {
		g.serveListing(w, r, principal, lr, body)
		return
	}

	g.forward(w, r, principal, req, body)
}

// principalIsAdmin reports whether the request runs with admin bypass, in
// which case listings are forwarded unfiltered.
func principalIsAdmin(p *auth.Principal) bool {
	return p != nil && p.IsAdmin
}

// bufferBody reads and restores the request body so it can be inspected for
// identifier extraction and still be forwarded.
func (g *Gateway) bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return nil, nil
	}
	if r.ContentLength > maxBodyBytes {
		// Artifact uploads can exceed the buffer limit; they carry
		// their identifiers in the path and query, never the body.
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	r.Body.Close()
	if int64(len(body)) > maxBodyBytes {
		return nil, errors.New("request body exceeds buffer limit")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// forward proxies the request and runs any post-forward hook on success.
func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, principal *auth.Principal, req *dispatch.Request, body []byte) {
	create, hasCreate := g.creations[r.URL.Path]
	rename, hasRename := g.renames[r.URL.Path]
	deletion, hasDelete := g.deletions[deletionLookupKey(r, req)]

	if (hasCreate && r.Method == create.method) ||
		(hasRename && r.Method == rename.method) ||
		hasDelete {
		rec := &recordingWriter{ResponseWriter: w}
		g.proxy.ServeHTTP(rec, r)
		if rec.status >= 200 && rec.status < 300 {
			switch {
			case hasCreate && r.Method == create.method:
				g.applyCreation(r, principal, create, rec.body.Bytes())
			case hasRename && r.Method == rename.method:
				g.applyRename(r, principal, rename, req)
			case hasDelete:
				g.applyDeletion(r, principal, deletion, req)
			}
		}
		return
	}

	g.proxy.ServeHTTP(w, r)
}

func (g *Gateway) deny(w http.ResponseWriter, r *http.Request, principal *auth.Principal, decision dispatch.Decision) {
	username := ""
	if principal != nil {
		username = principal.Username
	}
	g.logger.WithFields(map[string]any{
		"username": username,
		"method":   r.Method,
		"path":     r.URL.Path,
		"reason":   decision.Reason,
	}).Info("request denied")
	g.auditDecision(r, principal, audit.EventTypeAuthzDenied, audit.EventStatusDenied, decision.Reason)
	// The denial message is uniform so callers cannot probe which
	// resources exist.
	httpx.WriteForbidden(w, "permission denied")
}

func (g *Gateway) decisionError(w http.ResponseWriter, r *http.Request, principal *auth.Principal, err error) {
	g.logger.WithError(err).WithField("path", r.URL.Path).Error("authorization check failed")
	event := audit.NewDecisionEvent(r, audit.EventTypeAuthzError, audit.EventStatusFailure, principalName(principal))
	event.ErrorMessage = err.Error()
	if logErr := g.audit.Log(r.Context(), event); logErr != nil {
		g.logger.WithError(logErr).Warn("audit write failed")
	}

	var upstreamErr *upstream.Error
	switch {
	case errors.Is(err, permissions.ErrStoreUnavailable):
		httpx.WriteServiceUnavailable(w, "permission store unavailable")
	case errors.As(err, &upstreamErr):
		httpx.WriteErrorMessage(w, http.StatusBadGateway, "upstream unavailable")
	default:
		httpx.WriteInternalError(w, errors.New("authorization check failed"))
	}
}

func (g *Gateway) auditDecision(r *http.Request, principal *auth.Principal, eventType audit.EventType, status audit.EventStatus, reason string) {
	event := audit.NewDecisionEvent(r, eventType, status, principalName(principal))
	if principal != nil {
		event.IsAdmin = principal.IsAdmin
	}
	event.Message = reason
	if err := g.audit.Log(r.Context(), event); err != nil {
		g.logger.WithError(err).Warn("audit write failed")
	}
}

func principalName(p *auth.Principal) string {
	if p == nil {
		return ""
	}
	return p.Username
}

// recordingWriter tees status and body so post-forward hooks can read the
// upstream response after it has been sent to the client.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}
