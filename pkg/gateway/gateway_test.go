package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/trackgate/pkg/audit"
	"github.com/platinummonkey/trackgate/pkg/auth"
	"github.com/platinummonkey/trackgate/pkg/dispatch"
	"github.com/platinummonkey/trackgate/pkg/listing"
	"github.com/platinummonkey/trackgate/pkg/observability"
	"github.com/platinummonkey/trackgate/pkg/permissions"
	"github.com/platinummonkey/trackgate/pkg/upstream"
)

type noGroups struct{}

func (noGroups) FetchGroups(context.Context, string) ([]string, error) { return nil, nil }

// fakeTracking is a minimal stand-in for the proxied tracking service:
// offset-paginated experiment search plus a handful of mutation endpoints.
type fakeTracking struct {
	mux         *http.ServeMux
	experiments []string // experiment IDs in upstream order
	requests    []string // "METHOD path" per request seen
}

func newFakeTracking() *fakeTracking {
	f := &fakeTracking{mux: http.NewServeMux()}

	f.mux.HandleFunc(trackingBase+"/experiments/search", func(w http.ResponseWriter, r *http.Request) {
		maxResults, _ := strconv.Atoi(r.URL.Query().Get("max_results"))
		if maxResults < 1 {
			maxResults = 100
		}
		offset, err := listing.DecodeToken(r.URL.Query().Get("page_token"))
		if err != nil {
			http.Error(w, "bad token", http.StatusBadRequest)
			return
		}
		end := offset + maxResults
		if end > len(f.experiments) {
			end = len(f.experiments)
		}
		items := make([]map[string]string, 0, end-offset)
		for _, id := range f.experiments[offset:end] {
			items = append(items, map[string]string{"experiment_id": id, "name": "exp " + id})
		}
		envelope := map[string]any{"experiments": items}
		if end < len(f.experiments) {
			envelope["next_page_token"] = listing.EncodeToken(end)
		}
		_ = json.NewEncoder(w).Encode(envelope)
	})

	f.mux.HandleFunc(trackingBase+"/experiments/create", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"experiment_id": "42"})
	})
	f.mux.HandleFunc(trackingBase+"/scorers/create", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	})
	f.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	return f
}

func (f *fakeTracking) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.mux.ServeHTTP(w, r)
}

type fixture struct {
	gw       *Gateway
	store    *permissions.Store
	resolver *permissions.Resolver
	tracking *fakeTracking
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tracking := newFakeTracking()
	server := httptest.NewServer(tracking)
	t.Cleanup(server.Close)

	store := permissions.NewTestStore(t)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	resolver := permissions.NewResolver(store, noGroups{}, logger,
		permissions.WithDefaultLevel(permissions.LevelNoPermissions))
	client := upstream.NewClient(server.URL, logger)

	table, err := dispatch.NewDefaultTable(resolver, client, logger, nil)
	require.NoError(t, err)

	gw, err := New(server.URL, table, resolver, store, client, audit.NopLogger{}, logger, nil)
	require.NoError(t, err)

	return &fixture{gw: gw, store: store, resolver: resolver, tracking: tracking}
}

func (f *fixture) do(principal *auth.Principal, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if principal != nil {
		req = req.WithContext(auth.WithPrincipal(req.Context(), principal))
	}
	rec := httptest.NewRecorder()
	f.gw.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createUser(t *testing.T, username string) {
	t.Helper()
	require.NoError(t, f.store.CreateUser(context.Background(), &permissions.User{Username: username, PasswordHash: "x"}))
}

func (f *fixture) grant(t *testing.T, username string, rt permissions.ResourceType, key string, level permissions.Level) {
	t.Helper()
	require.NoError(t, f.store.CreateDirectPermission(context.Background(), &permissions.DirectPermission{
		ResourceType: rt, ResourceKey: key, Username: username, Level: level,
	}))
}

var (
	aliceP = &auth.Principal{Username: "alice"}
	adminP = &auth.Principal{Username: "root", IsAdmin: true}
)

func TestGateway_DenialIsUniform(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice")

	rec := f.do(aliceP, http.MethodGet, trackingBase+"/experiments/get?experiment_id=1", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "permission denied")

	rec = f.do(aliceP, http.MethodPost, trackingBase+"/experiments/delete", `{"experiment_id":"1"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "permission denied")

	// Nothing reached the upstream.
	assert.Empty(t, f.tracking.requests)
}

func TestGateway_AllowedRequestIsForwarded(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice")
	f.grant(t, "alice", permissions.ResourceExperiment, "1", permissions.LevelRead)

	rec := f.do(aliceP, http.MethodGet, trackingBase+"/experiments/get?experiment_id=1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.tracking.requests, 1)
	assert.Equal(t, "GET "+trackingBase+"/experiments/get", f.tracking.requests[0])
}

func TestGateway_ListingFilteredAndRefilled(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice")
	f.tracking.experiments = []string{"e0", "e1", "e2", "e3", "e4", "e5"}
	for _, id := range []string{"e0", "e2", "e4"} {
		f.grant(t, "alice", permissions.ResourceExperiment, id, permissions.LevelRead)
	}

	rec := f.do(aliceP, http.MethodGet, trackingBase+"/experiments/search?max_results=3", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Experiments []struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiments"`
		NextPageToken string `json:"next_page_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))

	ids := make([]string, 0, len(page.Experiments))
	for _, e := range page.Experiments {
		ids = append(ids, e.ExperimentID)
	}
	// The page is full despite upstream interleaving hidden items.
	assert.Equal(t, []string{"e0", "e2", "e4"}, ids)
	require.NotEmpty(t, page.NextPageToken)

	// The continuation drains the remainder; only hidden items are left, so
	// the second page is empty with no further token.
	rec = f.do(aliceP, http.MethodGet,
		fmt.Sprintf("%s/experiments/search?max_results=3&page_token=%s", trackingBase, page.NextPageToken), "")
	require.Equal(t, http.StatusOK, rec.Code)

	page.Experiments = nil
	page.NextPageToken = ""
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Empty(t, page.Experiments)
	assert.Empty(t, page.NextPageToken)
}

func TestGateway_AdminListingUnfiltered(t *testing.T) {
	f := newFixture(t)
	f.tracking.experiments = []string{"e0", "e1", "e2"}

	rec := f.do(adminP, http.MethodGet, trackingBase+"/experiments/search?max_results=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	// Raw upstream page, hidden items included.
	assert.Contains(t, rec.Body.String(), "e1")
}

func TestGateway_CreationGrantsCreatorManage(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice")

	rec := f.do(aliceP, http.MethodPost, trackingBase+"/experiments/create", `{"name":"my-exp"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	p, err := f.store.GetDirectPermission(context.Background(), permissions.ResourceExperiment, "42", "alice")
	require.NoError(t, err)
	assert.Equal(t, permissions.LevelManage, p.Level)
}

func TestGateway_CreationHookSkippedOnUpstreamFailure(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice")

	rec := f.do(aliceP, http.MethodPost, trackingBase+"/scorers/create", `{"name":"judge"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	_, err := f.store.GetDirectPermission(context.Background(), permissions.ResourceScorer, "judge", "alice")
	assert.ErrorIs(t, err, permissions.ErrNotFound)
}

func TestGateway_RenameMovesPermissions(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice")
	f.grant(t, "alice", permissions.ResourceRegisteredModel, "old-model", permissions.LevelEdit)

	rec := f.do(aliceP, http.MethodPost, trackingBase+"/registered-models/rename",
		`{"name":"old-model","new_name":"new-model"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := f.store.GetDirectPermission(context.Background(), permissions.ResourceRegisteredModel, "old-model", "alice")
	assert.ErrorIs(t, err, permissions.ErrNotFound)
	p, err := f.store.GetDirectPermission(context.Background(), permissions.ResourceRegisteredModel, "new-model", "alice")
	require.NoError(t, err)
	assert.Equal(t, permissions.LevelEdit, p.Level)
}

func TestGateway_DeletionCascadesPermissions(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice")
	f.createUser(t, "bob")
	f.grant(t, "alice", permissions.ResourceExperiment, "e1", permissions.LevelManage)
	f.grant(t, "bob", permissions.ResourceExperiment, "e1", permissions.LevelRead)

	rec := f.do(aliceP, http.MethodPost, trackingBase+"/experiments/delete", `{"experiment_id":"e1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := f.store.GetDirectPermission(context.Background(), permissions.ResourceExperiment, "e1", "alice")
	assert.ErrorIs(t, err, permissions.ErrNotFound)
	_, err = f.store.GetDirectPermission(context.Background(), permissions.ResourceExperiment, "e1", "bob")
	assert.ErrorIs(t, err, permissions.ErrNotFound)
}

func TestGateway_NoPrincipalDenied(t *testing.T) {
	f := newFixture(t)
	rec := f.do(nil, http.MethodGet, trackingBase+"/experiments/get?experiment_id=1", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGateway_UpstreamDownIsBadGateway(t *testing.T) {
	tracking := newFakeTracking()
	server := httptest.NewServer(tracking)

	store := permissions.NewTestStore(t)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	resolver := permissions.NewResolver(store, noGroups{}, logger)
	client := upstream.NewClient(server.URL, logger)
	table, err := dispatch.NewDefaultTable(resolver, client, logger, nil)
	require.NoError(t, err)
	gw, err := New(server.URL, table, resolver, store, client, audit.NopLogger{}, logger, nil)
	require.NoError(t, err)

	// Kill the upstream before forwarding.
	server.Close()

	req := httptest.NewRequest(http.MethodGet, trackingBase+"/experiments/get?experiment_id=1", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), adminP))
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
