package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plughub/pkg/config"
	"github.com/platinummonkey/plughub/pkg/marketplace"
	"github.com/platinummonkey/plughub/pkg/middleware"
)

type githubFake struct {
	URL        string
	openIssues atomic.Int32
}

func fakeGitHub(t *testing.T) *githubFake {
	t.Helper()
	fake := &githubFake{}
	fake.openIssues.Store(4)
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/formatter", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `{"open_issues_count": %d}`, fake.openIssues.Load())
	})
	mux.HandleFunc("/search/issues", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"total_count": 1}`)
	})
	mux.HandleFunc("/repos/acme/formatter/commits", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"commit": {"committer": {"date": "2026-03-01T12:00:00Z"}}}]`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	fake.URL = srv.URL
	return fake
}

func testConfig(t *testing.T, githubURL string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server:      config.ServerConfig{Host: "127.0.0.1", Port: "0", HealthPort: "1", MaxBodyBytes: 1 << 20},
		Storage:     config.StorageConfig{Type: config.StorageMemory, ArtifactType: config.ArtifactFilesystem, ArtifactRoot: t.TempDir()},
		GitHub:      config.GitHubConfig{BaseURL: githubURL, CacheSize: 8},
		Marketplace: config.DefaultMarketplaceConfig(),
		RateLimit:   config.RateLimitConfig{Enabled: true, AnonymousPerMinute: 100, AnonymousBurst: 100, ActorPerMinute: 100, ActorBurst: 100},
		Observability: config.ObservabilityConfig{
			LogLevel:       "debug",
			LogFormat:      "json",
			MetricsEnabled: true,
		},
		Actors: []config.ActorConfig{
			{ID: 1, Username: "admin", Role: "ROLE_ADMIN"},
			{ID: 2, Username: "alice", Role: "ROLE_USER"},
			{ID: 3, Username: "bob", Role: "ROLE_USER"},
		},
	}
	return cfg
}

type client struct {
	handler http.Handler
}

func (c client) do(method, path string, actor string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if actor != "" {
		req.Header.Set(middleware.ActorHeader, actor)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestApp_Lifecycle(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, testConfig(t, fakeGitHub(t).URL), logger)
	require.NoError(t, err)
	defer a.Close()

	c := client{handler: a.Handler(ctx)}

	rec := c.do(http.MethodPost, "/api/extensions", "2",
		strings.NewReader(`{"name":"Formatter","version":"1.0.0","description":"formats","github":"https://github.com/acme/formatter","tags":"go, lint"}`),
		"application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[marketplace.ExtensionView](t, rec)
	assert.True(t, created.Pending)
	assert.Equal(t, 3, created.OpenIssues)
	assert.Equal(t, 1, created.PullRequests)
	assert.Equal(t, "alice", created.OwnerName)

	id := "/api/extensions/" + itoa(created.ID)

	// pending extensions are hidden from strangers but visible to the owner
	assert.Equal(t, http.StatusForbidden, c.do(http.MethodGet, id, "", nil, "").Code)
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, id, "2", nil, "").Code)

	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodPost, "/api/extensions", "", strings.NewReader(`{}`), "application/json").Code)
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodPost, "/api/extensions", "99", strings.NewReader(`{}`), "application/json").Code)
	assert.Equal(t, http.StatusForbidden, c.do(http.MethodGet, "/api/admin/extensions/pending", "2", nil, "").Code)

	rec = c.do(http.MethodGet, "/api/admin/extensions/pending", "1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]marketplace.ExtensionView](t, rec), 1)

	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPatch, "/api/admin/extensions/"+itoa(created.ID)+"/status/approve", "1", nil, "").Code)
	rec = c.do(http.MethodPatch, "/api/admin/extensions/"+itoa(created.ID)+"/status/publish", "1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[marketplace.ExtensionView](t, rec).Pending)

	rec = c.do(http.MethodGet, "/api/extensions?name=form&orderBy=downloads", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[marketplace.PageView](t, rec)
	assert.Equal(t, int64(1), page.TotalResults)

	rec = c.do(http.MethodPut, id+"/artifact", "2", bytes.NewReader([]byte("PK\x03\x04package")), "application/zip")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[marketplace.ExtensionView](t, rec).HasArtifact)

	rec = c.do(http.MethodGet, id+"/artifact", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get("X-Times-Downloaded"))
	assert.Equal(t, "PK\x03\x04package", rec.Body.String())

	rec = c.do(http.MethodPost, id+"/download", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decode[marketplace.ExtensionView](t, rec).TimesDownloaded)

	assert.Equal(t, http.StatusForbidden, c.do(http.MethodDelete, id, "3", nil, "").Code, "only the owner or an administrator may delete")
	assert.Equal(t, http.StatusNoContent, c.do(http.MethodDelete, id, "2", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, id, "", nil, "").Code)
}

func TestApp_AdminFetchMetadataReachesGitHub(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gh := fakeGitHub(t)
	a, err := New(ctx, testConfig(t, gh.URL), logger)
	require.NoError(t, err)
	defer a.Close()
	c := client{handler: a.Handler(ctx)}

	rec := c.do(http.MethodPost, "/api/extensions", "2",
		strings.NewReader(`{"name":"Formatter","version":"1.0.0","github":"https://github.com/acme/formatter"}`),
		"application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[marketplace.ExtensionView](t, rec)
	assert.Equal(t, 3, created.OpenIssues)

	gh.openIssues.Store(43)
	rec = c.do(http.MethodPost, "/api/admin/extensions/"+itoa(created.ID)+"/metadata", "1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 42, decode[marketplace.ExtensionView](t, rec).OpenIssues)
}

func TestApp_OpsHandler(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	a, err := New(ctx, testConfig(t, fakeGitHub(t).URL), logger)
	require.NoError(t, err)
	defer a.Close()

	a.Metrics.RecordDownload()
	ops := a.OpsHandler()

	rec := httptest.NewRecorder()
	ops.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	ops.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "plughub_downloads_total 1")

	api, opsSrv := a.Servers(ctx)
	assert.Equal(t, "127.0.0.1:0", api.Addr)
	assert.Equal(t, "127.0.0.1:1", opsSrv.Addr)
}

func TestApp_RateLimit(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t, fakeGitHub(t).URL)
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, AnonymousPerMinute: 1, AnonymousBurst: 0, ActorPerMinute: 100, ActorBurst: 100}

	a, err := New(ctx, cfg, logger)
	require.NoError(t, err)
	defer a.Close()

	c := client{handler: a.Handler(ctx)}
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/extensions", "", nil, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, c.do(http.MethodGet, "/api/extensions", "", nil, "").Code)
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/extensions", "2", nil, "").Code, "actors have their own bucket")
}

func TestApp_ListingDefaultsToAllowedSortKey(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t, fakeGitHub(t).URL)
	cfg.Marketplace.SortKeys = []string{"name", "downloads"}
	require.NoError(t, cfg.Marketplace.Validate())

	a, err := New(ctx, cfg, logger)
	require.NoError(t, err)
	defer a.Close()

	c := client{handler: a.Handler(ctx)}
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/extensions", "", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodGet, "/api/extensions?orderBy=date", "", nil, "").Code)
}

func TestApp_RateLimitFailOpen(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, failOpen := range []bool{true, false} {
		cfg := testConfig(t, fakeGitHub(t).URL)
		cfg.RateLimit.FailOpen = failOpen
		a, err := New(ctx, cfg, logger)
		require.NoError(t, err)
		assert.Equal(t, failOpen, a.rateLimiter(ctx).FailOpen())
		require.NoError(t, a.Close())
	}
}

func TestNew_Errors(t *testing.T) {
	logger, _ := test.NewNullLogger()

	t.Run("unknown storage", func(t *testing.T) {
		cfg := testConfig(t, "http://localhost")
		cfg.Storage.Type = "sqlite"
		_, err := New(context.Background(), cfg, logger)
		assert.ErrorContains(t, err, "unsupported storage type")
	})

	t.Run("bad actor role", func(t *testing.T) {
		cfg := testConfig(t, "http://localhost")
		cfg.Actors = []config.ActorConfig{{ID: 9, Username: "x", Role: "ROLE_ROOT"}}
		_, err := New(context.Background(), cfg, logger)
		assert.ErrorContains(t, err, "actor 9")
	})
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
