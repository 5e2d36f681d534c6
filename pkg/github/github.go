// Package github resolves repository metadata snapshots from the GitHub REST API.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/plughub/pkg/marketplace"
)

// Config configures the resolver
type Config struct {
	BaseURL   string
	Token     string
	CacheSize int
	CacheTTL  time.Duration
	Timeout   time.Duration
}

// DefaultConfig returns sensible defaults for the public GitHub API
func DefaultConfig() Config {
	return Config{
		BaseURL:   "https://api.github.com",
		CacheSize: 512,
		CacheTTL:  10 * time.Minute,
		Timeout:   10 * time.Second,
	}
}

// Resolver implements marketplace.MetadataResolver. Lookups of the same repository
// are shared between concurrent callers and cached for CacheTTL.
type Resolver struct {
	baseURL string
	client  *http.Client
	cache   *lru.LRU[string, marketplace.RepositoryMetadata]
	group   singleflight.Group
	logger  logrus.FieldLogger
	now     func() time.Time
	timeout time.Duration
	fetches metric.Int64Counter
}

// NewResolver creates a GitHub metadata resolver. A non-empty token authenticates
// every API call, which raises the rate limit.
func NewResolver(cfg Config, logger logrus.FieldLogger) *Resolver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	if cfg.Token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		client = oauth2.NewClient(context.WithValue(context.Background(), oauth2.HTTPClient, client), src)
	}
	client.Timeout = cfg.Timeout

	fetches, err := otel.Meter("plughub/github").Int64Counter("plughub.github.fetches",
		metric.WithDescription("Repository metadata fetches against the GitHub API by result"))
	if err != nil {
		logger.WithError(err).Warn("github fetch counter unavailable")
	}

	return &Resolver{
		fetches: fetches,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		cache:   lru.NewLRU[string, marketplace.RepositoryMetadata](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:  logger,
		now:     time.Now,
		timeout: cfg.Timeout,
	}
}

// Repository identifies a GitHub repository
type Repository struct {
	Owner string
	Name  string
}

func (r Repository) String() string {
	return r.Owner + "/" + r.Name
}

// ParseLink extracts the repository from a github.com link such as
// https://github.com/owner/repo, github.com/owner/repo.git or www.github.com/owner/repo/
func ParseLink(link string) (Repository, error) {
	raw := strings.TrimSpace(link)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Repository{}, fmt.Errorf("%w: malformed repository link %q", marketplace.ErrInvalidParameter, link)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	if host != "github.com" {
		return Repository{}, fmt.Errorf("%w: %q is not a github.com link", marketplace.ErrInvalidParameter, link)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Repository{}, fmt.Errorf("%w: %q does not name a repository", marketplace.ErrInvalidParameter, link)
	}

	return Repository{Owner: parts[0], Name: strings.TrimSuffix(parts[1], ".git")}, nil
}

// Resolve implements marketplace.MetadataResolver
func (r *Resolver) Resolve(ctx context.Context, link string) (marketplace.RepositoryMetadata, error) {
	repo, err := ParseLink(link)
	if err != nil {
		return marketplace.RepositoryMetadata{}, err
	}
	key := strings.ToLower(repo.String())

	if m, ok := r.cache.Get(key); ok {
		m.Link = link
		return m, nil
	}
	return r.load(ctx, repo, key, link)
}

// Refresh implements marketplace.MetadataRefresher. It always queries the API
// and replaces the cached snapshot.
func (r *Resolver) Refresh(ctx context.Context, link string) (marketplace.RepositoryMetadata, error) {
	repo, err := ParseLink(link)
	if err != nil {
		return marketplace.RepositoryMetadata{}, err
	}
	key := strings.ToLower(repo.String())

	r.Forget(link)
	return r.load(ctx, repo, key, link)
}

// load fetches under singleflight. The shared fetch is detached from any one
// caller's cancellation and bounded by the client timeout; each caller stops
// waiting when its own ctx is done.
func (r *Resolver) load(ctx context.Context, repo Repository, key, link string) (marketplace.RepositoryMetadata, error) {
	ch := r.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		m, err := r.fetch(fctx, repo)
		if err != nil {
			return nil, err
		}
		r.cache.Add(key, m)
		return m, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return marketplace.RepositoryMetadata{}, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return marketplace.RepositoryMetadata{}, res.Err
	}

	r.logger.WithFields(logrus.Fields{
		"repository": repo.String(),
		"shared":     res.Shared,
	}).Debug("fetched repository metadata")

	m := res.Val.(marketplace.RepositoryMetadata)
	m.Link = link
	return m, nil
}

// Forget drops a cached snapshot so the next Resolve hits the API
func (r *Resolver) Forget(link string) {
	if repo, err := ParseLink(link); err == nil {
		r.cache.Remove(strings.ToLower(repo.String()))
	}
}

type repoResponse struct {
	OpenIssuesCount int `json:"open_issues_count"`
}

type searchResponse struct {
	TotalCount int `json:"total_count"`
}

type commitResponse struct {
	Commit struct {
		Committer struct {
			Date time.Time `json:"date"`
		} `json:"committer"`
	} `json:"commit"`
}

func (r *Resolver) fetch(ctx context.Context, repo Repository) (marketplace.RepositoryMetadata, error) {
	var (
		info    repoResponse
		pulls   searchResponse
		commits []commitResponse
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.get(gctx, fmt.Sprintf("/repos/%s/%s", repo.Owner, repo.Name), nil, &info)
	})
	g.Go(func() error {
		q := url.Values{"q": {fmt.Sprintf("repo:%s type:pr state:open", repo)}, "per_page": {"1"}}
		return r.get(gctx, "/search/issues", q, &pulls)
	})
	g.Go(func() error {
		return r.get(gctx, fmt.Sprintf("/repos/%s/%s/commits", repo.Owner, repo.Name), url.Values{"per_page": {"1"}}, &commits)
	})
	err := g.Wait()
	r.countFetch(ctx, err)
	if err != nil {
		return marketplace.RepositoryMetadata{}, err
	}

	// open_issues_count includes open pull requests
	issues := info.OpenIssuesCount - pulls.TotalCount
	if issues < 0 {
		issues = 0
	}

	m := marketplace.RepositoryMetadata{
		OpenIssues:   issues,
		PullRequests: pulls.TotalCount,
		FetchedAt:    r.now().UTC(),
	}
	if len(commits) > 0 {
		m.LastCommit = commits[0].Commit.Committer.Date
	}
	return m, nil
}

func (r *Resolver) countFetch(ctx context.Context, err error) {
	if r.fetches == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = marketplace.ErrorCode(err)
	}
	r.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (r *Resolver) get(ctx context.Context, path string, query url.Values, dest interface{}) error {
	endpoint := r.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("github request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: repository not found (%s)", marketplace.ErrInvalidParameter, path)
	case resp.StatusCode == http.StatusConflict && strings.HasSuffix(path, "/commits"):
		// empty repository
		return nil
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("github request %s returned status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode github response: %w", err)
	}
	return nil
}
