// Package app assembles the plughub service from configuration: storage,
// resolvers, the lifecycle service, HTTP routing and observability.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/plughub/pkg/config"
	"github.com/platinummonkey/plughub/pkg/github"
	"github.com/platinummonkey/plughub/pkg/httputil"
	"github.com/platinummonkey/plughub/pkg/marketplace"
	"github.com/platinummonkey/plughub/pkg/middleware"
	"github.com/platinummonkey/plughub/pkg/observability"
	"github.com/platinummonkey/plughub/pkg/storage"
	"github.com/platinummonkey/plughub/pkg/storage/memory"
	"github.com/platinummonkey/plughub/pkg/storage/postgres"
	"github.com/platinummonkey/plughub/pkg/tags"
)

// Version is reported by the health endpoints
var Version = "dev"

// backend is what the lifecycle service needs from persistence
type backend interface {
	storage.Backend
	marketplace.DownloadIncrementer
}

// App is a fully wired plughub instance
type App struct {
	Config   *config.Config
	Logger   logrus.FieldLogger
	Service  *marketplace.Service
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Health   *observability.HealthChecker

	backend   backend
	artifacts marketplace.ArtifactStore
	conns     *postgres.ConnectionManager
	redis     *redis.Client
}

// New builds every component named by cfg. Close releases what New opened.
func New(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (_ *App, err error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Health:   observability.NewHealthChecker(Version),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = observability.NewMetrics(a.Registry)

	if err := a.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.initArtifacts(ctx); err != nil {
		return nil, err
	}
	if err := a.seedActors(ctx); err != nil {
		return nil, err
	}

	resolver := github.NewResolver(github.Config{
		BaseURL:   cfg.GitHub.BaseURL,
		Token:     cfg.GitHub.Token,
		CacheSize: cfg.GitHub.CacheSize,
		CacheTTL:  cfg.GitHub.CacheTTL,
		Timeout:   cfg.GitHub.Timeout,
	}, logger.WithField("component", "github"))

	opts := []marketplace.Option{
		marketplace.WithLogger(logger.WithField("component", "marketplace")),
		marketplace.WithRecorder(a.Metrics),
		marketplace.WithPaginator(cfg.Marketplace.Paginator()),
		marketplace.WithTransitions(cfg.Marketplace.Transitions()),
	}
	if a.artifacts != nil {
		opts = append(opts, marketplace.WithArtifactStore(a.artifacts))
	}
	a.Service = marketplace.NewService(a.backend, a.backend, tags.NewResolver(), resolver, opts...)

	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	cfg := a.Config.Storage
	switch cfg.Type {
	case config.StorageMemory:
		a.backend = memory.New()
		return nil
	case config.StoragePostgres:
	default:
		return fmt.Errorf("unsupported storage type %q", cfg.Type)
	}

	conns, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.PostgresURL,
		ReplicaURLs: cfg.PostgresReplicaURLs,
		MaxConns:    cfg.PostgresMaxConns,
		MinConns:    cfg.PostgresMinConns,
		Timeout:     cfg.PostgresTimeout,
		MaxLifetime: 30 * time.Minute,
		MaxIdleTime: 5 * time.Minute,
	}, a.Logger.WithField("component", "postgres"))
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	a.conns = conns
	a.Health.AddCheck("database", true, conns.HealthCheck)

	if cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, conns.Primary()); err != nil {
			return err
		}
	}

	store := postgres.NewStore(conns, a.Logger.WithField("component", "postgres"))
	a.backend = store
	if cfg.RedisURL == "" {
		return nil
	}

	client, err := postgres.NewRedisClient(ctx, postgres.RedisConfig{
		URL:        cfg.RedisURL,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		MaxRetries: cfg.RedisMaxRetries,
		PoolSize:   cfg.RedisPoolSize,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.redis = client
	a.Health.AddCheck("redis", false, observability.RedisCheck(client))

	a.backend = postgres.NewCachedStore(store, client, a.Logger.WithField("component", "cache"),
		postgres.WithCacheTTL(cfg.CacheTTL),
		postgres.WithCacheRecorder(a.Metrics),
	)
	return nil
}

func (a *App) initArtifacts(ctx context.Context) error {
	cfg := a.Config.Storage
	switch cfg.ArtifactType {
	case config.ArtifactNone, "":
	case config.ArtifactFilesystem:
		store, err := storage.NewFileSystemArtifactStore(cfg.ArtifactRoot)
		if err != nil {
			return err
		}
		a.artifacts = store
	case config.ArtifactS3:
		store, err := postgres.NewS3ArtifactStore(ctx, postgres.S3Config{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			UsePathStyle: cfg.S3UsePathStyle,
		})
		if err != nil {
			return err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return err
		}
		a.artifacts = store
		a.Health.AddCheck("artifacts", false, store.HealthCheck)
	default:
		return fmt.Errorf("unsupported artifact type %q", cfg.ArtifactType)
	}
	return nil
}

// actorSeeder is implemented by the postgres store
type actorSeeder interface {
	PutActor(ctx context.Context, a marketplace.Actor) error
}

func (a *App) seedActors(ctx context.Context) error {
	if len(a.Config.Actors) == 0 {
		return nil
	}

	var put func(marketplace.Actor) error
	switch b := a.backend.(type) {
	case *memory.Store:
		put = func(actor marketplace.Actor) error { b.PutActor(actor); return nil }
	case actorSeeder:
		put = func(actor marketplace.Actor) error { return b.PutActor(ctx, actor) }
	case *postgres.CachedStore:
		seeder, ok := b.CachedBackend.(actorSeeder)
		if !ok {
			return errors.New("cached backend cannot store actors")
		}
		put = func(actor marketplace.Actor) error { return seeder.PutActor(ctx, actor) }
	default:
		return fmt.Errorf("backend %T cannot store actors", a.backend)
	}

	for _, ac := range a.Config.Actors {
		actor, err := ac.Actor()
		if err != nil {
			return fmt.Errorf("actor %d: %w", ac.ID, err)
		}
		if err := put(actor); err != nil {
			return fmt.Errorf("failed to seed actor %d: %w", ac.ID, err)
		}
	}
	a.Logger.WithField("count", len(a.Config.Actors)).Info("seeded actors")
	return nil
}

// Handler returns the public API handler. ctx bounds background limiter cleanup.
func (a *App) Handler(ctx context.Context) http.Handler {
	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(a.Metrics))

	handlers := marketplace.NewHandlers(a.Service, a.Logger.WithField("component", "http")).
		WithDefaultPerPage(a.Config.Marketplace.DefaultPerPage).
		WithDefaultOrderBy(a.Config.Marketplace.DefaultOrderBy())
	handlers.RegisterRoutes(router, middleware.RequireActor, middleware.RequireAdmin)

	chain := []func(http.Handler) http.Handler{
		middleware.RequestID(a.Logger),
		httputil.RecoveryMiddleware(a.Logger),
		httputil.LoggingMiddleware(a.Logger),
		httputil.MaxBytesMiddleware(a.Config.Server.MaxBodyBytes),
		middleware.NewActorResolver(a.backend, a.Logger).Handler,
	}
	if a.Config.RateLimit.Enabled {
		chain = append(chain, a.rateLimiter(ctx).Handler)
	}

	return otelhttp.NewHandler(httputil.Chain(chain...)(router), "plughub",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "HTTP " + r.Method
		}),
	)
}

func (a *App) rateLimiter(ctx context.Context) *middleware.RateLimitMiddleware {
	cfg := a.Config.RateLimit
	actorCfg := middleware.RateLimitConfig{RequestsPerWindow: cfg.ActorPerMinute, WindowDuration: time.Minute, BurstSize: cfg.ActorBurst}
	anonCfg := middleware.RateLimitConfig{RequestsPerWindow: cfg.AnonymousPerMinute, WindowDuration: time.Minute, BurstSize: cfg.AnonymousBurst}

	logger := a.Logger.WithField("component", "ratelimit")
	var m *middleware.RateLimitMiddleware
	if a.redis != nil {
		m = middleware.NewRateLimitMiddleware(
			middleware.NewDistributedRateLimiter(a.redis, actorCfg, "plughub:ratelimit:actor"),
			middleware.NewDistributedRateLimiter(a.redis, anonCfg, "plughub:ratelimit:anon"),
			logger,
		)
	} else {
		actor := middleware.NewRateLimiter(actorCfg)
		anon := middleware.NewRateLimiter(anonCfg)
		actor.StartCleanup(ctx)
		anon.StartCleanup(ctx)
		m = middleware.NewRateLimitMiddleware(actor, anon, logger)
	}
	m.SetFailOpen(cfg.FailOpen)
	return m
}

// OpsHandler serves health probes and, when enabled, /metrics
func (a *App) OpsHandler() http.Handler {
	serveMux := http.NewServeMux()
	observability.RegisterHealthRoutes(serveMux, a.Health)
	if a.Config.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(serveMux, a.Registry)
	}
	return serveMux
}

// Servers returns the API and ops servers configured from cfg.Server
func (a *App) Servers(ctx context.Context) (api, ops *http.Server) {
	cfg := a.Config.Server
	api = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      a.Handler(ctx),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	ops = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, cfg.HealthPort),
		Handler:           a.OpsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return api, ops
}

// StartReplicaMonitor prunes unhealthy read replicas until ctx is done
func (a *App) StartReplicaMonitor(ctx context.Context, interval time.Duration) {
	if a.conns != nil {
		a.conns.StartHealthCheckRoutine(ctx, interval)
	}
}

// Close releases database and cache connections
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.conns != nil {
		errs = append(errs, a.conns.Close())
	}
	return errors.Join(errs...)
}
