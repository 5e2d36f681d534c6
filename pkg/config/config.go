package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/plughub/pkg/marketplace"
)

// Storage backends
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Artifact backends
const (
	ArtifactNone       = "none"
	ArtifactFilesystem = "filesystem"
	ArtifactS3         = "s3"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	GitHub        GitHubConfig
	Marketplace   MarketplaceConfig
	RateLimit     RateLimitConfig
	Refresher     RefresherConfig
	Observability ObservabilityConfig

	// Actors are seeded into the store at startup. Only settable from the YAML file.
	Actors []ActorConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// StorageConfig selects and configures the persistence backends
type StorageConfig struct {
	Type string

	PostgresURL         string
	PostgresReplicaURLs []string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	AutoMigrate         bool

	// Redis caching in front of postgres; empty disables the cache
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisPoolSize   int
	RedisMaxRetries int
	CacheTTL        time.Duration

	ArtifactType   string
	ArtifactRoot   string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// GitHubConfig configures the repository metadata resolver
type GitHubConfig struct {
	BaseURL   string
	Token     string
	CacheSize int
	CacheTTL  time.Duration
	Timeout   time.Duration
}

// MarketplaceConfig is the listing and moderation policy
type MarketplaceConfig struct {
	SortKeys        []string                       `yaml:"sort_keys"`
	DefaultSortKey  string                         `yaml:"default_sort_key"`
	DefaultPerPage  int                            `yaml:"default_per_page"`
	MaxPerPage      int                            `yaml:"max_per_page"`
	PublishCommands marketplace.TransitionCommands `yaml:"publish_commands"`
	FeatureCommands marketplace.TransitionCommands `yaml:"feature_commands"`
}

// RateLimitConfig configures per-client request limits
type RateLimitConfig struct {
	Enabled            bool
	AnonymousPerMinute int
	AnonymousBurst     int
	ActorPerMinute     int
	ActorBurst         int
	// FailOpen lets requests through when a limiter backend errors
	FailOpen bool
}

// RefresherConfig configures the metadata refresh job
type RefresherConfig struct {
	Schedule string `yaml:"schedule"`
	Timeout  time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// ActorConfig describes a seeded actor
type ActorConfig struct {
	ID       int64  `yaml:"id"`
	Username string `yaml:"username"`
	Role     string `yaml:"role"`
	Active   *bool  `yaml:"active"`
}

// fileOverlay is the subset of configuration read from PLUGHUB_CONFIG_FILE
type fileOverlay struct {
	Marketplace *MarketplaceConfig `yaml:"marketplace"`
	Refresher   *RefresherConfig   `yaml:"refresher"`
	Actors      []ActorConfig      `yaml:"actors"`
}

// LoadConfig loads configuration from environment variables and the optional
// YAML file named by PLUGHUB_CONFIG_FILE
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		GitHub:        loadGitHubConfig(),
		Marketplace:   DefaultMarketplaceConfig(),
		RateLimit:     loadRateLimitConfig(),
		Refresher:     loadRefresherConfig(),
		Observability: loadObservabilityConfig(),
	}
	cfg.Marketplace.DefaultPerPage = getEnvInt("PLUGHUB_DEFAULT_PER_PAGE", cfg.Marketplace.DefaultPerPage)
	cfg.Marketplace.MaxPerPage = getEnvInt("PLUGHUB_MAX_PER_PAGE", cfg.Marketplace.MaxPerPage)

	if path := getEnv("PLUGHUB_CONFIG_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.ApplyYAML(data); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyYAML overlays the marketplace policy, refresher schedule and seeded actors.
// Fields absent from the document keep their current values.
func (c *Config) ApplyYAML(data []byte) error {
	overlay := fileOverlay{
		Marketplace: &c.Marketplace,
		Refresher:   &c.Refresher,
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	c.Actors = append(c.Actors, overlay.Actors...)
	return nil
}

// DefaultMarketplaceConfig returns the stock listing policy
func DefaultMarketplaceConfig() MarketplaceConfig {
	keys := make([]string, len(marketplace.SupportedSortKeys))
	for i, k := range marketplace.SupportedSortKeys {
		keys[i] = string(k)
	}
	return MarketplaceConfig{
		SortKeys:        keys,
		DefaultPerPage:  marketplace.DefaultPerPage,
		MaxPerPage:      100,
		PublishCommands: marketplace.DefaultPublishCommands,
		FeatureCommands: marketplace.DefaultFeatureCommands,
	}
}

// Paginator builds the listing validator from the policy
func (m MarketplaceConfig) Paginator() marketplace.Paginator {
	keys := make([]marketplace.SortKey, len(m.SortKeys))
	for i, k := range m.SortKeys {
		keys[i] = marketplace.SortKey(k)
	}
	return marketplace.NewPaginator(keys, m.MaxPerPage)
}

// DefaultOrderBy is the sort key used when a listing names none: the configured
// default, else "date" when allowed, else the first allowed key.
func (m MarketplaceConfig) DefaultOrderBy() string {
	if m.DefaultSortKey != "" {
		return m.DefaultSortKey
	}
	for _, k := range m.SortKeys {
		if k == marketplace.DefaultOrderBy {
			return k
		}
	}
	if len(m.SortKeys) > 0 {
		return m.SortKeys[0]
	}
	return marketplace.DefaultOrderBy
}

// Transitions builds the publish and feature command sets
func (m MarketplaceConfig) Transitions() marketplace.Transitions {
	return marketplace.Transitions{Publish: m.PublishCommands, Feature: m.FeatureCommands}
}

// Actor converts the seed entry. Active defaults to true.
func (a ActorConfig) Actor() (marketplace.Actor, error) {
	role, err := marketplace.ParseRole(a.Role)
	if err != nil {
		return marketplace.Actor{}, err
	}
	active := true
	if a.Active != nil {
		active = *a.Active
	}
	return marketplace.Actor{ID: a.ID, Username: a.Username, Role: role, Active: active}, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PLUGHUB_HOST", "0.0.0.0"),
		Port:            getEnv("PLUGHUB_PORT", "8080"),
		ReadTimeout:     getEnvDuration("PLUGHUB_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PLUGHUB_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("PLUGHUB_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PLUGHUB_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("PLUGHUB_MAX_BODY_BYTES", 32<<20),
		HealthPort:      getEnv("PLUGHUB_HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Type: getEnv("PLUGHUB_STORAGE_TYPE", StorageMemory),

		PostgresURL:         getEnv("PLUGHUB_POSTGRES_URL", ""),
		PostgresReplicaURLs: splitList(getEnv("PLUGHUB_POSTGRES_REPLICA_URLS", "")),
		PostgresMaxConns:    getEnvInt("PLUGHUB_POSTGRES_MAX_CONNS", 20),
		PostgresMinConns:    getEnvInt("PLUGHUB_POSTGRES_MIN_CONNS", 5),
		PostgresTimeout:     getEnvDuration("PLUGHUB_POSTGRES_TIMEOUT", 10*time.Second),
		AutoMigrate:         getEnvBool("PLUGHUB_POSTGRES_AUTO_MIGRATE", true),

		RedisURL:        getEnv("PLUGHUB_REDIS_URL", ""),
		RedisPassword:   getEnv("PLUGHUB_REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("PLUGHUB_REDIS_DB", 0),
		RedisPoolSize:   getEnvInt("PLUGHUB_REDIS_POOL_SIZE", 10),
		RedisMaxRetries: getEnvInt("PLUGHUB_REDIS_MAX_RETRIES", 3),
		CacheTTL:        getEnvDuration("PLUGHUB_CACHE_TTL", 5*time.Minute),

		ArtifactType:   getEnv("PLUGHUB_ARTIFACT_TYPE", ArtifactNone),
		ArtifactRoot:   getEnv("PLUGHUB_ARTIFACT_ROOT", ""),
		S3Bucket:       getEnv("PLUGHUB_S3_BUCKET", ""),
		S3Region:       getEnv("PLUGHUB_S3_REGION", "us-east-1"),
		S3Endpoint:     getEnv("PLUGHUB_S3_ENDPOINT", ""),
		S3AccessKey:    getEnv("PLUGHUB_S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("PLUGHUB_S3_SECRET_KEY", ""),
		S3UsePathStyle: getEnvBool("PLUGHUB_S3_USE_PATH_STYLE", false),
	}
}

func loadGitHubConfig() GitHubConfig {
	return GitHubConfig{
		BaseURL:   getEnv("PLUGHUB_GITHUB_API_URL", "https://api.github.com"),
		Token:     getEnv("PLUGHUB_GITHUB_TOKEN", ""),
		CacheSize: getEnvInt("PLUGHUB_GITHUB_CACHE_SIZE", 512),
		CacheTTL:  getEnvDuration("PLUGHUB_GITHUB_CACHE_TTL", 10*time.Minute),
		Timeout:   getEnvDuration("PLUGHUB_GITHUB_TIMEOUT", 10*time.Second),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:            getEnvBool("PLUGHUB_RATE_LIMIT_ENABLED", true),
		AnonymousPerMinute: getEnvInt("PLUGHUB_RATE_LIMIT_ANONYMOUS", 100),
		AnonymousBurst:     getEnvInt("PLUGHUB_RATE_LIMIT_ANONYMOUS_BURST", 10),
		ActorPerMinute:     getEnvInt("PLUGHUB_RATE_LIMIT_ACTOR", 1000),
		ActorBurst:         getEnvInt("PLUGHUB_RATE_LIMIT_ACTOR_BURST", 50),
		FailOpen:           getEnvBool("PLUGHUB_RATE_LIMIT_FAIL_OPEN", true),
	}
}

func loadRefresherConfig() RefresherConfig {
	return RefresherConfig{
		Schedule: getEnv("PLUGHUB_REFRESH_SCHEDULE", "@every 6h"),
		Timeout:  getEnvDuration("PLUGHUB_REFRESH_TIMEOUT", 30*time.Minute),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           getEnv("PLUGHUB_LOG_LEVEL", "info"),
		LogFormat:          getEnv("PLUGHUB_LOG_FORMAT", "json"),
		MetricsEnabled:     getEnvBool("PLUGHUB_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PLUGHUB_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PLUGHUB_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PLUGHUB_OTEL_SERVICE_NAME", "plughub"),
		OTelServiceVersion: getEnv("PLUGHUB_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("PLUGHUB_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Storage.Type {
	case StorageMemory:
		if c.Storage.RedisURL != "" {
			return fmt.Errorf("redis cache requires postgres storage")
		}
	case StoragePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be %s or %s)", c.Storage.Type, StorageMemory, StoragePostgres)
	}

	switch c.Storage.ArtifactType {
	case ArtifactNone:
	case ArtifactFilesystem:
		if c.Storage.ArtifactRoot == "" {
			return fmt.Errorf("artifact root is required for filesystem artifacts")
		}
	case ArtifactS3:
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 artifacts")
		}
	default:
		return fmt.Errorf("invalid artifact type: %s (must be %s, %s or %s)", c.Storage.ArtifactType, ArtifactNone, ArtifactFilesystem, ArtifactS3)
	}

	if err := c.Marketplace.Validate(); err != nil {
		return fmt.Errorf("marketplace: %w", err)
	}

	if _, err := cron.ParseStandard(c.Refresher.Schedule); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", c.Refresher.Schedule, err)
	}

	if c.RateLimit.Enabled && (c.RateLimit.AnonymousPerMinute <= 0 || c.RateLimit.ActorPerMinute <= 0) {
		return fmt.Errorf("rate limits must be positive when rate limiting is enabled")
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if f := c.Observability.LogFormat; f != "json" && f != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", f)
	}
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	for _, a := range c.Actors {
		if _, err := a.Actor(); err != nil {
			return fmt.Errorf("actor %d: %w", a.ID, err)
		}
		if a.ID <= 0 {
			return fmt.Errorf("actor %q: id must be positive", a.Username)
		}
	}

	return nil
}

// Validate checks the listing policy
func (m MarketplaceConfig) Validate() error {
	if len(m.SortKeys) == 0 {
		return fmt.Errorf("at least one sort key is required")
	}
	for _, k := range m.SortKeys {
		if !marketplace.IsSupportedSortKey(marketplace.SortKey(k)) {
			return fmt.Errorf("sort key %q is not supported by the stores", k)
		}
	}
	if m.DefaultSortKey != "" && !slices.Contains(m.SortKeys, m.DefaultSortKey) {
		return fmt.Errorf("default sort key %q is not an allowed sort key", m.DefaultSortKey)
	}
	if m.DefaultPerPage <= 0 {
		return fmt.Errorf("default page size must be positive")
	}
	if m.MaxPerPage > 0 && m.DefaultPerPage > m.MaxPerPage {
		return fmt.Errorf("default page size %d exceeds maximum %d", m.DefaultPerPage, m.MaxPerPage)
	}
	if err := m.PublishCommands.Validate(); err != nil {
		return fmt.Errorf("publish commands: %w", err)
	}
	if err := m.FeatureCommands.Validate(); err != nil {
		return fmt.Errorf("feature commands: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
