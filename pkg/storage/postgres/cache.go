package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plughub/pkg/marketplace"
)

// DefaultCacheTTL bounds how long a cached extension may be served
const DefaultCacheTTL = 5 * time.Minute

// CachedBackend is what the cache wraps
type CachedBackend interface {
	marketplace.ExtensionStore
	marketplace.ActorStore
	marketplace.DownloadIncrementer
}

// CacheRecorder observes cache lookups
type CacheRecorder interface {
	RecordCacheHit(cache string)
	RecordCacheMiss(cache string)
}

type noopCacheRecorder struct{}

func (noopCacheRecorder) RecordCacheHit(string)  {}
func (noopCacheRecorder) RecordCacheMiss(string) {}

// CachedStore serves Get from Redis and falls through to the backend on a miss.
// Every write invalidates the key and bumps its generation, so a miss that raced
// a write never caches the value it read. Redis failures degrade to the backend.
type CachedStore struct {
	CachedBackend
	redis    *redis.Client
	ttl      time.Duration
	logger   logrus.FieldLogger
	recorder CacheRecorder
}

// CacheOption configures a CachedStore
type CacheOption func(*CachedStore)

// WithCacheTTL overrides DefaultCacheTTL
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *CachedStore) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheRecorder reports hits and misses
func WithCacheRecorder(r CacheRecorder) CacheOption {
	return func(c *CachedStore) { c.recorder = r }
}

// NewCachedStore wraps backend with a Redis read-through cache
func NewCachedStore(backend CachedBackend, client *redis.Client, logger logrus.FieldLogger, opts ...CacheOption) *CachedStore {
	c := &CachedStore{
		CachedBackend: backend,
		redis:         client,
		ttl:           DefaultCacheTTL,
		logger:        logger,
		recorder:      noopCacheRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func extensionKey(id int64) string {
	return fmt.Sprintf("extension:%d", id)
}

// generationKey counts invalidations of an extension. A fill only lands if the
// generation it read before loading the backend is still current.
func generationKey(id int64) string {
	return fmt.Sprintf("extension:%d:gen", id)
}

var errStaleFill = errors.New("extension changed while loading")

// Get implements marketplace.ExtensionStore
func (c *CachedStore) Get(ctx context.Context, id int64) (marketplace.Extension, bool, error) {
	key := extensionKey(id)

	data, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var ext marketplace.Extension
		if err := json.Unmarshal(data, &ext); err == nil {
			c.recorder.RecordCacheHit("extension")
			return ext, true, nil
		}
		c.redis.Del(ctx, key)
	case !errors.Is(err, redis.Nil):
		c.logger.WithError(err).WithField("key", key).Warn("cache read failed")
	}
	c.recorder.RecordCacheMiss("extension")

	gen, genErr := c.redis.Get(ctx, generationKey(id)).Result()
	if errors.Is(genErr, redis.Nil) {
		genErr = nil
	}

	ext, found, err := c.CachedBackend.Get(ctx, id)
	if err != nil || !found {
		return ext, found, err
	}
	if genErr == nil {
		c.fill(ctx, id, gen, ext)
	}
	return ext, true, nil
}

// fill caches ext unless an invalidation ran since gen was read
func (c *CachedStore) fill(ctx context.Context, id int64, gen string, ext marketplace.Extension) {
	data, err := json.Marshal(ext)
	if err != nil {
		return
	}
	key, genKey := extensionKey(id), generationKey(id)

	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			return nil
		})
		return err
	}, genKey)

	switch {
	case err == nil:
	case errors.Is(err, errStaleFill), errors.Is(err, redis.TxFailedErr):
		c.logger.WithField("key", key).Debug("skipped stale cache fill")
	default:
		c.logger.WithError(err).WithField("key", key).Warn("cache write failed")
	}
}

// Save implements marketplace.ExtensionStore
func (c *CachedStore) Save(ctx context.Context, ext marketplace.Extension) (marketplace.Extension, error) {
	saved, err := c.CachedBackend.Save(ctx, ext)
	if err != nil {
		return saved, err
	}
	c.invalidate(ctx, saved.ID)
	return saved, nil
}

// Delete implements marketplace.ExtensionStore
func (c *CachedStore) Delete(ctx context.Context, ext marketplace.Extension) error {
	if err := c.CachedBackend.Delete(ctx, ext); err != nil {
		return err
	}
	c.invalidate(ctx, ext.ID)
	return nil
}

// IncrementDownloads implements marketplace.DownloadIncrementer
func (c *CachedStore) IncrementDownloads(ctx context.Context, id int64) (marketplace.Extension, error) {
	ext, err := c.CachedBackend.IncrementDownloads(ctx, id)
	if err != nil {
		return ext, err
	}
	c.invalidate(ctx, id)
	return ext, nil
}

// HealthCheck pings Redis and the backend when it supports health checks
func (c *CachedStore) HealthCheck(ctx context.Context) error {
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unhealthy: %w", err)
	}
	if hc, ok := c.CachedBackend.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func (c *CachedStore) invalidate(ctx context.Context, id int64) {
	genKey := generationKey(id)
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, c.ttl)
		pipe.Del(ctx, extensionKey(id))
		return nil
	})
	if err != nil {
		c.logger.WithError(err).WithField("extension_id", id).Warn("cache invalidation failed")
	}
}
