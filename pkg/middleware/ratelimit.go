package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plughub/pkg/httputil"
	"github.com/platinummonkey/plughub/pkg/marketplace"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// AnonymousRateLimitConfig returns limits for requests without an actor
func AnonymousRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Minute,
		BurstSize:         10,
	}
}

// ActorRateLimitConfig returns limits for authenticated actors
func ActorRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 1000,
		WindowDuration:    time.Minute,
		BurstSize:         50,
	}
}

// Limiter decides whether a keyed request may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Config() RateLimitConfig
}

// RateLimiter is an in-process token bucket limiter
type RateLimiter struct {
	config  RateLimitConfig
	now     func() time.Time
	buckets map[string]*bucket
	mu      sync.Mutex
}

type bucket struct {
	tokens     int
	lastUpdate time.Time
}

// NewRateLimiter creates a new in-process rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:  config,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Config implements Limiter
func (rl *RateLimiter) Config() RateLimitConfig {
	return rl.config
}

// Allow implements Limiter
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	maxTokens := rl.config.RequestsPerWindow + rl.config.BurstSize

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: maxTokens, lastUpdate: now}
		rl.buckets[key] = b
	}

	// refill proportionally to elapsed time
	elapsed := now.Sub(b.lastUpdate)
	refill := int(elapsed.Seconds() * float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds())
	if refill > 0 {
		b.tokens += refill
		if b.tokens > maxTokens {
			b.tokens = maxTokens
		}
		b.lastUpdate = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

// Cleanup removes buckets idle for more than two windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanup runs Cleanup once per window until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RateLimitMiddleware limits requests per actor, or per client IP for anonymous requests.
// It must run after ActorResolver.
type RateLimitMiddleware struct {
	actorLimiter     Limiter
	anonymousLimiter Limiter
	logger           logrus.FieldLogger
	failOpen         bool
}

// NewRateLimitMiddleware creates a new rate limit middleware. Limiter errors let
// the request through.
func NewRateLimitMiddleware(actorLimiter, anonymousLimiter Limiter, logger logrus.FieldLogger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		actorLimiter:     actorLimiter,
		anonymousLimiter: anonymousLimiter,
		logger:           logger,
		failOpen:         true,
	}
}

// SetFailOpen controls whether limiter errors allow (true) or reject (false) requests
func (m *RateLimitMiddleware) SetFailOpen(enabled bool) {
	m.failOpen = enabled
}

// FailOpen reports whether limiter errors let requests through
func (m *RateLimitMiddleware) FailOpen() bool {
	return m.failOpen
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			key     string
			limiter Limiter
		)
		if actor, ok := marketplace.RequesterFromContext(r.Context()).Actor(); ok {
			key = fmt.Sprintf("actor:%d", actor.ID)
			limiter = m.actorLimiter
		} else {
			key = "ip:" + clientIP(r)
			limiter = m.anonymousLimiter
		}

		allowed, err := limiter.Allow(r.Context(), key)
		if err != nil {
			m.logger.WithError(err).WithField("key", key).Warn("rate limiter unavailable")
			if !m.failOpen {
				httputil.WriteCodedError(w, http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		cfg := limiter.Config()
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.RequestsPerWindow))
		if !allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", cfg.WindowDuration.Seconds()))
			httputil.WriteCodedError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
