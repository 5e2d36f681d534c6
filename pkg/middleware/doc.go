// Package middleware provides HTTP middleware for request ids, actor resolution,
// access gates and rate limiting.
//
// # Overview
//
// plughub does not authenticate credentials. An upstream gateway authenticates the
// caller and forwards the actor id in the X-Actor-ID header; ActorResolver loads
// that actor and stores a marketplace.Requester on the request context.
//
// # Ordering
//
// Outer to inner:
//
//	router.Use(middleware.RequestID(logger))
//	router.Use(resolver.Handler)     // sets the requester
//	router.Use(rateLimiter.Handler)  // keys by actor, needs the requester
//
// RequireActor (401 for anonymous requests) and RequireAdmin (403 for
// non-administrators) are applied per route group by marketplace.Handlers.
//
// # Rate Limiting
//
// Anonymous: 100 req/min, 10 burst, keyed by client IP
// Actor: 1000 req/min, 50 burst, keyed by actor id
//
// RateLimiter keeps buckets in process; DistributedRateLimiter shares a fixed
// window across instances through Redis.
package middleware
