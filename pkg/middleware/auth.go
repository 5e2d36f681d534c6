package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plughub/pkg/contextkeys"
	"github.com/platinummonkey/plughub/pkg/httputil"
	"github.com/platinummonkey/plughub/pkg/marketplace"
	"github.com/platinummonkey/plughub/pkg/observability"
)

const (
	// ActorHeader carries the id of the actor authenticated by the upstream gateway
	ActorHeader = "X-Actor-ID"
	// RequestIDHeader carries the request id in and out
	RequestIDHeader = "X-Request-ID"
)

// RequestID assigns every request an id, echoes it in the response and stores a
// request-scoped logger on the context. The logger carries the trace and span
// ids when the request is traced.
func RequestID(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			ctx := contextkeys.WithRequestID(r.Context(), requestID)
			reqLogger := observability.WithTraceContext(ctx, logger.WithField("request_id", requestID))
			ctx = context.WithValue(ctx, contextkeys.LoggerKey, reqLogger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorResolver turns the upstream-authenticated actor id into a requester on the
// request context. Requests without the header proceed anonymously.
type ActorResolver struct {
	actors marketplace.ActorStore
	logger logrus.FieldLogger
}

// NewActorResolver creates a new actor resolver
func NewActorResolver(actors marketplace.ActorStore, logger logrus.FieldLogger) *ActorResolver {
	return &ActorResolver{actors: actors, logger: logger}
}

// Handler wraps an HTTP handler with actor resolution
func (m *ActorResolver) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(ActorHeader)
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		id, err := strconv.ParseInt(header, 10, 64)
		if err != nil || id <= 0 {
			httputil.WriteUnauthorized(w, "invalid actor id")
			return
		}

		actor, ok, err := m.actors.GetActor(r.Context(), id)
		if err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"actor_id":   id,
				"request_id": contextkeys.GetRequestID(r.Context()),
			}).Error("failed to load actor")
			httputil.WriteCodedError(w, http.StatusInternalServerError, "internal", "failed to resolve actor")
			return
		}
		if !ok {
			httputil.WriteUnauthorized(w, "unknown actor")
			return
		}

		ctx := marketplace.ContextWithRequester(r.Context(), marketplace.AsActor(actor))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireActor rejects anonymous requests with 401
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := marketplace.RequesterFromContext(r.Context()).Actor(); !ok {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects requests from non-administrators with 403
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := marketplace.RequesterFromContext(r.Context())
		if _, ok := req.Actor(); !ok {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		if !req.IsAdmin() {
			httputil.WriteForbidden(w, "administrator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
