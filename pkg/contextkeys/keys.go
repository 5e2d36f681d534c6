// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here so that
// middleware and handlers agree on them.
//
//	ctx = context.WithValue(ctx, contextkeys.RequesterKey, requester)
//	requester, _ := ctx.Value(contextkeys.RequesterKey).(marketplace.Requester)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequesterKey contains marketplace.Requester
	// Set by: middleware.ActorResolver
	// Used by: marketplace handlers, RequireActor, RequireAdmin
	RequesterKey Key = "requester"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: middleware.RequestID
	// Used by: loggers, error responses
	RequestIDKey Key = "request_id"

	// LoggerKey contains a logrus.FieldLogger scoped to the request
	// Set by: middleware.RequestID
	// Used by: handlers that log with request context
	LoggerKey Key = "logger"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
