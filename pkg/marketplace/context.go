package marketplace

import (
	"context"

	"github.com/platinummonkey/plughub/pkg/contextkeys"
)

// ContextWithRequester stores the requester on the context
func ContextWithRequester(ctx context.Context, r Requester) context.Context {
	return context.WithValue(ctx, contextkeys.RequesterKey, r)
}

// RequesterFromContext returns the requester on the context, or an anonymous one
func RequesterFromContext(ctx context.Context) Requester {
	if r, ok := ctx.Value(contextkeys.RequesterKey).(Requester); ok {
		return r
	}
	return Anonymous()
}
