package shared

import (
	"context"

	"github.com/google/uuid"
)

type correlationContextKey struct{}

// ContextWithCorrelationID stores the correlation id in context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationContextKey{}, id)
}

// CorrelationIDFromContext extracts the correlation id, minting one when absent.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationContextKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}
