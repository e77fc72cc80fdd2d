// Package interceptors carries the request id, saga id and idempotency key of
// a saga step across gRPC calls to the remote collaborators.
//
// The orchestrator stores the values in the step context with the With*
// helpers; UnaryClientInterceptor copies them into outgoing metadata and
// UnaryServerInterceptor restores them on the collaborator side, where the
// idempotency key lets a retried reservation or charge be recognised.
package interceptors

import (
	"context"

	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/interceptors/constants"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyRequestID, id)
}

func WithSagaID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, constants.ContextKeySagaID, id)
}

func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyIdempotencyKey, key)
}

// RequestIDFromContext returns the request id, or "" when none is set.
func RequestIDFromContext(ctx context.Context) string {
	return valueOrMetadata(ctx, constants.ContextKeyRequestID, constants.HeaderXRequestId)
}

func SagaIDFromContext(ctx context.Context) string {
	return valueOrMetadata(ctx, constants.ContextKeySagaID, constants.HeaderXSagaId)
}

func IdempotencyKeyFromContext(ctx context.Context) string {
	return valueOrMetadata(ctx, constants.ContextKeyIdempotencyKey, constants.HeaderXIdempotencyKey)
}

// valueOrMetadata looks the key up in the context values first, then in the
// incoming metadata.
func valueOrMetadata(ctx context.Context, key any, header string) string {
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(header); len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}
