package interceptors

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// TraceServerInterceptor tags the server span opened by otelgrpc with the
// saga id and idempotency key, so a collaborator's trace can be found from
// the saga step row. It must run after UnaryServerInterceptor.
func TraceServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		span := trace.SpanFromContext(ctx)
		if span.IsRecording() {
			span.SetAttributes(
				attribute.String("saga.id", SagaIDFromContext(ctx)),
				attribute.String("request.id", RequestIDFromContext(ctx)),
				attribute.String("idempotency.key", IdempotencyKeyFromContext(ctx)),
			)
		}
		return handler(ctx, req)
	}
}
