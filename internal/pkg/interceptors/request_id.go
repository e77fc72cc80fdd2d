package interceptors

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/interceptors/constants"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

// UnaryServerInterceptor restores request id, saga id and idempotency key
// from incoming metadata into the handler context. A missing request id is
// generated so every call can be correlated in the logs.
func UnaryServerInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	logger = telemetry.OrDefault(logger)
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		requestID := RequestIDFromContext(ctx)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		sagaID := SagaIDFromContext(ctx)
		idempotencyKey := IdempotencyKeyFromContext(ctx)

		ctx = WithRequestID(ctx, requestID)
		ctx = WithSagaID(ctx, sagaID)
		ctx = WithIdempotencyKey(ctx, idempotencyKey)

		logger.DebugContext(ctx, "grpc call",
			"method", info.FullMethod,
			"request_id", requestID,
			"saga_id", sagaID,
			"idempotency_key", idempotencyKey,
		)

		return handler(ctx, req)
	}
}

// UnaryClientInterceptor copies the context values set with the With*
// helpers into outgoing metadata.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		return invoker(ContextWithPropagatedIDs(ctx), method, req, reply, cc, opts...)
	}
}

// ContextWithPropagatedIDs appends the known ids to the outgoing metadata.
func ContextWithPropagatedIDs(ctx context.Context) context.Context {
	var kv []string
	if id := RequestIDFromContext(ctx); id != "" {
		kv = append(kv, constants.HeaderXRequestId, id)
	}
	if id := SagaIDFromContext(ctx); id != "" {
		kv = append(kv, constants.HeaderXSagaId, id)
	}
	if key := IdempotencyKeyFromContext(ctx); key != "" {
		kv = append(kv, constants.HeaderXIdempotencyKey, key)
	}
	if len(kv) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}
