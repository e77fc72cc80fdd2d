package middlewares

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/interceptors"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/interceptors/constants"
)

// AttachTracingMetadata stores the chi request id and the client's
// idempotency key in the request context, where the saga and the gRPC
// client interceptor pick them up.
func AttachTracingMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = interceptors.WithRequestID(ctx, id)
			w.Header().Set(constants.HeaderXRequestId, id)
		}
		if key := r.Header.Get(constants.HeaderXIdempotencyKey); key != "" {
			ctx = interceptors.WithIdempotencyKey(ctx, key)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
