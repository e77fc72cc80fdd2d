package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/api/middlewares"
)

// NewRouter mounts the routes. metrics may be nil.
func NewRouter(handler *Handler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachTracingMetadata)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handler.Health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Post("/orders", handler.CreateOrder)
	r.Get("/orders/{id}", handler.GetOrderByID)

	r.Get("/sagas/{id}", handler.GetSaga)
	r.Post("/sagas/{id}/compensate", handler.CompensateSaga)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/readmodel/orders/{id}/sync", handler.SyncOrder)
		r.Post("/readmodel/sync-all", handler.SyncAll)
		r.Get("/readmodel/consistency", handler.CheckConsistency)
		r.Post("/readmodel/repair", handler.Repair)
		r.Get("/outbox/stats", handler.OutboxStats)
	})
	return r
}
