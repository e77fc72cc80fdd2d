// Package api is the thin HTTP surface over the fulfillment core: placing
// orders, reading order views and saga status, and the operator endpoints
// of the read-model repair tools and the outbox.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/checkout"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/coordinator"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/coordinator/sagalog"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/events"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/outbox"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/interceptors"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/readmodel"
)

type Sagas interface {
	StartSaga(ctx context.Context, def *coordinator.Definition, initial map[string]any) (string, error)
	GetSagaStatus(ctx context.Context, sagaID string) (*sagalog.SagaInstance, error)
	ListSteps(ctx context.Context, sagaID string) ([]sagalog.StepExecution, error)
	Compensate(ctx context.Context, sagaID string) error
}

type OrderViews interface {
	Get(ctx context.Context, orderID string) (*readmodel.OrderView, error)
}

type Repairer interface {
	SyncOrderReadModel(ctx context.Context, orderID string) error
	SyncAllOrders(ctx context.Context) (int, error)
	CheckDataConsistency(ctx context.Context) ([]readmodel.Inconsistency, error)
	RepairInconsistentData(ctx context.Context) (readmodel.RepairReport, error)
}

type OutboxStats interface {
	Stats(ctx context.Context) (map[outbox.Status]int, error)
}

// Handler serves the HTTP routes. Every dependency is required.
type Handler struct {
	sagas     Sagas
	orderSaga *coordinator.Definition
	views     OrderViews
	repair    Repairer
	outbox    OutboxStats
	logger    *slog.Logger
}

func NewHandler(
	sagas Sagas,
	orderSaga *coordinator.Definition,
	views OrderViews,
	repair Repairer,
	ob OutboxStats,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		sagas:     sagas,
		orderSaga: orderSaga,
		views:     views,
		repair:    repair,
		outbox:    ob,
		logger:    telemetry.OrDefault(logger),
	}
}

// CreateOrder starts an order saga and answers before any step runs.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.UserID == "" || len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and items are required")
		return
	}

	items := make([]events.Item, 0, len(req.Items))
	for _, it := range req.Items {
		if it.ProductID == "" || it.Quantity <= 0 || it.Price <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_item", "product_id, quantity, and price must be valid")
			return
		}
		items = append(items, events.Item{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.Price,
		})
	}

	orderID, initial, err := checkout.Request{UserID: req.UserID, Items: items, Channel: req.Channel}.Input()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx := r.Context()
	h.logger.InfoContext(ctx, "placing order",
		"request_id", interceptors.RequestIDFromContext(ctx),
		"user_id", req.UserID,
		"order_id", orderID,
	)

	sagaID, err := h.sagas.StartSaga(ctx, h.orderSaga, initial)
	if errors.Is(err, coordinator.ErrPoolFull) {
		writeError(w, http.StatusServiceUnavailable, "busy", "too many orders in flight, retry later")
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "order saga not started", "order_id", orderID, "error", err)
		writeError(w, http.StatusInternalServerError, "saga_not_started", "")
		return
	}

	writeJSON(w, http.StatusAccepted, CreateOrderResponse{
		SagaID:  sagaID,
		OrderID: orderID,
		Outcome: string(coordinator.OutcomeInProgress),
	})
}

// GetOrderByID reads the order view.
func (h *Handler) GetOrderByID(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	view, err := h.views.Get(r.Context(), orderID)
	if errors.Is(err, readmodel.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order_not_found", "")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OrderResponse{
		ID:           view.OrderID,
		UserID:       view.UserID,
		Status:       view.Status,
		StatusText:   view.StatusText,
		Total:        view.TotalAmount,
		ItemCount:    view.ItemCount,
		ProductNames: view.ProductNames,
		PaymentID:    view.PaymentID,
		CreatedAt:    view.CreatedAt,
		UpdatedAt:    view.UpdatedAt,
	})
}

// GetSaga reports status, caller-facing outcome and the step audit trail.
func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sagaID := chi.URLParam(r, "id")

	saga, err := h.sagas.GetSagaStatus(ctx, sagaID)
	if errors.Is(err, coordinator.ErrNotFound) {
		writeError(w, http.StatusNotFound, "saga_not_found", "")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	steps, err := h.sagas.ListSteps(ctx, sagaID)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSagaToResponse(saga, steps))
}

// CompensateSaga forces compensation of a RUNNING saga. Finished sagas are
// left as they are.
func (h *Handler) CompensateSaga(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sagaID := chi.URLParam(r, "id")

	err := h.sagas.Compensate(ctx, sagaID)
	if errors.Is(err, coordinator.ErrNotFound) {
		writeError(w, http.StatusNotFound, "saga_not_found", "")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	h.logger.InfoContext(ctx, "manual compensation requested", "saga_id", sagaID)

	saga, err := h.sagas.GetSagaStatus(ctx, sagaID)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, mapSagaToResponse(saga, nil))
}

func (h *Handler) SyncOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	err := h.repair.SyncOrderReadModel(r.Context(), orderID)
	if errors.Is(err, readmodel.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order_not_found", "")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SyncAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.repair.SyncAllOrders(r.Context())
	resp := SyncAllResponse{Synced: n}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

func (h *Handler) CheckConsistency(w http.ResponseWriter, r *http.Request) {
	issues, err := h.repair.CheckDataConsistency(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if issues == nil {
		issues = []readmodel.Inconsistency{}
	}
	writeJSON(w, http.StatusOK, issues)
}

func (h *Handler) Repair(w http.ResponseWriter, r *http.Request) {
	report, err := h.repair.RepairInconsistentData(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) OutboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.outbox.Stats(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "")
}

func mapSagaToResponse(saga *sagalog.SagaInstance, steps []sagalog.StepExecution) SagaResponse {
	outcome := coordinator.OutcomeOf(saga.Status)
	resp := SagaResponse{
		ID:          saga.SagaID,
		Type:        saga.SagaType,
		Status:      string(saga.Status),
		Outcome:     string(outcome),
		Message:     outcome.Message(),
		CurrentStep: saga.CurrentStep,
		StartedAt:   saga.StartedAt,
		CompletedAt: optionalTime(saga.CompletedAt),
		TimeoutAt:   saga.TimeoutAt,
		Steps:       make([]StepResponse, len(steps)),
	}
	for i, s := range steps {
		resp.Steps[i] = StepResponse{
			Name:        s.StepName,
			Order:       s.StepOrder,
			Status:      string(s.Status),
			StartedAt:   s.StartedAt,
			CompletedAt: optionalTime(s.CompletedAt),
		}
	}
	return resp
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
