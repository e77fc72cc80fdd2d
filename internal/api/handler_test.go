package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/checkout"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/coordinator"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/coordinator/sagalog"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/outbox"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/interceptors"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/readmodel"
)

type fakeSagas struct {
	startErr    error
	started     map[string]any
	idempotency string
	sagas       map[string]*sagalog.SagaInstance
	compensated []string
}

func (f *fakeSagas) StartSaga(ctx context.Context, _ *coordinator.Definition, initial map[string]any) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = initial
	f.idempotency = interceptors.IdempotencyKeyFromContext(ctx)
	return "saga-1", nil
}

func (f *fakeSagas) GetSagaStatus(_ context.Context, id string) (*sagalog.SagaInstance, error) {
	s, ok := f.sagas[id]
	if !ok {
		return nil, coordinator.ErrNotFound
	}
	return s, nil
}

func (f *fakeSagas) ListSteps(context.Context, string) ([]sagalog.StepExecution, error) {
	return []sagalog.StepExecution{
		{StepName: "CreateOrder", StepOrder: 0, Status: sagalog.StepCompensated, StartedAt: time.Now()},
		{StepName: "ReserveInventory", StepOrder: 1, Status: sagalog.StepFailed, ErrorMessage: "insufficient stock", TraceID: "4bf92f3577b34da6a3ce929d0e0e4736"},
	}, nil
}

func (f *fakeSagas) Compensate(_ context.Context, id string) error {
	if _, ok := f.sagas[id]; !ok {
		return coordinator.ErrNotFound
	}
	f.compensated = append(f.compensated, id)
	return nil
}

type fakeViews map[string]*readmodel.OrderView

func (f fakeViews) Get(_ context.Context, id string) (*readmodel.OrderView, error) {
	v, ok := f[id]
	if !ok {
		return nil, readmodel.ErrNotFound
	}
	return v, nil
}

type fakeRepair struct{ syncAllErr error }

func (fakeRepair) SyncOrderReadModel(_ context.Context, id string) error {
	if id == "missing" {
		return readmodel.ErrNotFound
	}
	return nil
}

func (f fakeRepair) SyncAllOrders(context.Context) (int, error) { return 3, f.syncAllErr }

func (fakeRepair) CheckDataConsistency(context.Context) ([]readmodel.Inconsistency, error) {
	return nil, nil
}

func (fakeRepair) RepairInconsistentData(context.Context) (readmodel.RepairReport, error) {
	return readmodel.RepairReport{Found: 2, Repaired: 1, Deleted: 1}, nil
}

type fakeOutbox struct{}

func (fakeOutbox) Stats(context.Context) (map[outbox.Status]int, error) {
	return map[outbox.Status]int{outbox.StatusPending: 1, outbox.StatusSent: 4, outbox.StatusFailed: 0}, nil
}

func newServer(t *testing.T, sagas *fakeSagas, repair fakeRepair) *httptest.Server {
	t.Helper()
	views := fakeViews{"order-1": {OrderID: "order-1", Status: "PAID", StatusText: "Paid", ItemCount: 2}}
	h := NewHandler(sagas, &coordinator.Definition{Type: checkout.SagaType}, views, repair, fakeOutbox{}, nil)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	srv := httptest.NewServer(NewRouter(h, metrics))
	t.Cleanup(srv.Close)
	return srv
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestCreateOrderStartsSaga(t *testing.T) {
	sagas := &fakeSagas{}
	srv := newServer(t, sagas, fakeRepair{})

	body := `{"user_id":"user-1","items":[{"product_id":"prod_1","product_name":"Keyboard","quantity":2,"price":25}]}`
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/orders", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Idempotency-Key", "client-key-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	var out CreateOrderResponse
	decodeBody(t, resp, &out)
	assert.Equal(t, "saga-1", out.SagaID)
	assert.Equal(t, "in_progress", out.Outcome)
	assert.Equal(t, out.OrderID, sagas.started[checkout.KeyOrderID])
	assert.Equal(t, "user-1", sagas.started[checkout.KeyUserID])
	assert.Equal(t, "client-key-1", sagas.idempotency)
}

func TestCreateOrderValidation(t *testing.T) {
	srv := newServer(t, &fakeSagas{}, fakeRepair{})

	tests := map[string]string{
		"invalid_json":    `{`,
		"invalid_request": `{"user_id":"user-1","items":[]}`,
		"invalid_item":    `{"user_id":"user-1","items":[{"product_id":"prod_1","quantity":0,"price":1}]}`,
	}
	for code, body := range tests {
		t.Run(code, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/orders", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var out ErrorResponse
			decodeBody(t, resp, &out)
			assert.Equal(t, code, out.Error)
		})
	}
}

func TestCreateOrderWhenPoolIsFull(t *testing.T) {
	srv := newServer(t, &fakeSagas{startErr: coordinator.ErrPoolFull}, fakeRepair{})

	body := `{"user_id":"user-1","items":[{"product_id":"prod_1","quantity":1,"price":1}]}`
	resp, err := http.Post(srv.URL+"/orders", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetOrder(t *testing.T) {
	srv := newServer(t, &fakeSagas{}, fakeRepair{})

	resp, err := http.Get(srv.URL + "/orders/order-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out OrderResponse
	decodeBody(t, resp, &out)
	assert.Equal(t, "Paid", out.StatusText)
	assert.Equal(t, 2, out.ItemCount)

	resp, err = http.Get(srv.URL + "/orders/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetSagaHidesStepErrorsBehindOutcome(t *testing.T) {
	sagas := &fakeSagas{sagas: map[string]*sagalog.SagaInstance{
		"saga-1": {SagaID: "saga-1", SagaType: checkout.SagaType, Status: sagalog.StatusCompensated, CurrentStep: 1, CompletedAt: time.Now()},
	}}
	srv := newServer(t, sagas, fakeRepair{})

	resp, err := http.Get(srv.URL + "/sagas/saga-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.NotContains(t, string(body), "insufficient stock")
	assert.NotContains(t, string(body), "4bf92f3577b34da6a3ce929d0e0e4736")

	var out SagaResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "rolled_back", out.Outcome)
	assert.Equal(t, "operation could not be completed, already rolled back", out.Message)
	require.Len(t, out.Steps, 2)
	assert.Nil(t, out.Steps[1].CompletedAt)
	assert.NotNil(t, out.CompletedAt)

	resp, err = http.Get(srv.URL + "/sagas/unknown")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCompensateSaga(t *testing.T) {
	sagas := &fakeSagas{sagas: map[string]*sagalog.SagaInstance{
		"saga-1": {SagaID: "saga-1", Status: sagalog.StatusCompensating},
	}}
	srv := newServer(t, sagas, fakeRepair{})

	resp, err := http.Post(srv.URL+"/sagas/saga-1/compensate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"saga-1"}, sagas.compensated)

	resp2, err := http.Post(srv.URL+"/sagas/unknown/compensate", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestAdminEndpoints(t *testing.T) {
	srv := newServer(t, &fakeSagas{}, fakeRepair{syncAllErr: errors.New("order-2 failed")})

	resp, err := http.Post(srv.URL+"/admin/readmodel/orders/order-1/sync", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/admin/readmodel/orders/missing/sync", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/admin/readmodel/sync-all", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)
	var all SyncAllResponse
	decodeBody(t, resp, &all)
	assert.Equal(t, 3, all.Synced)

	resp, err = http.Get(srv.URL + "/admin/readmodel/consistency")
	require.NoError(t, err)
	var issues []readmodel.Inconsistency
	decodeBody(t, resp, &issues)
	assert.Empty(t, issues)

	resp, err = http.Post(srv.URL+"/admin/readmodel/repair", "application/json", nil)
	require.NoError(t, err)
	var report readmodel.RepairReport
	decodeBody(t, resp, &report)
	assert.Equal(t, 1, report.Deleted)

	resp, err = http.Get(srv.URL + "/admin/outbox/stats")
	require.NoError(t, err)
	var stats map[string]int
	decodeBody(t, resp, &stats)
	assert.Equal(t, 4, stats["SENT"])

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err = http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
