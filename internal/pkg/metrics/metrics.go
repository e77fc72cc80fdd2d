// Package metrics holds the Prometheus collectors of the fulfillment core.
//
// All recording methods are safe to call on a nil *Metrics, so components
// built without metrics (tests, CLI one-shots) need no special casing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fulfillment"

type Metrics struct {
	sagas          *prometheus.CounterVec
	steps          *prometheus.CounterVec
	outboxPublish  *prometheus.CounterVec
	outboxPending  prometheus.Gauge
	readModel      *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	poolQueueDepth prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sagas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sagas_total",
			Help:      "Saga instances that reached a status, by saga type.",
		}, []string{"type", "status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_steps_total",
			Help:      "Saga step executions and compensations, by outcome.",
		}, []string{"step", "result"}),
		outboxPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_publish_total",
			Help:      "Outbox publish attempts, by result.",
		}, []string{"result"}),
		outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending",
			Help:      "Outbox messages waiting for delivery at the last scheduler tick.",
		}),
		readModel: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readmodel_events_total",
			Help:      "Events handled by the read-model synchronizer, by result.",
		}, []string{"result"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Operator alerts raised, by kind.",
		}, []string{"kind"}),
		poolQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "saga_queue_depth",
			Help:      "Saga tasks waiting for a worker.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.sagas, m.steps, m.outboxPublish, m.outboxPending, m.readModel, m.alerts, m.poolQueueDepth)
	}
	return m
}

func (m *Metrics) SagaStatus(sagaType, status string) {
	if m == nil {
		return
	}
	m.sagas.WithLabelValues(sagaType, status).Inc()
}

func (m *Metrics) Step(step, result string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(step, result).Inc()
}

func (m *Metrics) OutboxPublish(result string) {
	if m == nil {
		return
	}
	m.outboxPublish.WithLabelValues(result).Inc()
}

func (m *Metrics) OutboxPending(n int) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(n))
}

func (m *Metrics) ReadModelEvent(result string) {
	if m == nil {
		return
	}
	m.readModel.WithLabelValues(result).Inc()
}

func (m *Metrics) Alert(kind string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.poolQueueDepth.Set(float64(n))
}
