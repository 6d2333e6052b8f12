package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "settlement"

// Metrics はエンジン全体のPrometheusコレクタ。nilでも呼べる（テストでは登録しない）。
type Metrics struct {
	webhookEvents     *prometheus.CounterVec
	gatewayDuration   *prometheus.HistogramVec
	gatewayErrors     *prometheus.CounterVec
	orderTransitions  *prometheus.CounterVec
	invalidTransition *prometheus.CounterVec
	sweepUnits        *prometheus.CounterVec
	sweepDuration     prometheus.Histogram
	tasks             *prometheus.CounterVec
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by gateway, event type and outcome.",
		}, []string{"gateway", "event_type", "outcome"}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Latency of outbound payment gateway calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		gatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_errors_total",
			Help:      "Failed payment gateway calls by kind.",
		}, []string{"operation", "kind"}),
		orderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Applied order status transitions.",
		}, []string{"from", "to"}),
		invalidTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_invalid_transitions_total",
			Help:      "Rejected order status transitions.",
		}, []string{"from", "to"}),
		sweepUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_sweep_units_total",
			Help:      "Subscription work units processed by result.",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subscription_sweep_duration_seconds",
			Help:      "Duration of a full subscription sweep.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900},
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Dispatched tasks by kind and result.",
		}, []string{"kind", "result"}),
	}

	collectors := []prometheus.Collector{
		m.webhookEvents, m.gatewayDuration, m.gatewayErrors,
		m.orderTransitions, m.invalidTransition,
		m.sweepUnits, m.sweepDuration, m.tasks,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) WebhookEvent(gateway, eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(gateway, eventType, outcome).Inc()
}

// kind は空なら成功
func (m *Metrics) GatewayCall(operation string, d time.Duration, kind string) {
	if m == nil {
		return
	}
	m.gatewayDuration.WithLabelValues(operation).Observe(d.Seconds())
	if kind != "" {
		m.gatewayErrors.WithLabelValues(operation, kind).Inc()
	}
}

func (m *Metrics) OrderTransition(from, to string) {
	if m == nil {
		return
	}
	m.orderTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) InvalidTransition(from, to string) {
	if m == nil {
		return
	}
	m.invalidTransition.WithLabelValues(from, to).Inc()
}

func (m *Metrics) SweepUnit(result string) {
	if m == nil {
		return
	}
	m.sweepUnits.WithLabelValues(result).Inc()
}

func (m *Metrics) Sweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) Task(kind, result string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(kind, result).Inc()
}
