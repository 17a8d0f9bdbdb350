package billing

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes billing counters. A nil *Metrics records nothing.
type Metrics struct {
	transitions     *prometheus.CounterVec
	webhooks        *prometheus.CounterVec
	sweepItems      *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "transitions_total",
			Help:      "Subscription operations by outcome.",
		}, []string{"operation", "outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "webhook_events_total",
			Help:      "Inbound gateway webhook events by type and result.",
		}, []string{"type", "result"}),
		sweepItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "sweep_items_total",
			Help:      "Items handled by maintenance sweeps.",
		}, []string{"sweep", "outcome"}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "billing",
			Name:      "gateway_call_duration_seconds",
			Help:      "Payment gateway call latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.webhooks, m.sweepItems, m.gatewayDuration)
	}
	return m
}

func (m *Metrics) transition(op string, err error) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op, outcomeLabel(err)).Inc()
}

func (m *Metrics) webhook(eventType, result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) sweepItem(sweep, outcome string) {
	if m == nil {
		return
	}
	m.sweepItems.WithLabelValues(sweep, outcome).Inc()
}

func (m *Metrics) gatewayCall(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayDuration.WithLabelValues(op, result).Observe(d.Seconds())
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(KindOf(err))
}
