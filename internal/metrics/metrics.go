package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the broker-side Prometheus collectors. A nil *Metrics is a
// valid no-op receiver so call sites never need guards.
type Metrics struct {
	appends         *prometheus.CounterVec
	appendLatency   *prometheus.HistogramVec
	storageFailures *prometheus.CounterVec
	recoveries      *prometheus.CounterVec
	fences          *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	acks            *prometheus.CounterVec
}

// New registers the broker collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "appends_total",
			Help:      "Publish attempts by outcome.",
		}, []string{"topic", "outcome"}),
		appendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quill",
			Name:      "append_duration_seconds",
			Help:      "Latency of durable appends.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		storageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "storage_failures_total",
			Help:      "Durability failures observed per topic.",
		}, []string{"topic"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "recoveries_total",
			Help:      "Successful failover recoveries per topic.",
		}, []string{"topic"}),
		fences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "sessions_fenced_total",
			Help:      "Producer sessions fenced by a newer admission.",
		}, []string{"topic"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "deliveries_total",
			Help:      "Entries delivered to subscriptions.",
		}, []string{"topic"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "acks_total",
			Help:      "Subscription cursor acknowledgements.",
		}, []string{"topic"}),
	}
	reg.MustRegister(m.appends, m.appendLatency, m.storageFailures,
		m.recoveries, m.fences, m.deliveries, m.acks)
	return m
}

// ObserveAppend records one publish attempt. Latency is only observed for
// attempts that reached storage.
func (m *Metrics) ObserveAppend(topic, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.appends.WithLabelValues(topic, outcome).Inc()
	if elapsed > 0 {
		m.appendLatency.WithLabelValues(topic).Observe(elapsed.Seconds())
	}
}

// IncStorageFailure counts an Open -> Failing transition cause.
func (m *Metrics) IncStorageFailure(topic string) {
	if m == nil {
		return
	}
	m.storageFailures.WithLabelValues(topic).Inc()
}

// IncRecovery counts a Recovering -> Open transition.
func (m *Metrics) IncRecovery(topic string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(topic).Inc()
}

// IncFenced counts a fenced producer session.
func (m *Metrics) IncFenced(topic string) {
	if m == nil {
		return
	}
	m.fences.WithLabelValues(topic).Inc()
}

// IncDelivery counts an entry handed to a subscription.
func (m *Metrics) IncDelivery(topic string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(topic).Inc()
}

// IncAck counts a durable cursor acknowledgement.
func (m *Metrics) IncAck(topic string) {
	if m == nil {
		return
	}
	m.acks.WithLabelValues(topic).Inc()
}
