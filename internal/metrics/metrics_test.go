package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveAppend("orders", "ok", time.Millisecond)
	m.IncStorageFailure("orders")
	m.IncRecovery("orders")
	m.IncFenced("orders")
	m.IncDelivery("orders")
	m.IncAck("orders")
}

func TestCountersByTopicAndOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveAppend("orders", "ok", time.Millisecond)
	m.ObserveAppend("orders", "ok", time.Millisecond)
	m.ObserveAppend("orders", "duplicate", 0)
	m.ObserveAppend("events", "unavailable", time.Millisecond)
	m.IncStorageFailure("events")
	m.IncRecovery("events")

	if got := testutil.ToFloat64(m.appends.WithLabelValues("orders", "ok")); got != 2 {
		t.Fatalf("ok appends = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.appends.WithLabelValues("orders", "duplicate")); got != 1 {
		t.Fatalf("duplicate appends = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.appends.WithLabelValues("events", "unavailable")); got != 1 {
		t.Fatalf("unavailable appends = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.storageFailures.WithLabelValues("events")); got != 1 {
		t.Fatalf("storage failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.recoveries.WithLabelValues("events")); got != 1 {
		t.Fatalf("recoveries = %v, want 1", got)
	}
}
