package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StorageMetrics implements the pebble wrapper's MetricsHook, exporting
// storage-level latencies and sizes.
type StorageMetrics struct {
	readLatency   prometheus.Histogram
	commitLatency prometheus.Histogram
	commitBytes   prometheus.Histogram
}

// NewStorageMetrics registers the storage collectors on reg.
func NewStorageMetrics(reg prometheus.Registerer) *StorageMetrics {
	s := &StorageMetrics{
		readLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quill",
			Subsystem: "storage",
			Name:      "read_duration_seconds",
			Help:      "Latency of point reads.",
			Buckets:   prometheus.DefBuckets,
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quill",
			Subsystem: "storage",
			Name:      "commit_duration_seconds",
			Help:      "Latency of batch commits.",
			Buckets:   prometheus.DefBuckets,
		}),
		commitBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quill",
			Subsystem: "storage",
			Name:      "commit_bytes",
			Help:      "Size of committed batches.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),
	}
	reg.MustRegister(s.readLatency, s.commitLatency, s.commitBytes)
	return s
}

// ObserveRead records one point read.
func (s *StorageMetrics) ObserveRead(elapsed time.Duration, bytes int) {
	s.readLatency.Observe(elapsed.Seconds())
}

// ObserveBatchCommit records one batch commit.
func (s *StorageMetrics) ObserveBatchCommit(elapsed time.Duration, bytes int) {
	s.commitLatency.Observe(elapsed.Seconds())
	s.commitBytes.Observe(float64(bytes))
}
