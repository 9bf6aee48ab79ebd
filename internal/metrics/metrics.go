// Package metrics holds the Prometheus collectors for the upload pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "recording_sync"

var (
	// EnqueueResults counts Enqueue outcomes by result.
	EnqueueResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "enqueue_total",
		Help:      "Enqueue calls by outcome.",
	}, []string{"outcome"})

	// ClaimConflicts counts claims lost to another worker.
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "claim_conflicts_total",
		Help:      "Dequeue claims lost to a concurrent worker.",
	})

	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_total",
		Help:      "Finished upload attempts by result (uploaded, skipped, retry, failed).",
	}, []string{"result"})

	UploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_bytes_total",
		Help:      "Bytes written to object storage.",
	})

	UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upload_duration_seconds",
		Help:      "Wall time of upload attempts.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	ActiveUploads = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_uploads",
		Help:      "Uploads currently in flight in this process.",
	})

	// QueueDepth is refreshed from ledger counts by the health monitor.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Ledger rows per upload status.",
	}, []string{"upload_status"})

	ReconcileRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_repairs_total",
		Help:      "Repairs applied by the reconciler, by kind.",
	}, []string{"repair"})

	ReconcileCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconcile_cycle_seconds",
		Help:      "Duration of reconciliation cycles.",
		Buckets:   prometheus.DefBuckets,
	})

	StorageBreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "storage_breaker_open",
		Help:      "1 while the object storage circuit breaker is open.",
	})
)

// SetBreakerState maps a breaker state name onto StorageBreakerOpen.
func SetBreakerState(state string) {
	if state == "open" {
		StorageBreakerOpen.Set(1)
		return
	}
	StorageBreakerOpen.Set(0)
}
