package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mirrorSyncFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpdf_mirror_sync_failed_total",
			Help: "Total number of failed tenant mirror synchronizations by error kind",
		},
		[]string{"kind"},
	)

	mirrorSyncCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpdf_mirror_sync_count_total",
			Help: "Total number of successful tenant mirror synchronizations by mode",
		},
		[]string{"mode"},
	)

	mirrorSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskpdf_mirror_sync_duration_seconds",
			Help:    "Tenant mirror synchronization duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1, 1.5, 2, 5, 10, 30, 60},
		},
		[]string{"mode"},
	)

	mirrorReceivedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpdf_mirror_received_bytes_total",
			Help: "Total number of object bytes received by clones and fetches",
		},
	)

	lastMirrorSyncEnd = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskpdf_last_mirror_sync_end_timestamp",
			Help: "Unix timestamp of when the last successful mirror sync of a tenant ended",
		},
		[]string{"tenant"},
	)
)

func MirrorSyncSucceeded(tenant, mode string, received int64, startTime time.Time) {
	mirrorSyncCount.WithLabelValues(mode).Inc()
	mirrorSyncDuration.WithLabelValues(mode).Observe(time.Since(startTime).Seconds())
	if received > 0 {
		mirrorReceivedBytes.Add(float64(received))
	}
	lastMirrorSyncEnd.WithLabelValues(tenant).SetToCurrentTime()
}

func MirrorSyncFailed(kind string) {
	mirrorSyncFailed.WithLabelValues(kind).Inc()
}

// MirrorRemoved drops per-tenant series once a tenant is deleted.
func MirrorRemoved(tenant string) {
	lastMirrorSyncEnd.DeleteLabelValues(tenant)
}
