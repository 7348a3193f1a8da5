package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refreshFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpdf_mirror_refresh_failed_total",
			Help: "Number of times a background mirror refresh has failed",
		},
		[]string{"kind"},
	)

	refreshCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpdf_mirror_refresh_count_total",
			Help: "Total number of background mirror refreshes",
		},
	)

	refreshWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskpdf_mirror_refresh_workers",
			Help: "Number of tenants with an active background refresh task",
		},
	)

	renderFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpdf_render_failed_total",
			Help: "Number of failed render requests",
		},
		[]string{"reason"},
	)

	renderCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpdf_render_count_total",
			Help: "Total number of rendered artifacts, by whether they were served from cache",
		},
		[]string{"cached"},
	)

	renderDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskpdf_render_duration_seconds",
			Help:    "Rendering service request duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 1.5, 2, 5, 10, 30, 60},
		},
	)
)

func RefreshSucceeded() {
	refreshCount.Inc()
}

func RefreshFailed(kind string) {
	refreshCount.Inc()
	refreshFailed.WithLabelValues(kind).Inc()
}

func RefreshWorkerStarted() {
	refreshWorkers.Inc()
}

func RefreshWorkerStopped() {
	refreshWorkers.Dec()
}

func RenderSucceeded(startTime time.Time) {
	renderCount.WithLabelValues("false").Inc()
	renderDuration.Observe(time.Since(startTime).Seconds())
}

func RenderCached() {
	renderCount.WithLabelValues("true").Inc()
}

func RenderFailed(reason string) {
	renderFailed.WithLabelValues(reason).Inc()
}
