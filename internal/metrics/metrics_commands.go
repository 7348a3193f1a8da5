package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpdf_command_count_total",
			Help: "Total number of handled chat commands by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskpdf_command_duration_seconds",
			Help:    "Chat command handling duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"command"},
	)
)

// CommandHandled records one handled command. outcome is "ok" or the error
// kind.
func CommandHandled(command, outcome string, startTime time.Time) {
	commandCount.WithLabelValues(command, outcome).Inc()
	commandDuration.WithLabelValues(command).Observe(time.Since(startTime).Seconds())
}
