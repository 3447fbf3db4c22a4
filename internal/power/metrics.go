package power

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchTotal counts finished dispatches by command and outcome status.
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tbpower_dispatch_total",
		Help: "Total number of power dispatches by command and outcome",
	}, []string{"command", "status"})

	// DispatchDuration tracks how long dispatches take end to end.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tbpower_dispatch_duration_seconds",
		Help:    "Duration of power dispatches, including connection resolution",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
	}, []string{"command"})

	// DispatchInFlight tracks dispatches currently waiting on a rack.
	DispatchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tbpower_dispatch_in_flight",
		Help: "Number of power dispatches currently in flight",
	})
)
