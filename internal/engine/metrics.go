package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Total number of finished runs by final status.",
		},
		[]string{"status"},
	)

	runsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_runs_active",
			Help: "Number of runs currently holding a run slot.",
		},
	)

	stepResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_step_results_total",
			Help: "Total number of step results by kind and status.",
		},
		[]string{"kind", "status"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_step_duration_seconds",
			Help:    "Duration of attempted steps in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runsActive)
	prometheus.MustRegister(stepResultsTotal)
	prometheus.MustRegister(stepDuration)
}
