package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors the controller and runner
// increment. A zero-value Metrics is unusable; construct via NewMetrics so
// every collector gets registered.
type Metrics struct {
	Attempts          *prometheus.CounterVec
	QualityDecisions  *prometheus.CounterVec
	BundleBuilds      *prometheus.CounterVec
	RunnerDispatchDur prometheus.Histogram
}

// NewMetrics registers the pipeline's collectors against reg and returns the
// handle. Callers typically pass prometheus.NewRegistry() in tests and
// prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caf",
			Subsystem: "controller",
			Name:      "attempts_total",
			Help:      "Worker attempts by terminal outcome.",
		}, []string{"outcome"}),
		QualityDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caf",
			Subsystem: "quality",
			Name:      "decisions_total",
			Help:      "Quality decisions by action.",
		}, []string{"action"}),
		BundleBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caf",
			Subsystem: "distribution",
			Name:      "bundle_builds_total",
			Help:      "Bundle builds by platform and result.",
		}, []string{"platform", "result"}),
		RunnerDispatchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "caf",
			Subsystem: "distribution",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent dispatching one approval to completion.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.Attempts, m.QualityDecisions, m.BundleBuilds, m.RunnerDispatchDur)
	return m
}
