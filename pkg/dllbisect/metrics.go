package dllbisect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors updated by an [Engine].
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	trialsTotal   *prometheus.CounterVec
	trialDuration prometheus.Histogram
	trialSetSize  prometheus.Histogram
	runsTotal     *prometheus.CounterVec
}

// NewMetrics creates the bisection collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		trialsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dllbisect_trials_total",
			Help: "Total trials by verdict and whether the verdict was cached",
		}, []string{"verdict", "cached"}),

		trialDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dllbisect_trial_duration_seconds",
			Help:    "Duration of materialization plus probe in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
		}),

		trialSetSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dllbisect_trial_set_size",
			Help:    "Number of donor files overlaid per trial",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 500, 1000},
		}),

		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dllbisect_runs_total",
			Help: "Total bisection runs by terminal status",
		}, []string{"status"}),
	}
}

func (m *Metrics) observeTrial(trial TrialResult) {
	if m == nil {
		return
	}
	cached := "false"
	if trial.Cached {
		cached = "true"
	}
	m.trialsTotal.WithLabelValues(trial.Verdict.String(), cached).Inc()
	if !trial.Cached {
		m.trialDuration.Observe(trial.Duration.Seconds())
		m.trialSetSize.Observe(float64(len(trial.Attempted)))
	}
}

func (m *Metrics) observeRun(status Status) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status.String()).Inc()
}
