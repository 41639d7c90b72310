// Package metrics exports walk-forward run metrics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// Candidate result labels
const (
	ResultOK = "ok"
)

// Collector records candidate, window and persistence metrics
type Collector struct {
	registry *prometheus.Registry

	candidates      *prometheus.CounterVec
	candidateTime   *prometheus.HistogramVec
	windows         *prometheus.CounterVec
	efficiency      prometheus.Gauge
	persistFailures *prometheus.CounterVec
	activeRuns      prometheus.Gauge
}

// NewCollector creates a collector on its own registry
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		candidates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wfv_candidates_total",
				Help: "Candidate simulations by role and result",
			},
			[]string{"role", "result"},
		),
		candidateTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wfv_candidate_duration_seconds",
				Help:    "Candidate simulation duration",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"role"},
		),
		windows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wfv_windows_total",
				Help: "Walk-forward windows by outcome",
			},
			[]string{"outcome"},
		),
		efficiency: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wfv_last_run_efficiency",
			Help: "Walk-forward efficiency of the last completed run",
		}),
		persistFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wfv_persistence_failures_total",
				Help: "Writes that failed after retries",
			},
			[]string{"op"},
		),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wfv_active_runs",
			Help: "Runs currently executing",
		}),
	}
}

// ObserveCandidate counts one finished candidate
func (c *Collector) ObserveCandidate(role types.Role, outcome types.Outcome) {
	result := ResultOK
	if outcome.Failure != nil {
		result = string(outcome.Failure.Kind)
	}
	c.candidates.WithLabelValues(string(role), result).Inc()
	c.candidateTime.WithLabelValues(string(role)).Observe(outcome.Duration.Seconds())
}

// WindowCompleted counts a processed window
func (c *Collector) WindowCompleted() {
	c.windows.WithLabelValues("completed").Inc()
}

// WindowSkipped counts a skipped window
func (c *Collector) WindowSkipped() {
	c.windows.WithLabelValues("skipped").Inc()
}

// PersistenceFailed counts a write that exhausted its retries
func (c *Collector) PersistenceFailed(op string) {
	c.persistFailures.WithLabelValues(op).Inc()
}

// RunStarted increments the active run gauge
func (c *Collector) RunStarted() { c.activeRuns.Inc() }

// RunFinished decrements the active run gauge and records efficiency
func (c *Collector) RunFinished(report *types.RunReport) {
	c.activeRuns.Dec()
	if report != nil {
		c.efficiency.Set(report.Efficiency)
	}
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns the Prometheus metrics HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
