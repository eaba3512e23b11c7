// Package metrics exports orchestrator telemetry to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/orchestrator/internal/model"
	"github.com/sells-group/orchestrator/internal/resilience"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "orchestrator"

// Metrics holds the orchestrator collectors. It implements the engine's
// Recorder, the gateway's Observer, and the scheduler's Observer.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted  *prometheus.CounterVec
	RunsFinished *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	RunCost      *prometheus.HistogramVec
	RunQuality   *prometheus.GaugeVec

	StepRecords *prometheus.CounterVec
	StepsTotal  *prometheus.CounterVec

	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec
	BreakerStates   *prometheus.GaugeVec
	Failovers       *prometheus.CounterVec

	SchedulerEmissions *prometheus.CounterVec

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs that entered the running state",
		}, []string{"workflow"}),
		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal state",
		}, []string{"workflow", "status"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Run duration from start to terminal state",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"workflow", "status"}),
		RunCost: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_cost",
			Help:      "Accumulated provider and enrichment cost per run",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 50, 100, 500},
		}, []string{"workflow"}),
		RunQuality: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_quality_score",
			Help:      "Overall quality score of the workflow's latest assessed run",
		}, []string{"workflow"}),
		StepRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_records_total",
			Help:      "Records entering, leaving, and rejected by pipeline steps",
		}, []string{"workflow", "step", "direction"}),
		StepsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Pipeline steps by outcome",
		}, []string{"workflow", "type", "status"}),
		ProviderCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider fetch attempts by outcome",
		}, []string{"provider", "outcome"}),
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Provider fetch attempt latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		BreakerStates: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		}, []string{"provider"}),
		Failovers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_failovers_total",
			Help:      "Switches away from a failed provider candidate",
		}, []string{"source", "provider"}),
		SchedulerEmissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_emissions_total",
			Help:      "Runs triggered by the scheduler",
		}, []string{"workflow"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunStarted implements engine.Recorder.
func (m *Metrics) RunStarted(workflowID string) {
	m.RunsStarted.WithLabelValues(workflowID).Inc()
}

// RunFinished implements engine.Recorder.
func (m *Metrics) RunFinished(workflowID string, status model.RunStatus, duration time.Duration, cost float64, quality *float64) {
	m.RunsFinished.WithLabelValues(workflowID, string(status)).Inc()
	m.RunDuration.WithLabelValues(workflowID, string(status)).Observe(duration.Seconds())
	m.RunCost.WithLabelValues(workflowID).Observe(cost)
	if quality != nil {
		m.RunQuality.WithLabelValues(workflowID).Set(*quality)
	}
}

// StepFinished implements engine.Recorder.
func (m *Metrics) StepFinished(workflowID string, res model.StepResult) {
	m.StepsTotal.WithLabelValues(workflowID, string(res.Type), string(res.Status)).Inc()
	m.StepRecords.WithLabelValues(workflowID, res.Name, "in").Add(float64(res.RecordsIn))
	m.StepRecords.WithLabelValues(workflowID, res.Name, "out").Add(float64(res.RecordsOut))
	m.StepRecords.WithLabelValues(workflowID, res.Name, "rejected").Add(float64(res.RecordsRejected))
}

// Failover implements engine.Recorder.
func (m *Metrics) Failover(sourceID, fromProvider string) {
	m.Failovers.WithLabelValues(sourceID, fromProvider).Inc()
}

// ProviderCall implements gateway.Observer.
func (m *Metrics) ProviderCall(providerID, outcome string, latency time.Duration) {
	m.ProviderCalls.WithLabelValues(providerID, outcome).Inc()
	if latency > 0 {
		m.ProviderLatency.WithLabelValues(providerID).Observe(latency.Seconds())
	}
}

// BreakerState implements gateway.Observer.
func (m *Metrics) BreakerState(providerID string, state resilience.CircuitState) {
	m.BreakerStates.WithLabelValues(providerID).Set(float64(state))
}

// ScheduledRun implements scheduler.Observer.
func (m *Metrics) ScheduledRun(workflowID string) {
	m.SchedulerEmissions.WithLabelValues(workflowID).Inc()
}

// ObserveHTTP records one API request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
