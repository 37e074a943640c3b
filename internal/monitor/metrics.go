package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	Registry *prometheus.Registry

	ActiveSessions     prometheus.Gauge
	Participants       prometheus.Gauge
	Connections        prometheus.Gauge
	Broadcasts         *prometheus.CounterVec
	PersistWrites      *prometheus.CounterVec
	PersistLatency     prometheus.Histogram
	Evictions          prometheus.Counter
	JobsTotal          *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	QueueDepth         prometheus.Gauge
	ActiveExecutions   prometheus.Gauge
	SandboxLatency     *prometheus.HistogramVec
	RateLimitDecisions *prometheus.CounterVec
	FanoutErrors       *prometheus.CounterVec
	RequestsInFlight   prometheus.Gauge
	CodeSizeBytes      prometheus.Histogram
	OutputSizeBytes    prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codepair",
				Name:      "active_sessions",
				Help:      "Number of sessions held in memory on this instance.",
			},
		),

		Participants: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codepair",
				Name:      "participants",
				Help:      "Number of joined participants on this instance.",
			},
		),

		Connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codepair",
				Subsystem: "ws",
				Name:      "connections",
				Help:      "Number of open WebSocket connections.",
			},
		),

		Broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codepair",
				Name:      "broadcasts_total",
				Help:      "Room events delivered, by event type and scope (local, remote).",
			},
			[]string{"type", "scope"},
		),

		PersistWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codepair",
				Name:      "persist_writes_total",
				Help:      "Durable document writes by result (ok, error, coalesced).",
			},
			[]string{"result"},
		),

		PersistLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codepair",
				Name:      "persist_write_duration_seconds",
				Help:      "Duration of durable document writes.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
			},
		),

		Evictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "codepair",
				Name:      "session_evictions_total",
				Help:      "Sessions evicted from memory after the grace period.",
			},
		),

		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codepair",
				Name:      "jobs_total",
				Help:      "Execution jobs reaching a terminal state, by language and state.",
			},
			[]string{"language", "state"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "codepair",
				Name:      "job_duration_seconds",
				Help:      "Time from job submission to terminal state.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30, 60},
			},
			[]string{"language"},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codepair",
				Name:      "job_queue_depth",
				Help:      "Jobs waiting to be claimed by a worker.",
			},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codepair",
				Name:      "active_executions",
				Help:      "Number of sandbox calls currently in flight.",
			},
		),

		SandboxLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "codepair",
				Name:      "sandbox_call_duration_seconds",
				Help:      "Duration of sandbox service calls by outcome status.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
			},
			[]string{"status"},
		),

		RateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codepair",
				Name:      "rate_limit_decisions_total",
				Help:      "Rate limiter decisions by class and outcome (allowed, limited, fail_open).",
			},
			[]string{"class", "outcome"},
		),

		FanoutErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codepair",
				Name:      "fanout_errors_total",
				Help:      "Cross-instance fanout failures by operation.",
			},
			[]string{"op"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codepair",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codepair",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codepair",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ActiveSessions,
		m.Participants,
		m.Connections,
		m.Broadcasts,
		m.PersistWrites,
		m.PersistLatency,
		m.Evictions,
		m.JobsTotal,
		m.JobDuration,
		m.QueueDepth,
		m.ActiveExecutions,
		m.SandboxLatency,
		m.RateLimitDecisions,
		m.FanoutErrors,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordJob records metrics for a job reaching a terminal state.
func (m *Metrics) RecordJob(language, state string, durationSec float64) {
	m.JobsTotal.WithLabelValues(language, state).Inc()
	m.JobDuration.WithLabelValues(language).Observe(durationSec)
}

// RecordBroadcast counts one delivered room event.
func (m *Metrics) RecordBroadcast(eventType, scope string) {
	m.Broadcasts.WithLabelValues(eventType, scope).Inc()
}

// RecordPersist records a durable write outcome.
func (m *Metrics) RecordPersist(result string, durationSec float64) {
	m.PersistWrites.WithLabelValues(result).Inc()
	if durationSec > 0 {
		m.PersistLatency.Observe(durationSec)
	}
}

// RecordRateLimit records a limiter decision.
func (m *Metrics) RecordRateLimit(class, outcome string) {
	m.RateLimitDecisions.WithLabelValues(class, outcome).Inc()
}
