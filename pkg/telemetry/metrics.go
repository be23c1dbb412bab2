package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for flights, jobs and the activity log.
// A nil *Metrics or one created with metrics disabled records nothing.
type Metrics struct {
	config MetricsConfig

	// Flight metrics
	flightsStarted   *prometheus.CounterVec
	flightsCompleted *prometheus.CounterVec
	flightDuration   *prometheus.HistogramVec
	activeFlights    prometheus.Gauge

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepRetries   *prometheus.CounterVec

	// Job metrics
	jobsSubmitted *prometheus.CounterVec
	jobErrors     *prometheus.CounterVec

	// Activity metrics
	activityRecorded *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		flightsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flights_started_total",
				Help:      "Total number of flights started or resumed",
			},
			[]string{"flight_type"},
		),
		flightsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flights_completed_total",
				Help:      "Total number of flights that reached a terminal status",
			},
			[]string{"flight_type", "status"},
		),
		flightDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "flight_duration_seconds",
				Help:      "Duration of flight execution in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"flight_type", "status"},
		),
		activeFlights: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_flights",
				Help:      "Current number of flights being executed",
			},
		),
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of step invocations",
			},
			[]string{"direction", "status"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of step retries",
			},
			[]string{"flight_type", "step"},
		),
		jobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_submitted_total",
				Help:      "Total number of jobs submitted",
			},
			[]string{"flight_type"},
		),
		jobErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_errors_total",
				Help:      "Total number of job service errors by kind",
			},
			[]string{"kind"},
		),
		activityRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_entries_total",
				Help:      "Total number of activity log entries recorded",
			},
			[]string{"operation", "target"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of step errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.flightsStarted,
		m.flightsCompleted,
		m.flightDuration,
		m.activeFlights,
		m.stepsExecuted,
		m.stepRetries,
		m.jobsSubmitted,
		m.jobErrors,
		m.activityRecorded,
		m.errorsByClass,
	)

	return m, nil
}

// Flight Metrics

// RecordFlightStarted counts a started or resumed flight.
func (m *Metrics) RecordFlightStarted(flightType string) {
	if m == nil || m.flightsStarted == nil {
		return
	}
	m.flightsStarted.WithLabelValues(flightType).Inc()
	m.activeFlights.Inc()
}

// RecordFlightCompleted records a terminal flight with its status and duration.
func (m *Metrics) RecordFlightCompleted(flightType, status string, duration time.Duration) {
	if m == nil || m.flightsCompleted == nil {
		return
	}
	m.flightsCompleted.WithLabelValues(flightType, status).Inc()
	m.flightDuration.WithLabelValues(flightType, status).Observe(duration.Seconds())
	m.activeFlights.Dec()
}

// RecordFlightInterrupted releases the active gauge for a flight left unresolved.
func (m *Metrics) RecordFlightInterrupted() {
	if m == nil || m.activeFlights == nil {
		return
	}
	m.activeFlights.Dec()
}

// Step Metrics

// RecordStep records one step invocation.
func (m *Metrics) RecordStep(direction, status string) {
	if m == nil || m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(direction, status).Inc()
}

// RecordStepRetry records a retry of the named step.
func (m *Metrics) RecordStepRetry(flightType, step string) {
	if m == nil || m.stepRetries == nil {
		return
	}
	m.stepRetries.WithLabelValues(flightType, step).Inc()
}

// Job Metrics

// RecordJobSubmitted counts a submitted job.
func (m *Metrics) RecordJobSubmitted(flightType string) {
	if m == nil || m.jobsSubmitted == nil {
		return
	}
	m.jobsSubmitted.WithLabelValues(flightType).Inc()
}

// RecordJobError counts a job service error by kind.
func (m *Metrics) RecordJobError(kind string) {
	if m == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(kind).Inc()
}

// Activity Metrics

// RecordActivity counts a recorded activity log entry.
func (m *Metrics) RecordActivity(operation, target string) {
	if m == nil || m.activityRecorded == nil {
		return
	}
	m.activityRecorded.WithLabelValues(operation, target).Inc()
}

// Error Metrics

// RecordError records a step error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	if errorClass == "" {
		errorClass = "unclassified"
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// NewServer returns the HTTP server exposing metrics. The caller owns its lifecycle.
func (m *Metrics) NewServer() *http.Server {
	mux := http.NewServeMux()
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, m.Handler())

	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.config.Enabled
}
