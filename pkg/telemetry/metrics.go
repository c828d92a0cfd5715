package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for devstate runs.
//
// A nil *Metrics, or one built with metrics disabled, accepts every Record
// call and does nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	// Observation metrics
	observationsTotal   *prometheus.CounterVec
	observationDuration *prometheus.HistogramVec
	observerErrors      *prometheus.CounterVec

	// Persistence metrics
	stateWrites *prometheus.CounterVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of reconciliation runs",
			},
			[]string{"intent", "compliant"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of reconciliation runs in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),

		observationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "observations_total",
				Help:      "Total number of state observations by type and status",
			},
			[]string{"type", "status"},
		),
		observationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "observation_duration_seconds",
				Help:      "Duration of single observations in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),
		observerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "observer_errors_total",
				Help:      "Total number of observer failures folded into unknown",
			},
			[]string{"type"},
		),

		stateWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_writes_total",
				Help:      "Total number of persisted state writes",
			},
			[]string{"backend"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of run errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.observationsTotal,
		m.observationDuration,
		m.observerErrors,
		m.stateWrites,
		m.errorsByCode,
	)

	return m, nil
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRun records a completed run.
func (m *Metrics) RecordRun(intent, mode string, compliant bool, duration time.Duration) {
	if m == nil || m.runsTotal == nil {
		return
	}
	m.runsTotal.WithLabelValues(intent, strconv.FormatBool(compliant)).Inc()
	m.runDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordObservation records one observation outcome.
func (m *Metrics) RecordObservation(stateType, status string, duration time.Duration) {
	if m == nil || m.observationsTotal == nil {
		return
	}
	m.observationsTotal.WithLabelValues(stateType, status).Inc()
	m.observationDuration.WithLabelValues(stateType).Observe(duration.Seconds())
}

// RecordObserverError records an observer failure.
func (m *Metrics) RecordObserverError(stateType string) {
	if m == nil || m.observerErrors == nil {
		return
	}
	m.observerErrors.WithLabelValues(stateType).Inc()
}

// RecordStateWrite records a persisted state write.
func (m *Metrics) RecordStateWrite(backend string) {
	if m == nil || m.stateWrites == nil {
		return
	}
	m.stateWrites.WithLabelValues(backend).Inc()
}

// RecordError records a run error by code.
func (m *Metrics) RecordError(code string) {
	if m == nil || m.errorsByCode == nil || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
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

// Serve exposes the registry over HTTP until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if m == nil || m.registry == nil || addr == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// WriteTextfile writes the registry in the Prometheus text format, for the
// node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || m.registry == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
