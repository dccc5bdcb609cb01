package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Backup results recorded by RecordBackup.
const (
	BackupResultCopied  = "copied"
	BackupResultMissing = "missing"
	BackupResultFailed  = "failed"
)

// Metrics provides Prometheus metrics for froyo. A disabled Metrics is a no-op.
type Metrics struct {
	config MetricsConfig

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	nodes        *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec

	backups     *prometheus.CounterVec
	backupBytes prometheus.Counter

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

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of convergence runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of convergence runs finished, by terminal status",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of convergence runs in seconds",
			Buckets:   buckets,
		}, []string{"status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Current number of active runs",
		}),

		nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_total",
			Help:      "Total number of definitions that reached a terminal status",
		}, []string{"type", "status"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Duration of handler calls in seconds",
			Buckets:   buckets,
		}, []string{"type"}),

		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Total number of pre-mutation backups, by result",
		}, []string{"result"}),
		backupBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_bytes_total",
			Help:      "Total number of bytes copied into the backup area",
		}),

		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_code_total",
			Help:      "Total number of node errors by error code",
		}, []string{"code"}),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.nodes,
		m.nodeDuration,
		m.backups,
		m.backupBytes,
		m.errorsByCode,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// Registry returns the Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRunStarted counts a started run.
func (m *Metrics) RecordRunStarted() {
	if !m.Enabled() {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a finished run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordNode records a terminal node. duration is zero for nodes that never ran.
func (m *Metrics) RecordNode(resourceType, status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.nodes.WithLabelValues(resourceType, status).Inc()
	if duration > 0 {
		m.nodeDuration.WithLabelValues(resourceType).Observe(duration.Seconds())
	}
}

// RecordBackup records one backup attempt.
func (m *Metrics) RecordBackup(result string, bytes int64) {
	if !m.Enabled() {
		return
	}
	m.backups.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.backupBytes.Add(float64(bytes))
	}
}

// RecordError records a node error by code.
func (m *Metrics) RecordError(code string) {
	if !m.Enabled() || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics until ctx is done. It returns the bound address,
// which differs from the configured one when the port is 0.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) (string, error) {
	if !m.Enabled() {
		return "", nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	listener, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return "", err
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", listener.Addr().String()).Str("path", path).Msg("Serving metrics")
	return listener.Addr().String(), nil
}
