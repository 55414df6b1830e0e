// Package metrics exposes Prometheus collectors for portwatch. It covers
// scan execution, schedule evaluation, and database access, plus runtime
// visibility through the standard Go and process collectors.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "portwatch"

	subsystemScan     = "scan"
	subsystemSchedule = "schedule"
	subsystemDatabase = "database"
	subsystemSystem   = "system"
)

// Metrics holds all Prometheus collectors for the process.
type Metrics struct {
	scansTotal   *prometheus.CounterVec
	scanDuration *prometheus.HistogramVec
	scanErrors   *prometheus.CounterVec
	activeScans  prometheus.Gauge

	schedulesTriggered *prometheus.CounterVec
	scheduleErrors     *prometheus.CounterVec
	activeSchedules    prometheus.Gauge

	dbQueries       *prometheus.CounterVec
	dbQueryDuration *prometheus.HistogramVec
	dbErrors        *prometheus.CounterVec

	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		startTime: time.Now(),
		registry:  registry,
	}

	m.initScanMetrics()
	m.initScheduleMetrics()
	m.initDatabaseMetrics()
	m.initSystemMetrics()
	m.register()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

func (m *Metrics) initScanMetrics() {
	m.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "total",
			Help:      "Total number of scans performed by profile and status",
		},
		[]string{"profile", "status"},
	)

	m.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "duration_seconds",
			Help:      "Duration of scan operations in seconds",
			Buckets:   []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0},
		},
		[]string{"profile"},
	)

	m.scanErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "errors_total",
			Help:      "Total number of scan errors by profile and error type",
		},
		[]string{"profile", "error_type"},
	)

	m.activeScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "active",
			Help:      "Number of currently running scans",
		},
	)
}

func (m *Metrics) initScheduleMetrics() {
	m.schedulesTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSchedule,
			Name:      "triggered_total",
			Help:      "Total number of schedule triggers by schedule type",
		},
		[]string{"schedule_type"},
	)

	m.scheduleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSchedule,
			Name:      "errors_total",
			Help:      "Total number of schedule evaluation errors by stage",
		},
		[]string{"stage"},
	)

	m.activeSchedules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSchedule,
			Name:      "active",
			Help:      "Number of schedules with a running scan",
		},
	)
}

func (m *Metrics) initDatabaseMetrics() {
	m.dbQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "queries_total",
			Help:      "Total number of database queries by operation and status",
		},
		[]string{"operation", "status"},
	)

	m.dbQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	m.dbErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "errors_total",
			Help:      "Total number of database errors by operation",
		},
		[]string{"operation"},
	)
}

func (m *Metrics) initSystemMetrics() {
	m.memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "memory_bytes",
			Help:      "Current memory usage in bytes",
		},
	)

	m.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	m.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
	)
}

func (m *Metrics) register() {
	m.registry.MustRegister(m.scansTotal)
	m.registry.MustRegister(m.scanDuration)
	m.registry.MustRegister(m.scanErrors)
	m.registry.MustRegister(m.activeScans)

	m.registry.MustRegister(m.schedulesTriggered)
	m.registry.MustRegister(m.scheduleErrors)
	m.registry.MustRegister(m.activeSchedules)

	m.registry.MustRegister(m.dbQueries)
	m.registry.MustRegister(m.dbQueryDuration)
	m.registry.MustRegister(m.dbErrors)

	m.registry.MustRegister(m.memoryUsage)
	m.registry.MustRegister(m.goroutines)
	m.registry.MustRegister(m.uptime)
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Scan metrics

// ObserveScan records a finished scan with its status and duration.
func (m *Metrics) ObserveScan(profile, status string, duration time.Duration) {
	m.scansTotal.WithLabelValues(profile, status).Inc()
	m.scanDuration.WithLabelValues(profile).Observe(duration.Seconds())
}

// IncrementScanErrors increments the scan error counter.
func (m *Metrics) IncrementScanErrors(profile, errorType string) {
	m.scanErrors.WithLabelValues(profile, errorType).Inc()
}

// SetActiveScans sets the number of running scans.
func (m *Metrics) SetActiveScans(count int) {
	m.activeScans.Set(float64(count))
}

// Schedule metrics

// IncrementSchedulesTriggered increments the schedule trigger counter.
func (m *Metrics) IncrementSchedulesTriggered(scheduleType string) {
	m.schedulesTriggered.WithLabelValues(scheduleType).Inc()
}

// IncrementScheduleErrors increments the schedule error counter.
func (m *Metrics) IncrementScheduleErrors(stage string) {
	m.scheduleErrors.WithLabelValues(stage).Inc()
}

// SetActiveSchedules sets the number of schedules with a running scan.
func (m *Metrics) SetActiveSchedules(count int) {
	m.activeSchedules.Set(float64(count))
}

// Database metrics

// ObserveQuery records a database query with its outcome and duration.
func (m *Metrics) ObserveQuery(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		m.dbErrors.WithLabelValues(operation).Inc()
	}
	m.dbQueries.WithLabelValues(operation, status).Inc()
	m.dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// System metrics

// UpdateSystemMetrics refreshes the runtime gauges.
func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.memoryUsage.Set(float64(memStats.Alloc))
	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.uptime.Set(time.Since(m.startTime).Seconds())
	m.lastUpdate = time.Now()
}

// LastUpdate returns the time of the last system metrics refresh.
func (m *Metrics) LastUpdate() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUpdate
}

// StartPeriodicUpdates refreshes system metrics until the context is
// cancelled.
func (m *Metrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UpdateSystemMetrics()
		}
	}
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Default returns the process-wide Metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = New()
	})
	return globalMetrics
}

// ObserveScan records a finished scan on the default instance.
func ObserveScan(profile, status string, duration time.Duration) {
	Default().ObserveScan(profile, status, duration)
}

// IncrementScanErrors increments scan errors on the default instance.
func IncrementScanErrors(profile, errorType string) {
	Default().IncrementScanErrors(profile, errorType)
}

// SetActiveScans sets the running scan gauge on the default instance.
func SetActiveScans(count int) {
	Default().SetActiveScans(count)
}

// IncrementSchedulesTriggered increments schedule triggers on the default
// instance.
func IncrementSchedulesTriggered(scheduleType string) {
	Default().IncrementSchedulesTriggered(scheduleType)
}

// IncrementScheduleErrors increments schedule errors on the default instance.
func IncrementScheduleErrors(stage string) {
	Default().IncrementScheduleErrors(stage)
}

// SetActiveSchedules sets the active schedule gauge on the default instance.
func SetActiveSchedules(count int) {
	Default().SetActiveSchedules(count)
}

// ObserveQuery records a database query on the default instance.
func ObserveQuery(operation string, duration time.Duration, err error) {
	Default().ObserveQuery(operation, duration, err)
}
