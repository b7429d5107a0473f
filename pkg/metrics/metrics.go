// Package metrics exposes this service's Prometheus instrumentation,
// renamed from the teacher's cluster-orchestration nouns (nodes,
// services, containers) to this domain's (projects, tables, commands).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ProjectsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storageduckdb_projects_total",
			Help: "Total number of projects",
		},
	)

	TablesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "storageduckdb_tables_total",
			Help: "Total number of tables by project",
		},
		[]string{"project"},
	)

	BranchesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storageduckdb_branches_total",
			Help: "Total number of dev branches across all projects",
		},
	)

	ActiveTableLocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storageduckdb_active_table_locks",
			Help: "Number of table locks currently held",
		},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storageduckdb_api_requests_total",
			Help: "Total number of HTTP requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storageduckdb_api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// CommandsTotal counts dispatcher invocations by command name and
	// outcome ("ok" or an apierr.Kind string).
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storageduckdb_commands_total",
			Help: "Total number of dispatcher commands executed by name and outcome",
		},
		[]string{"command", "outcome"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storageduckdb_command_duration_seconds",
			Help:    "Dispatcher command duration in seconds by command name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	CommandsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storageduckdb_commands_in_flight",
			Help: "Number of dispatcher commands currently executing",
		},
	)

	ImportRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storageduckdb_import_rows_total",
			Help: "Total number of rows imported by project",
		},
		[]string{"project"},
	)

	ExportRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storageduckdb_export_rows_total",
			Help: "Total number of rows exported by project",
		},
		[]string{"project"},
	)

	SnapshotsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storageduckdb_snapshots_created_total",
			Help: "Total number of snapshots created by type",
		},
		[]string{"type"},
	)

	SnapshotRestoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storageduckdb_snapshot_restore_duration_seconds",
			Help:    "Time taken to restore a snapshot in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActiveWireSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storageduckdb_active_wire_sessions",
			Help: "Number of active wire-protocol sessions",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ProjectsTotal,
		TablesTotal,
		BranchesTotal,
		ActiveTableLocks,
		APIRequestsTotal,
		APIRequestDuration,
		CommandsTotal,
		CommandDuration,
		CommandsInFlight,
		ImportRowsTotal,
		ExportRowsTotal,
		SnapshotsCreatedTotal,
		SnapshotRestoreDuration,
		ActiveWireSessions,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an in-flight operation for later histogram observation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
