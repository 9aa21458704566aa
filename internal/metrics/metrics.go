// Package metrics provides Prometheus metrics for the transfer daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bitlynq"

// Label constants for consistent labeling across metrics.
const (
	LabelKind      = "kind"      // event kind
	LabelOperation = "operation" // update_status, update_metadata, ...
	LabelEngine    = "engine"    // live, simulated
	LabelStatus    = "status"    // job status
)

// Counters track cumulative values that only increase.
var (
	// EventsProcessedTotal counts engine events dispatched to a handler.
	EventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Total engine events dispatched",
		},
		[]string{LabelKind},
	)

	// EventsUnknownTotal counts events with no registered handler.
	EventsUnknownTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_unknown_total",
			Help:      "Total engine events of unrecognised kind",
		},
	)

	// EventHandlerFailuresTotal counts handler errors and recovered panics.
	EventHandlerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_handler_failures_total",
			Help:      "Total event handler failures",
		},
		[]string{LabelKind},
	)

	// StoreWriteErrorsTotal counts failed persistence writes from the loops.
	StoreWriteErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_write_errors_total",
			Help:      "Total failed store writes",
		},
		[]string{LabelOperation},
	)

	// ReconcileTicksTotal counts reconciliation passes.
	ReconcileTicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_ticks_total",
			Help:      "Total reconciliation passes",
		},
	)

	// JobsRegisteredTotal counts successful registrations.
	JobsRegisteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_registered_total",
			Help:      "Total jobs registered with the engine",
		},
		[]string{LabelEngine},
	)

	// JobsCompletedTotal counts jobs that finished downloading.
	JobsCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total jobs that finished downloading",
		},
	)

	// WatchFilesTotal counts .torrent files picked up from watch folders.
	WatchFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_files_total",
			Help:      "Total torrent files picked up from watch folders",
		},
		[]string{"result"},
	)
)

// Gauges track values that can go up or down.
var (
	// ActiveJobs tracks jobs currently held in the registry.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs currently registered with the engine",
		},
	)

	// DownloadRateBytes tracks the session-wide download rate.
	DownloadRateBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_rate_bytes",
			Help:      "Session download rate in bytes per second",
		},
	)

	// UploadRateBytes tracks the session-wide upload rate.
	UploadRateBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upload_rate_bytes",
			Help:      "Session upload rate in bytes per second",
		},
	)

	// EngineInfo is 1 for the active engine kind.
	EngineInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_info",
			Help:      "Active engine adapter (1 for the active kind)",
		},
		[]string{LabelEngine},
	)
)
