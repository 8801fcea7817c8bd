/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP API metrics.
var (
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdall_api_requests_total",
		Help: "HTTP requests processed, labelled by method, endpoint and status.",
	}, []string{"method", "endpoint", "status"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "heimdall_api_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "heimdall_api_active_connections",
		Help: "HTTP requests currently in flight.",
	})
)

// Reconciliation engine metrics.
var (
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdall_engine_evaluations_total",
		Help: "Screen evaluations, labelled by what triggered them.",
	}, []string{"trigger"})

	EvaluationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heimdall_engine_evaluation_failures_total",
		Help: "Evaluations that errored and kept the previous decision.",
	})

	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "heimdall_engine_evaluation_duration_seconds",
		Help:    "Time spent loading entries and resolving a winner.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	DecisionChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heimdall_engine_decision_changes_total",
		Help: "Evaluations whose winner differed from the cached decision.",
	})

	BoundaryTimerFires = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heimdall_engine_boundary_timer_fires_total",
		Help: "Interval edge timers that fired and marked a screen dirty.",
	})

	SweepTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heimdall_engine_sweep_ticks_total",
		Help: "Full-fleet safety sweeps executed.",
	})

	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "heimdall_engine_workers_active",
		Help: "Per-screen reconciliation workers currently running.",
	})
)

// Device synchronizer metrics.
var (
	DeviceSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "heimdall_sync_device_sessions_active",
		Help: "WebSocket device sessions currently connected.",
	})

	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdall_sync_deliveries_total",
		Help: "Decision deliveries, labelled by outcome.",
	}, []string{"result"})

	DeliveryTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heimdall_sync_delivery_timeouts_total",
		Help: "Deliveries that were not acknowledged in time.",
	})

	HeartbeatMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heimdall_sync_heartbeat_misses_total",
		Help: "Missed device heartbeats.",
	})

	DeviceResyncsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heimdall_sync_device_resyncs_total",
		Help: "Full decision resyncs sent on device connect.",
	})
)

// Store metrics.
var (
	StoreConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heimdall_store_version_conflicts_total",
		Help: "Optimistic lock failures on schedule entry writes.",
	})
)

// Database metrics, recorded via GORM callbacks.
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "heimdall_database_query_duration_seconds",
		Help:    "Database operation latency by operation and table.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdall_database_errors_total",
		Help: "Database errors by operation and type.",
	}, []string{"operation", "type"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "heimdall_database_connections_active",
		Help: "Open database connections.",
	})
)

// Content metrics.
var (
	ContentUploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdall_content_uploads_total",
		Help: "Content asset uploads by result.",
	}, []string{"result"})

	ContentSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heimdall_content_swept_assets_total",
		Help: "Staged assets removed by the retention sweeper.",
	})
)

// Notification metrics.
var (
	NotificationsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdall_notifications_sent_total",
		Help: "Notifications recorded or forwarded, labelled by channel.",
	}, []string{"channel"})
)

// Leadership metrics.
var (
	LeaderElectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "heimdall_leader_election_status",
		Help: "1 when this instance currently holds leadership.",
	})

	LeaderElectionChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdall_leader_election_changes_total",
		Help: "Leadership transitions, labelled acquired or lost.",
	}, []string{"transition"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
