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

const namespace = "grimnir_jukebox"

var (
	// Queue and admission

	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "length",
		Help:      "Number of entries in the play queue including the current one.",
	})

	QueueOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "operations_total",
		Help:      "Queue mutations by operation.",
	}, []string{"operation"})

	AdmissionRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "rejected_total",
		Help:      "Enqueue requests rejected, by error code.",
	}, []string{"code"})

	AdmissionActiveUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "active_users",
		Help:      "Users with at least one request inside the admission window.",
	})

	// Resolution

	ResolutionCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "cache_lookups_total",
		Help:      "Resolution cache lookups by tier and result.",
	}, []string{"tier", "result"})

	ResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "duration_seconds",
		Help:      "Time spent resolving a source reference.",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 20, 40},
	}, []string{"outcome"})

	// Processes

	ExtractorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "extractor_runs_total",
		Help:      "Extractor invocations by outcome.",
	}, []string{"outcome"})

	ExtractorInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "extractor_in_flight",
		Help:      "Extractor processes currently running.",
	})

	PlayerStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "player_starts_total",
		Help:      "Player process starts by reason.",
	}, []string{"reason"})

	PlayerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "player_healthy",
		Help:      "1 when the player process passed its last liveness check.",
	})

	// IPC and playback

	IPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ipc",
		Name:      "requests_total",
		Help:      "Player IPC requests by command and outcome.",
	}, []string{"command", "outcome"})

	IPCReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ipc",
		Name:      "reconnects_total",
		Help:      "IPC reconnect attempts by outcome.",
	}, []string{"outcome"})

	PlaybackRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "playback",
		Name:      "recoveries_total",
		Help:      "Controller recovery attempts by method and outcome.",
	}, []string{"method", "outcome"})

	// Orchestrator

	OrchestratorTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "transitions_total",
		Help:      "Playback state transitions.",
	}, []string{"from", "to"})

	OrchestratorStaleEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "stale_events_total",
		Help:      "Results and player events discarded because they belonged to a superseded transition.",
	}, []string{"kind"})

	OrchestratorAutoSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "auto_skips_total",
		Help:      "Automatic advances after a failure, by error code.",
	}, []string{"code"})

	PlaybackStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "status",
		Help:      "1 for the current playback status, 0 otherwise.",
	}, []string{"status"})

	// Ops API

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Ops API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Ops API requests.",
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "active_connections",
		Help:      "Ops API requests in flight.",
	})
)

// Handler exposes metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetPlaybackStatus flips the status gauge so exactly one status reads 1.
func SetPlaybackStatus(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		PlaybackStatus.WithLabelValues(s).Set(v)
	}
}
