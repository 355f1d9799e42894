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

// HTTP metrics.
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skald_api_request_duration_seconds",
		Help:    "HTTP request latency by method, endpoint and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_api_requests_total",
		Help: "HTTP requests by method, endpoint and status.",
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skald_api_active_connections",
		Help: "In-flight HTTP requests.",
	})

	LongPollWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skald_api_long_poll_waiters",
		Help: "Clients currently parked in the state long poll.",
	})
)

// Database metrics.
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skald_db_query_duration_seconds",
		Help:    "Database operation latency by operation and table.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_db_errors_total",
		Help: "Database errors by operation and kind.",
	}, []string{"operation", "kind"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skald_db_connections_active",
		Help: "Open database connections.",
	})
)

// Playback metrics.
var (
	TracksStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_playback_tracks_started_total",
		Help: "Tracks that reached audible playback.",
	})

	BufferUnderruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_playback_underruns_total",
		Help: "Output device buffer underruns.",
	})

	SilenceSkippedSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_playback_silence_skipped_seconds_total",
		Help: "Seconds of silence dropped by the compressor.",
	})

	PlaybackErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_playback_errors_total",
		Help: "Playback loop errors.",
	})

	PlaylistRefills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_selector_refills_total",
		Help: "Playlist refill rounds performed by the selector.",
	})

	PurgedTracks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_selector_purged_tracks_total",
		Help: "Tracks purged because their backing file vanished.",
	})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
