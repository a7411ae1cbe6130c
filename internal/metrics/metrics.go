// Package metrics provides Prometheus instrumentation for the matchmaking
// services. It exposes gauges for connection, pool and room counts, counters
// for match outcomes, and histograms for matching and media-setup latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sparkdate_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// PoolSize tracks the current number of participants waiting in the
	// matching pool.
	PoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sparkdate_match_pool_size",
		Help: "Current number of participants in the matching pool",
	})

	// ActiveRooms tracks the current number of non-closed rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sparkdate_active_rooms",
		Help: "Current number of non-closed rooms",
	})

	// MatchesTotal counts pairings made by the matcher.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sparkdate_matches_total",
		Help: "Total number of pairings made",
	})

	// MutualMatchesTotal counts rooms where both participants liked each other.
	MutualMatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sparkdate_mutual_matches_total",
		Help: "Total number of mutual-like matches",
	})

	// RoomsEndedTotal counts room terminations, labeled by reason.
	RoomsEndedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sparkdate_rooms_ended_total",
		Help: "Total number of room terminations",
	}, []string{"reason"})

	// MatchDuration records the time from search start to match found.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sparkdate_match_duration_seconds",
		Help:    "Time from search start to match found",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 25, 30},
	})

	// MediaSetupDuration records the time from room formation to both sides
	// having a working media path.
	MediaSetupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sparkdate_media_setup_seconds",
		Help:    "Time from room formation to active media on both sides",
		Buckets: []float64{.5, 1, 2, 3, 5, 8, 10, 15},
	})

	// RoomDuration records how long rooms stay active before ending.
	RoomDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sparkdate_room_duration_seconds",
		Help:    "Room lifetime from creation to termination",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		PoolSize,
		ActiveRooms,
		MatchesTotal,
		MutualMatchesTotal,
		RoomsEndedTotal,
		MatchDuration,
		MediaSetupDuration,
		RoomDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
