// Package metrics provides Prometheus instrumentation for the pairchat server.
// It exposes a gauge for live connections, counters for pairing outcomes and
// message operations, and a histogram for event handling latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections
	// on this instance.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// PairingsTotal counts StartChat outcomes, labeled by result: "created",
	// "already_in_chat", "user_busy", "conflict", "error".
	PairingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_pairings_total",
		Help: "Total number of pairing attempts by result",
	}, []string{"result"})

	// MessagesTotal counts message log operations, labeled by op: "sent",
	// "edited", "deleted", "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_messages_total",
		Help: "Total number of message operations",
	}, []string{"op"})

	// StalePointersTotal counts session pointers cleared because their room
	// had already expired.
	StalePointersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairchat_stale_pointers_total",
		Help: "Session pointers cleared after their room expired",
	})

	// RoomsEndedTotal counts terminated rooms, labeled by reason:
	// "end_chat", "disconnect".
	RoomsEndedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_rooms_ended_total",
		Help: "Total number of rooms terminated",
	}, []string{"reason"})

	// EventLatency records client event handling latency in seconds.
	EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pairchat_event_latency_seconds",
		Help:    "Client event handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		PairingsTotal,
		MessagesTotal,
		StalePointersTotal,
		RoomsEndedTotal,
		EventLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
