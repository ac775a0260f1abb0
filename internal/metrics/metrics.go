// Package metrics provides Prometheus instrumentation for matchroom: live
// connections, selection outcomes, cache efficiency, credit debits and
// message throughput.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchroom_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts chat messages by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchroom_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"}) // outcome = "delivered", "pending", "rejected"

	// SelectionsTotal counts selection runs by pool mode and outcome.
	SelectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchroom_selections_total",
		Help: "Total number of partner selections",
	}, []string{"mode", "outcome"}) // outcome = "matched", "no_match", "relaxed"

	// SelectionLatency records how long a selection takes, cache included.
	SelectionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchroom_selection_latency_seconds",
		Help:    "Partner selection latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// CacheLookups counts match cache lookups by result.
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchroom_match_cache_lookups_total",
		Help: "Match cache lookups",
	}, []string{"result"}) // result = "hit", "miss", "error"

	// DebitsTotal counts dual debits by backend and outcome.
	DebitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchroom_debits_total",
		Help: "Dual-party credit debits",
	}, []string{"backend", "outcome"}) // backend = "transaction", "compensating"

	// ActiveRooms tracks rooms with at least one participant connected.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchroom_active_rooms",
		Help: "Current number of rooms with a connected participant",
	})

	// RateLimited counts rejected actions by action name.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchroom_rate_limited_total",
		Help: "Actions rejected by the rate limiter",
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		SelectionsTotal,
		SelectionLatency,
		CacheLookups,
		DebitsTotal,
		ActiveRooms,
		RateLimited,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
