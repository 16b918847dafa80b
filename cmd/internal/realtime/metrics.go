package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coopchat_ws_connections_active",
		Help: "Live websocket connections registered in the Registry.",
	})

	metricRoomSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coopchat_ws_room_subscriptions",
		Help: "Current (connection, chat) subscription pairs.",
	})

	metricBroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coopchat_ws_broadcasts_total",
		Help: "Broadcast calls issued to chat rooms.",
	})

	metricDroppedDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coopchat_ws_dropped_deliveries_total",
		Help: "Per-connection deliveries that failed and scheduled a disconnect.",
	})

	metricStreamRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coopchat_bot_stream_runs_total",
		Help: "Completed StreamRelay runs by outcome.",
	}, []string{"outcome"})
)
