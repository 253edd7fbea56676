package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_ws_connections",
		Help: "Active websocket connections",
	})

	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_users",
		Help: "Users with at least one live connection",
	})

	EventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_dispatched_total",
		Help: "Outbound events written to connection buffers",
	}, []string{"type"})

	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_dropped_total",
		Help: "Outbound events that could not be delivered",
	}, []string{"reason"})

	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_sent_total",
		Help: "Messages persisted by the ledger",
	}, []string{"type"})

	Reconciliations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_unread_reconciliations_total",
		Help: "Unread counter reconciliation runs",
	}, []string{"result"})
)

var once sync.Once

// Init registers the collectors with the default registry. Safe to call
// more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(Connections, OnlineUsers, EventsDispatched, EventsDropped, MessagesSent, Reconciliations)
	})
}

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
