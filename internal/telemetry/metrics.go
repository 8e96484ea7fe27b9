package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hivemesh",
			Name:      "messages_relayed_total",
			Help:      "Messages forwarded to a next hop.",
		},
	)

	MessagesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hivemesh",
			Name:      "messages_delivered_total",
			Help:      "Messages delivered to the local peer.",
		},
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hivemesh",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped, by reason.",
		},
		[]string{"reason"},
	)

	RoutesDiscovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hivemesh",
			Name:      "routes_discovered_total",
			Help:      "Routes installed from advertisements.",
		},
	)

	PoolCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hivemesh",
			Name:      "pool_connections_created_total",
			Help:      "Connections created by the pool.",
		},
	)

	PoolReused = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hivemesh",
			Name:      "pool_connections_reused_total",
			Help:      "Pooled connections reused after a health check.",
		},
	)

	PoolEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hivemesh",
			Name:      "pool_connections_evicted_total",
			Help:      "Pooled connections closed as idle, unhealthy or over capacity.",
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "hivemesh",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(MessagesRelayed, MessagesDelivered, MessagesDropped,
		RoutesDiscovered, PoolCreated, PoolReused, PoolEvicted, uptime)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Drop reasons used as label values.
const (
	DropTTLExpired = "ttl_expired"
	DropDuplicate  = "duplicate"
	DropNoRoute    = "no_route"
	DropForward    = "forward_failed"
	DropMalformed  = "malformed"
)
