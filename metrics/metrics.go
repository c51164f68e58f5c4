// File: metrics/metrics.go
package metrics

import (
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection Metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coord_connections_active",
		Help: "The current number of online connections on this instance.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coord_connections_total",
		Help: "The total number of connections accepted.",
	})
	ReplacedConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coord_connections_replaced_total",
		Help: "The total number of connections superseded by a newer connection of the same user.",
	})
	ExpiredConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coord_connections_expired_total",
		Help: "The total number of connection records reclaimed by the expiry sweep.",
	})

	// Session Metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coord_sessions_active",
		Help: "The current number of sessions held by the directory.",
	})

	// Dispatch Metrics
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_events_dispatched_total",
		Help: "The total number of inbound events processed, by type.",
	}, []string{"type"})
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coord_events_dropped_total",
		Help: "The total number of events dropped because their target record was already resolved.",
	})

	// Delivery Metrics
	DeliveriesAttempted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coord_deliveries_attempted_total",
		Help: "The total number of per-target delivery attempts.",
	})
	DeliveriesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_deliveries_failed_total",
		Help: "The total number of failed deliveries, by failure class.",
	}, []string{"reason"})

	// Broker Metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_broker_messages_published_total",
		Help: "The total number of messages published to the message broker.",
	}, []string{"broker_type"})
	BrokerPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_broker_publish_retries_total",
		Help: "The total number of retries when publishing to the message broker.",
	}, []string{"broker_type"})
)

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string) {
	http.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	log.Printf("Starting metrics server on %s%s", addr, path)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Fatalf("Failed to start metrics server: %v", err)
		}
	}()
}
