// Package metrics registers the server's Prometheus collectors with the
// default registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatrelay"

// Delivery label values for MessagesTotal.
const (
	DeliveryLive   = "live"
	DeliveryStored = "stored"
	DeliveryFailed = "failed"
)

// ConnectionsActive counts accepted TCP connections that have not closed yet,
// authenticated or not.
var ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "connections_active",
	Help:      "Number of open client connections.",
})

var SessionsOnline = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "sessions_online",
	Help:      "Number of users in the roster.",
})

// HandshakesTotal labels:
//   - action: login or register
//   - result: success, invalid_credentials, duplicate, rejected, error
var HandshakesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshakes_total",
		Help:      "Handshake attempts by action and result.",
	},
	[]string{"action", "result"},
)

// MessagesTotal counts persisted messages by how they left the server.
var MessagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Relayed messages by delivery outcome.",
	},
	[]string{"delivery"},
)

var BroadcastFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "broadcast_failures_total",
	Help:      "Roster frames that could not be written to a session.",
})

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
