// Package metrics exposes the daemon's prometheus instrumentation. All
// collectors register on the default registry; Handler serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stratumd",
		Name:      "active_connections",
		Help:      "Number of currently registered client sessions.",
	})

	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stratumd",
		Name:      "connections_accepted_total",
		Help:      "Connections admitted past the ban gate and registered.",
	})

	ConnectionsRejectedBanned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stratumd",
		Name:      "connections_rejected_banned_total",
		Help:      "Connections closed at accept because the address was banned.",
	})

	ConnectionsRejectedLimit = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stratumd",
		Name:      "connections_rejected_limit_total",
		Help:      "Connections closed at accept because the session cap was reached.",
	})

	RequestsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stratumd",
		Name:      "requests_dispatched_total",
		Help:      "Requests successfully decoded and handed to the dispatcher.",
	})

	MalformedPayloads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stratumd",
		Name:      "malformed_payloads_total",
		Help:      "Inbound chunks that failed deserialization.",
	})

	Disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stratumd",
		Name:      "disconnects_total",
		Help:      "Session teardowns by cause.",
	}, []string{"cause"})
)

// Disconnect causes.
const (
	CauseEOF   = "eof"
	CauseReset = "reset"
	CauseError = "error"
	CauseBan   = "ban"
	CauseAdmin = "admin"
)

// Handler returns the HTTP handler serving the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
