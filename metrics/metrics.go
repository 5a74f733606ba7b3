// Package metrics exposes Prometheus collectors for the SMTP server core
// and the admin HTTP router that serves them.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rook"

var (
	// HookDispatchTotal counts dispatches by hook and final result code.
	HookDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hooks",
			Name:      "dispatch_total",
			Help:      "Hook dispatches by hook name and resulting code",
		},
		[]string{"hook", "code"},
	)

	// HookDispatchDuration measures a whole dispatch, all callbacks included.
	HookDispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "hooks",
			Name:      "dispatch_duration_seconds",
			Help:      "Hook dispatch duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"hook"},
	)

	// PluginPanicsTotal counts recovered callback panics.
	PluginPanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hooks",
			Name:      "plugin_panics_total",
			Help:      "Recovered plugin callback panics by hook and plugin",
		},
		[]string{"hook", "plugin"},
	)

	// ConnectionsActive tracks open client connections.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "connections_active",
			Help:      "Number of open SMTP connections",
		},
	)

	// TransactionsTotal counts finished transactions by outcome
	// (queued, rejected, reset).
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "transactions_total",
			Help:      "Finished mail transactions by outcome",
		},
		[]string{"outcome"},
	)

	// TLSHandshakesTotal counts handshakes by mode (starttls, implicit,
	// nonblocking) and outcome (ok, failed).
	TLSHandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "handshakes_total",
			Help:      "TLS handshakes by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)
)

var ready atomic.Bool

// SetReady flips the /healthz answer between 503 and 200.
func SetReady(v bool) {
	ready.Store(v)
}

// Router returns the admin router serving /metrics and /healthz.
func Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("starting"))
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
