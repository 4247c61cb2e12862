// Package metrics exposes the collaboration server's Prometheus
// counters and gauges. Ambient observability is carried regardless of
// spec.md's Non-goals (clustering, replay, persistence are scoped
// out; the server still reports its own health) following this
// corpus's convention of instrumenting servers with
// prometheus/client_golang.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the collaboration server touches.
// One Registry is constructed per process and threaded through
// ServerContext, room.Manager and the relay by constructor injection,
// matching this repo's no-globals rule.
type Registry struct {
	RoomsActive      prometheus.Gauge
	PeersConnected   prometheus.Gauge
	JoinOutcomes     *prometheus.CounterVec
	EnvelopesRelayed *prometheus.CounterVec
	RequestsHandled  *prometheus.CounterVec
	CryptoFailures   prometheus.Counter
}

// NewRegistry builds a fresh Registry and registers every collector
// against reg. Passing prometheus.NewRegistry() (rather than the
// global DefaultRegisterer) keeps tests from colliding over the
// package-level default.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sealedroom",
			Name:      "rooms_active",
			Help:      "Number of rooms currently open (host connected).",
		}),
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sealedroom",
			Name:      "peers_connected",
			Help:      "Number of peer connections currently admitted to a room.",
		}),
		JoinOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sealedroom",
			Name:      "join_outcomes_total",
			Help:      "Join attempts by outcome (admitted, denied, timeout, invalid_token).",
		}, []string{"outcome"}),
		EnvelopesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sealedroom",
			Name:      "envelopes_relayed_total",
			Help:      "Envelopes forwarded by the message relay, by kind.",
		}, []string{"kind"}),
		RequestsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sealedroom",
			Name:      "server_requests_total",
			Help:      "Requests handled locally by the collaboration server, by method and outcome.",
		}, []string{"method", "outcome"}),
		CryptoFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sealedroom",
			Name:      "crypto_failures_total",
			Help:      "Envelopes dropped for a decryption or unseal failure.",
		}),
	}

	reg.MustRegister(
		m.RoomsActive,
		m.PeersConnected,
		m.JoinOutcomes,
		m.EnvelopesRelayed,
		m.RequestsHandled,
		m.CryptoFailures,
	)
	return m
}
