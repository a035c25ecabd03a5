// Copyright 2024-2026 Aiku AI

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Values of the "direction" label of irc_relay_relayed_total.
const (
	directionToIRC    = "to_irc"
	directionToRemote = "to_remote"
)

// Drop reasons used as the "reason" label of irc_relay_dropped_total.
const (
	dropQueueFull   = "queue_full"
	dropSendFailed  = "send_failed"
	dropPostFailed  = "post_failed"
	dropInboxFull   = "inbox_full"
	dropOutboxFull  = "outbox_full"
	dropIdleExpired = "idle_expired"
)

// Metrics holds the bridge's Prometheus collectors. Each bridge owns its
// registry so several can coexist in one process (and in tests).
type Metrics struct {
	Registry *prometheus.Registry

	relayed           *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	sessions          prometheus.Gauge
	queued            prometheus.Gauge
	reconnectAttempts prometheus.Counter
	postRetries       prometheus.Counter
	reaped            prometheus.Counter
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irc_relay_relayed_total",
			Help: "Messages relayed, by direction.",
		}, []string{"direction"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irc_relay_dropped_total",
			Help: "Messages or fragments dropped, by reason.",
		}, []string{"reason"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irc_relay_sessions",
			Help: "IRC sessions currently held by the pool, including pending ones.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irc_relay_queued_fragments",
			Help: "Fragments waiting for a session to join the channel.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irc_relay_reconnect_attempts_total",
			Help: "Reconnect attempts of the primary relay session.",
		}),
		postRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irc_relay_post_retries_total",
			Help: "Retried posts to the remote network.",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irc_relay_reaped_sessions_total",
			Help: "Virtual sessions disconnected for inactivity.",
		}),
	}
	m.Registry.MustRegister(
		m.relayed,
		m.dropped,
		m.sessions,
		m.queued,
		m.reconnectAttempts,
		m.postRetries,
		m.reaped,
	)
	return m
}
