// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for connection, session, grace and ban counts, counters for
// message throughput and lifecycle outcomes, and a histogram for fan-out
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// AuthenticatedSessions tracks live sessions that hold an identity.
	AuthenticatedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_authenticated",
		Help: "Current number of authenticated sessions",
	})

	// GracePending tracks identities waiting out their reconnection grace period.
	GracePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_grace_pending",
		Help: "Current number of pending grace-period entries",
	})

	// BansActive tracks stored ban records.
	BansActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_bans_active",
		Help: "Current number of ban records",
	})

	// IdentitiesClaimed tracks the size of the claimed-name set.
	IdentitiesClaimed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_identities_claimed",
		Help: "Current number of claimed display names",
	})

	// MessagesTotal counts chat messages, labeled by outcome: "delivered",
	// "rate_limited", "invalid" or "command".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// ClaimsTotal counts identity claims, labeled by outcome: "fresh",
	// "quick_reconnect", "stale_reconnect", "banned" or "rejected".
	ClaimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_claims_total",
		Help: "Total number of identity claims by resolution",
	}, []string{"outcome"})

	// AnnouncementsTotal counts system lines, labeled by kind: "join",
	// "leave", "kick", "ban", "unban", "rename" or "notice".
	AnnouncementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_announcements_total",
		Help: "Total number of system announcements broadcast",
	}, []string{"kind"})

	// DeliveryFailures counts frames that could not be queued for a peer.
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_delivery_failures_total",
		Help: "Total number of failed per-peer deliveries",
	})

	// FramesDropped counts inbound data frames dropped by the flood guard.
	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_dropped_total",
		Help: "Total number of inbound frames dropped by the per-connection flood guard",
	})

	// BroadcastLatency records how long a fan-out takes, in seconds.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_broadcast_latency_seconds",
		Help:    "Broadcast fan-out latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		AuthenticatedSessions,
		GracePending,
		BansActive,
		IdentitiesClaimed,
		MessagesTotal,
		ClaimsTotal,
		AnnouncementsTotal,
		DeliveryFailures,
		FramesDropped,
		BroadcastLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
