// Package metrics exposes Prometheus counters and gauges for the
// coordination core: sessions, queue depth, relay rooms, and
// settlement payouts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsCreatedTotal counts sessions created.
	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaydesk_sessions_created_total",
		Help: "Total number of sessions created.",
	})

	// SessionsEndedTotal counts sessions reaching a terminal state, by
	// failure reason (NONE, HOST, CLIENT, PLATFORM).
	SessionsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaydesk_sessions_ended_total",
		Help: "Total number of sessions reaching a terminal state, by failure reason.",
	}, []string{"failure_reason"})

	// ActiveSessions tracks the current count of PENDING+ACTIVE sessions,
	// refreshed from the database by the background sweep rather than
	// incremented in-transaction, so rollbacks cannot drift it.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaydesk_active_sessions",
		Help: "Current number of PENDING or ACTIVE sessions.",
	})

	// QueueDepth tracks the current count of WAITING queue entries,
	// refreshed alongside ActiveSessions.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaydesk_queue_depth",
		Help: "Current number of WAITING queue entries across all PCs.",
	})

	// QueuePromotionsTotal counts queue entries promoted to a session.
	QueuePromotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaydesk_queue_promotions_total",
		Help: "Total number of queue entries promoted to an active session.",
	})

	// HostDownTotal counts heartbeat-timeout cascades.
	HostDownTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaydesk_host_down_total",
		Help: "Total number of host heartbeat-timeout cascades.",
	})

	// RelayRooms tracks the current count of live relay rendezvous rooms.
	RelayRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaydesk_relay_rooms",
		Help: "Current number of live relay rendezvous rooms.",
	})

	// RelayFramesForwardedTotal counts frames forwarded, by direction
	// ("host_to_client" binary, "client_to_host" control JSON).
	RelayFramesForwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaydesk_relay_frames_forwarded_total",
		Help: "Total number of relay frames forwarded, by direction.",
	}, []string{"direction"})

	// RelayFramesDroppedTotal counts frames dropped, by reason
	// (rate_limited, backpressure, oversize, unknown_payload).
	RelayFramesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaydesk_relay_frames_dropped_total",
		Help: "Total number of relay frames dropped, by reason.",
	}, []string{"reason"})

	// SettlementHostPayoutTotal sums host payouts credited on session end.
	SettlementHostPayoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaydesk_settlement_host_payout_total",
		Help: "Cumulative host payout credited across all settled sessions.",
	})

	// SettlementPlatformFeeTotal sums platform fees retained on session end.
	SettlementPlatformFeeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaydesk_settlement_platform_fee_total",
		Help: "Cumulative platform fee retained across all settled sessions.",
	})
)

// RecordSessionEnded increments the terminal-state counter and the
// settlement payout counters, called once per EndSession.
func RecordSessionEnded(failureReason string, hostPayout, platformFee float64) {
	SessionsEndedTotal.WithLabelValues(failureReason).Inc()
	SettlementHostPayoutTotal.Add(hostPayout)
	SettlementPlatformFeeTotal.Add(platformFee)
}
