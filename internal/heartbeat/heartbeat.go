// Package heartbeat implements host liveness tracking: accepting
// heartbeat pings, and a periodic ticker that marks unresponsive hosts
// offline and cascades to their active sessions.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/rjsadow/relaydesk/internal/config"
	"github.com/rjsadow/relaydesk/internal/db"
	"github.com/rjsadow/relaydesk/internal/metrics"
	"github.com/rjsadow/relaydesk/internal/reliability"
	"github.com/rjsadow/relaydesk/internal/sessions"
)

// Monitor implements registerHeartbeat and handleHostTimeouts.
type Monitor struct {
	db       *db.DB
	sessions *sessions.Service
	cfg      *config.Config
}

// New builds a heartbeat monitor.
func New(database *db.DB, svc *sessions.Service, cfg *config.Config) *Monitor {
	return &Monitor{db: database, sessions: svc, cfg: cfg}
}

// RegisterHeartbeat implements registerHeartbeat(hostId, status?).
func (m *Monitor) RegisterHeartbeat(ctx context.Context, hostID string, status db.PCStatus) error {
	now := time.Now()
	return m.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if err := m.db.UpdateHostLastSeen(ctx, tx, hostID, now); err != nil {
			return err
		}
		if status != "" {
			if err := m.db.BulkUpdatePCStatusByHost(ctx, tx, hostID, status); err != nil {
				return err
			}
		}
		minute := now.Truncate(time.Minute)
		return m.db.UpsertHostOnlineMinute(ctx, tx, hostID, minute)
	})
}

// hasActiveSession reports whether the given host currently has any PC
// carrying an ACTIVE session, which selects the longer active-session
// heartbeat timeout.
func (m *Monitor) hasActiveSession(ctx context.Context, tx bun.IDB, hostID string) (bool, error) {
	pcs, err := m.db.ListNonOfflinePCsByHost(ctx, tx, hostID)
	if err != nil {
		return false, err
	}
	if len(pcs) == 0 {
		return false, nil
	}
	ids := make([]string, len(pcs))
	for i, pc := range pcs {
		ids[i] = pc.ID
	}
	active, err := m.db.ListActiveSessionsForPCs(ctx, tx, ids)
	if err != nil {
		return false, err
	}
	return len(active) > 0, nil
}

// HandleHostTimeouts implements handleHostTimeouts(): marks stale hosts
// offline, emits HOST_DOWN, and ends their active sessions with
// failureReason=HOST and releaseStatus=OFFLINE.
//
// The effective timeout is chosen per host (idle vs active), so a
// single stale-heartbeat cutoff can't be computed up front; instead
// every host with ANY non-OFFLINE PC and a lastSeenAt older than the
// idle timeout is considered, then re-checked individually against its
// own effective timeout and grace window.
func (m *Monitor) HandleHostTimeouts(ctx context.Context) (int, error) {
	now := time.Now()
	candidateCutoff := now.Add(-m.cfg.HostHeartbeatTimeout)
	hosts, err := m.db.ListHostsWithStaleHeartbeat(ctx, nil, candidateCutoff)
	if err != nil {
		return 0, err
	}

	downed := 0
	for _, host := range hosts {
		active, err := m.hasActiveSession(ctx, nil, host.ID)
		if err != nil {
			slog.Error("handleHostTimeouts: hasActiveSession failed", "hostId", host.ID, "error", err)
			continue
		}

		timeout := m.cfg.HostHeartbeatTimeout
		grace := m.cfg.HostOfflineGrace
		if active {
			timeout = m.cfg.HostHeartbeatTimeoutActive
			grace = m.cfg.HostOfflineGraceActive
		}
		// The grace window delays terminal action on marginally-late
		// hosts: only act once lastSeenAt is older than timeout+grace.
		deadline := now.Add(-(timeout + grace))
		if host.LastSeenAt.After(deadline) {
			continue
		}

		if err := m.downHost(ctx, host, now); err != nil {
			slog.Error("handleHostTimeouts: downHost failed", "hostId", host.ID, "error", err)
			continue
		}
		downed++
	}
	return downed, nil
}

func (m *Monitor) downHost(ctx context.Context, host db.HostProfile, now time.Time) error {
	return m.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		pcs, err := m.db.ListNonOfflinePCsByHost(ctx, tx, host.ID)
		if err != nil {
			return err
		}
		if len(pcs) == 0 {
			return nil
		}
		if err := m.db.BulkUpdatePCStatusByHost(ctx, tx, host.ID, db.PCStatusOffline); err != nil {
			return err
		}
		if err := m.db.InsertReliabilityEvent(ctx, tx, host.ID, db.ReliabilityEventHostDown); err != nil {
			return err
		}
		newScore := reliability.ApplyEvent(host.ReliabilityScore, reliability.EventHostDown)
		if err := m.db.UpdateHostReliabilityScore(ctx, tx, host.ID, newScore); err != nil {
			return err
		}
		metrics.HostDownTotal.Inc()

		ids := make([]string, len(pcs))
		for i, pc := range pcs {
			ids[i] = pc.ID
		}
		active, err := m.db.ListActiveSessionsForPCs(ctx, tx, ids)
		if err != nil {
			return err
		}
		for _, session := range active {
			if _, err := m.sessions.EndSessionTx(ctx, tx, session.ID, db.FailureHost, db.PCStatusOffline, now); err != nil {
				slog.Error("handleHostTimeouts: endSession failed", "sessionId", session.ID, "error", err)
			}
		}
		return nil
	})
}
