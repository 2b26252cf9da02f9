// Package queue implements the FIFO waiting queue and slot-promotion
// logic described for PC admission control: join, leave, status lookup,
// and promoting the oldest waiter when a slot frees.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/rjsadow/relaydesk/internal/apperr"
	"github.com/rjsadow/relaydesk/internal/config"
	"github.com/rjsadow/relaydesk/internal/db"
	"github.com/rjsadow/relaydesk/internal/metrics"
	"github.com/rjsadow/relaydesk/internal/sessions"
)

// Manager implements join/leave/status/promoteNext over the session
// service, so admission and promotion share exactly one code path for
// creating and starting a session.
type Manager struct {
	db       *db.DB
	sessions *sessions.Service
	cfg      *config.Config
}

// New builds a queue manager bound to a session service. It also wires
// itself as the session service's PC-freed callback, so ending a
// session on a PC immediately promotes the next waiter.
func New(database *db.DB, svc *sessions.Service, cfg *config.Config) *Manager {
	m := &Manager{db: database, sessions: svc, cfg: cfg}
	svc.OnPCFreed(m.promoteNextTx)
	return m
}

// Status is the result of a queue position lookup.
type Status struct {
	QueueCount int
	Position   int // 0 when the caller has no WAITING entry
	EntryStatus db.QueueEntryStatus
	SessionID   string
}

// Join implements join(pcId, userId, minutesPurchased).
func (m *Manager) Join(ctx context.Context, pcID, userID string, minutesPurchased int, bypassCredits bool) (*Status, error) {
	var out *Status
	err := m.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		status, err := m.joinTx(ctx, tx, pcID, userID, minutesPurchased, bypassCredits)
		if err != nil {
			return err
		}
		out = status
		return nil
	})
	return out, err
}

func (m *Manager) joinTx(ctx context.Context, tx bun.IDB, pcID, userID string, minutesPurchased int, bypassCredits bool) (*Status, error) {
	existing, err := m.db.GetNonTerminalQueueEntry(ctx, tx, pcID, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		switch existing.Status {
		case db.QueueStatusWaiting:
			position, err := m.db.CountWaitingBefore(ctx, tx, existing)
			if err != nil {
				return nil, err
			}
			count, err := m.db.CountWaiting(ctx, tx, pcID)
			if err != nil {
				return nil, err
			}
			return &Status{QueueCount: count, Position: position, EntryStatus: existing.Status}, nil
		case db.QueueStatusPromoted:
			session, err := m.db.GetSession(ctx, tx, existing.SessionID)
			if err != nil {
				return nil, err
			}
			if session != nil && (session.Status == db.SessionStatusPending || session.Status == db.SessionStatusActive) {
				// Coming back claims the promoted slot before its TTL runs out.
				if err := m.db.ActivateQueueEntry(ctx, tx, existing.ID, existing.SessionID); err != nil {
					return nil, err
				}
				return &Status{EntryStatus: db.QueueStatusActive, SessionID: existing.SessionID}, nil
			}
			// The bound session already ended; retire the stale entry and
			// treat this as a fresh join.
			if err := m.db.UpdateQueueEntryStatus(ctx, tx, existing.ID, db.QueueStatusExpired); err != nil {
				return nil, err
			}
		case db.QueueStatusActive:
			return &Status{EntryStatus: existing.Status, SessionID: existing.SessionID}, nil
		}
	}

	if otherSession, err := m.db.GetNonTerminalSessionForUser(ctx, tx, userID); err != nil {
		return nil, err
	} else if otherSession != nil {
		return nil, apperr.SessionExists("user already has a non-terminal session")
	}

	pc, err := m.db.GetPC(ctx, tx, pcID)
	if err != nil {
		return nil, err
	}
	if pc == nil {
		return nil, apperr.PCNotFound("pc not found: " + pcID)
	}

	pcSession, err := m.db.GetNonTerminalSessionForPC(ctx, tx, pcID)
	if err != nil {
		return nil, err
	}

	if pc.Status == db.PCStatusOnline && pcSession == nil {
		entry := &db.QueueEntry{PCID: pcID, UserID: userID, Status: db.QueueStatusActive, MinutesPurchased: minutesPurchased}
		if err := m.db.CreateQueueEntry(ctx, tx, entry); err != nil {
			return nil, err
		}
		session, err := m.createAndStartTx(ctx, tx, pcID, userID, minutesPurchased, bypassCredits)
		if err != nil {
			return nil, err
		}
		if err := m.db.ActivateQueueEntry(ctx, tx, entry.ID, session.ID); err != nil {
			return nil, err
		}
		return &Status{EntryStatus: db.QueueStatusActive, SessionID: session.ID}, nil
	}

	entry := &db.QueueEntry{PCID: pcID, UserID: userID, Status: db.QueueStatusWaiting, MinutesPurchased: minutesPurchased}
	if err := m.db.CreateQueueEntry(ctx, tx, entry); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, apperr.SessionExists("user already has a non-terminal queue entry for this pc")
		}
		return nil, err
	}
	position, err := m.db.CountWaitingBefore(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	count, err := m.db.CountWaiting(ctx, tx, pcID)
	if err != nil {
		return nil, err
	}
	return &Status{QueueCount: count, Position: position, EntryStatus: db.QueueStatusWaiting}, nil
}

// createAndStartTx mirrors sessions.Service.CreateAndStart but runs
// inside the caller's transaction, since Join already holds one.
func (m *Manager) createAndStartTx(ctx context.Context, tx bun.IDB, pcID, userID string, minutesPurchased int, bypassCredits bool) (*db.Session, error) {
	return m.sessions.CreateAndStartTx(ctx, tx, pcID, userID, minutesPurchased, bypassCredits)
}

// Leave implements leave(pcId, userId): idempotent cancel of a WAITING entry.
func (m *Manager) Leave(ctx context.Context, pcID, userID string) error {
	entry, err := m.db.GetNonTerminalQueueEntry(ctx, nil, pcID, userID)
	if err != nil {
		return err
	}
	if entry == nil || entry.Status != db.QueueStatusWaiting {
		return apperr.NotFound("no waiting queue entry")
	}
	return m.db.UpdateQueueEntryStatus(ctx, nil, entry.ID, db.QueueStatusCancelled)
}

// QueueStatus implements status(pcId, userId?).
func (m *Manager) QueueStatus(ctx context.Context, pcID, userID string) (*Status, error) {
	count, err := m.db.CountWaiting(ctx, nil, pcID)
	if err != nil {
		return nil, err
	}
	out := &Status{QueueCount: count}
	if userID == "" {
		return out, nil
	}
	entry, err := m.db.GetNonTerminalQueueEntry(ctx, nil, pcID, userID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return out, nil
	}
	out.EntryStatus = entry.Status
	out.SessionID = entry.SessionID
	if entry.Status == db.QueueStatusWaiting {
		position, err := m.db.CountWaitingBefore(ctx, nil, entry)
		if err != nil {
			return nil, err
		}
		out.Position = position
	}
	return out, nil
}

// ListActiveForUser implements GET /my/queue/updates.
func (m *Manager) ListActiveForUser(ctx context.Context, userID string) ([]db.QueueEntry, error) {
	return m.db.ListActiveQueueEntriesForUser(ctx, nil, userID)
}

// promoteNextTx is the session service's onPCFreed callback: it picks
// the oldest WAITING entry for pcID, creates and starts a session for
// its user, and marks the entry PROMOTED within the same transaction
// that just freed the slot. The entry becomes ACTIVE when the user
// comes back and claims it (joinTx); a no-show is reclaimed by
// ExpirePromotedSlots after the promotion TTL.
func (m *Manager) promoteNextTx(ctx context.Context, tx bun.IDB, pcID string, now time.Time) error {
	for {
		entry, err := m.db.GetOldestWaiting(ctx, tx, pcID)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		session, err := m.createAndStartTx(ctx, tx, pcID, entry.UserID, entry.MinutesPurchased, false)
		if err != nil {
			if appErr, ok := err.(*apperr.Error); ok &&
				(appErr.Code == apperr.CodeInsufficientFunds || appErr.Code == apperr.CodeSessionExists) {
				// Wallet debit failed, or the waiter already holds a
				// session won elsewhere: expire this entry and try the
				// next-oldest waiter instead of leaving the slot idle.
				if err := m.db.UpdateQueueEntryStatus(ctx, tx, entry.ID, db.QueueStatusExpired); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if err := m.db.PromoteQueueEntry(ctx, tx, entry.ID, now, session.ID); err != nil {
			return err
		}
		metrics.QueuePromotionsTotal.Inc()
		return nil
	}
}

// ExpirePromotedSlots implements expirePromotedSlots(): expires PROMOTED
// entries older than the configured TTL whose user never claimed the
// slot, ends the no-show session, and re-promotes the next waiter.
func (m *Manager) ExpirePromotedSlots(ctx context.Context) (int, error) {
	now := time.Now()
	cutoff := now.Add(-m.cfg.QueuePromotionTTL)
	stale, err := m.db.ListPromotedOlderThan(ctx, nil, cutoff)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range stale {
		err := m.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			if err := m.db.UpdateQueueEntryStatus(ctx, tx, entry.ID, db.QueueStatusExpired); err != nil {
				return err
			}
			if entry.SessionID != "" {
				session, err := m.db.GetSession(ctx, tx, entry.SessionID)
				if err != nil {
					return err
				}
				if session != nil && (session.Status == db.SessionStatusPending || session.Status == db.SessionStatusActive) {
					// Ending the no-show session returns the PC to ONLINE,
					// which re-promotes the next waiter via onPCFreed.
					_, err := m.sessions.EndSessionTx(ctx, tx, entry.SessionID, db.FailureClient, db.PCStatusOnline, now)
					return err
				}
			}
			return m.promoteNextTx(ctx, tx, entry.PCID, now)
		})
		if err != nil {
			slog.Error("expirePromotedSlots: reclaim failed", "entryId", entry.ID, "pcId", entry.PCID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}
