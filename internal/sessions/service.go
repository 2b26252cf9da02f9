// Package sessions implements session creation, start, end, and
// expiration, composing serializable transactions over the db package
// and settling wallets via the settlement package on every terminal
// transition.
package sessions

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/rjsadow/relaydesk/internal/apperr"
	"github.com/rjsadow/relaydesk/internal/config"
	"github.com/rjsadow/relaydesk/internal/db"
	"github.com/rjsadow/relaydesk/internal/metrics"
	"github.com/rjsadow/relaydesk/internal/reliability"
	"github.com/rjsadow/relaydesk/internal/settlement"
)

// Service composes the session lifecycle operations: create, start,
// end, and expire. All mutating methods run inside a single transaction.
type Service struct {
	db  *db.DB
	cfg *config.Config

	// onPCFreed is set by the queue package after construction to
	// avoid an import cycle (queue depends on sessions, not vice
	// versa); endSession calls it to cascade a freed PC slot.
	onPCFreed func(ctx context.Context, tx bun.IDB, pcID string, now time.Time) error
}

// New builds a session service bound to a database and configuration.
func New(database *db.DB, cfg *config.Config) *Service {
	return &Service{db: database, cfg: cfg}
}

// OnPCFreed registers the callback invoked after a PC transitions back
// to ONLINE, used by the queue manager to promote the next waiter.
func (s *Service) OnPCFreed(fn func(ctx context.Context, tx bun.IDB, pcID string, now time.Time) error) {
	s.onPCFreed = fn
}

func newID() string { return uuid.NewString() }

// CreateSession implements createSession(pcId, clientId, minutesPurchased, bypassCredits?).
func (s *Service) CreateSession(ctx context.Context, pcID, clientUserID string, minutesPurchased int, bypassCredits bool) (*db.Session, error) {
	var out *db.Session
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		session, err := s.createSessionTx(ctx, tx, pcID, clientUserID, minutesPurchased, bypassCredits)
		if err != nil {
			return err
		}
		out = session
		return nil
	})
	return out, err
}

func (s *Service) createSessionTx(ctx context.Context, tx bun.IDB, pcID, clientUserID string, minutesPurchased int, bypassCredits bool) (*db.Session, error) {
	pc, err := s.db.GetPC(ctx, tx, pcID)
	if err != nil {
		return nil, err
	}
	if pc == nil {
		return nil, apperr.PCNotFound("pc not found: " + pcID)
	}
	if pc.Status == db.PCStatusOffline {
		return nil, apperr.PCOffline("pc is offline: " + pcID)
	}

	if existing, err := s.db.GetNonTerminalSessionForPC(ctx, tx, pcID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, apperr.SessionExists("pc already has a non-terminal session")
	}
	if existing, err := s.db.GetNonTerminalSessionForUser(ctx, tx, clientUserID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, apperr.SessionExists("user already has a non-terminal session")
	}

	cost := pc.PricePerHour * float64(minutesPurchased) / 60
	allowBypass := bypassCredits && !s.cfg.IsProduction()
	if !allowBypass {
		ok, err := s.db.DebitWallet(ctx, tx, clientUserID, cost)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.InsufficientFunds("wallet balance below required hold")
		}
	}

	session := &db.Session{
		ID:               newID(),
		PCID:             pcID,
		ClientUserID:     clientUserID,
		Status:           db.SessionStatusPending,
		MinutesPurchased: minutesPurchased,
		PricePerHour:     pc.PricePerHour,
		FailureReason:    db.FailureNone,
	}
	if err := s.db.CreateSession(ctx, tx, session); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, apperr.SessionExists("pc already has a non-terminal session")
		}
		return nil, err
	}
	metrics.SessionsCreatedTotal.Inc()
	return session, nil
}

// StartSession implements startSession(sessionId).
func (s *Service) StartSession(ctx context.Context, sessionID string) (*db.Session, error) {
	var out *db.Session
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		session, err := s.startSessionTx(ctx, tx, sessionID, time.Now())
		if err != nil {
			return err
		}
		out = session
		return nil
	})
	return out, err
}

func (s *Service) startSessionTx(ctx context.Context, tx bun.IDB, sessionID string, now time.Time) (*db.Session, error) {
	session, err := s.db.GetSession(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apperr.NotFound("session not found: " + sessionID)
	}
	if session.Status != db.SessionStatusPending {
		return nil, apperr.SessionNotActive("session is not PENDING")
	}

	pc, err := s.db.GetPC(ctx, tx, session.PCID)
	if err != nil {
		return nil, err
	}
	if pc == nil {
		return nil, apperr.PCNotFound("pc not found: " + session.PCID)
	}
	if pc.Status == db.PCStatusOffline {
		return nil, apperr.PCOffline("pc went offline before start")
	}

	endAt := now.Add(time.Duration(session.MinutesPurchased) * time.Minute)
	if err := s.db.StartSession(ctx, tx, sessionID, now, endAt); err != nil {
		return nil, err
	}
	if err := s.db.UpdatePCStatus(ctx, tx, session.PCID, db.PCStatusBusy); err != nil {
		return nil, err
	}

	host, err := s.db.GetHostProfile(ctx, tx, pc.HostID)
	if err != nil {
		return nil, err
	}
	if host != nil {
		if err := s.db.IncrementHostSessionsTotal(ctx, tx, host.ID); err != nil {
			return nil, err
		}
	}

	session.Status = db.SessionStatusActive
	session.StartAt = now
	session.EndAt = endAt
	return session, nil
}

// CreateAndStart fuses createSession + startSession for the queue
// manager's admission path.
func (s *Service) CreateAndStart(ctx context.Context, pcID, clientUserID string, minutesPurchased int, bypassCredits bool) (*db.Session, error) {
	var out *db.Session
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		session, err := s.createSessionTx(ctx, tx, pcID, clientUserID, minutesPurchased, bypassCredits)
		if err != nil {
			return err
		}
		started, err := s.startSessionTx(ctx, tx, session.ID, time.Now())
		if err != nil {
			return err
		}
		out = started
		return nil
	})
	return out, err
}

// CreateAndStartTx is CreateAndStart for a caller that already holds a
// transaction, e.g. the queue manager's join and promoteNext paths,
// which must fuse admission into the transaction that found the slot.
func (s *Service) CreateAndStartTx(ctx context.Context, tx bun.IDB, pcID, clientUserID string, minutesPurchased int, bypassCredits bool) (*db.Session, error) {
	session, err := s.createSessionTx(ctx, tx, pcID, clientUserID, minutesPurchased, bypassCredits)
	if err != nil {
		return nil, err
	}
	return s.startSessionTx(ctx, tx, session.ID, time.Now())
}

// EndSession implements endSession(sessionId, failureReason, releaseStatus?).
func (s *Service) EndSession(ctx context.Context, sessionID string, reason db.FailureReason, releaseStatus db.PCStatus) (*db.Session, error) {
	var out *db.Session
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		session, err := s.endSessionTx(ctx, tx, sessionID, reason, releaseStatus, time.Now())
		if err != nil {
			return err
		}
		out = session
		return nil
	})
	return out, err
}

// EndSessionTx is EndSession for a caller that already holds a
// transaction, e.g. the heartbeat monitor's host-down cascade, which
// must end every orphaned session in the same transaction that marked
// the host's PCs OFFLINE.
func (s *Service) EndSessionTx(ctx context.Context, tx bun.IDB, sessionID string, reason db.FailureReason, releaseStatus db.PCStatus, now time.Time) (*db.Session, error) {
	return s.endSessionTx(ctx, tx, sessionID, reason, releaseStatus, now)
}

func (s *Service) endSessionTx(ctx context.Context, tx bun.IDB, sessionID string, reason db.FailureReason, releaseStatus db.PCStatus, now time.Time) (*db.Session, error) {
	session, err := s.db.GetSession(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apperr.NotFound("session not found: " + sessionID)
	}
	// end(S) -> end(S): idempotent, returns the already-terminal state.
	if session.Status != db.SessionStatusPending && session.Status != db.SessionStatusActive {
		return session, nil
	}

	if releaseStatus == "" {
		releaseStatus = db.PCStatusOnline
	}

	minutesUsed := 0
	if !session.StartAt.IsZero() {
		elapsed := now.Sub(session.StartAt).Seconds()
		raw := int((elapsed + 59) / 60)
		minutesUsed = settlement.ClampMinutesUsed(raw, session.MinutesPurchased)
	}

	result := settlement.Compute(settlement.Input{
		PricePerHour:       session.PricePerHour,
		MinutesPurchased:   session.MinutesPurchased,
		MinutesUsed:        minutesUsed,
		PlatformFeePercent: s.cfg.PlatformFeeRate,
		PenaltyPercent:     s.cfg.HostPenaltyRate,
		FailureReason:      settlement.FailureReason(reason),
	})

	pc, err := s.db.GetPC(ctx, tx, session.PCID)
	if err != nil {
		return nil, err
	}

	var hostID string
	if pc != nil {
		host, err := s.db.GetHostProfile(ctx, tx, pc.HostID)
		if err != nil {
			return nil, err
		}
		if host != nil {
			hostID = host.ID
			if err := s.db.CreditWallet(ctx, tx, host.UserID, result.HostPayout); err != nil {
				return nil, err
			}
		}
	}
	if result.ClientCredit > 0 {
		if err := s.db.CreditWallet(ctx, tx, session.ClientUserID, result.ClientCredit); err != nil {
			return nil, err
		}
	}

	status := db.SessionStatusEnded
	if reason != db.FailureNone {
		status = db.SessionStatusFailed
	}
	if err := s.db.EndSession(ctx, tx, sessionID, status, reason, minutesUsed, now); err != nil {
		return nil, err
	}
	if pc != nil {
		if err := s.db.UpdatePCStatus(ctx, tx, pc.ID, releaseStatus); err != nil {
			return nil, err
		}
	}

	if hostID != "" {
		completed := reason == db.FailureNone
		if err := s.db.RecordSessionOutcome(ctx, tx, hostID, completed, now); err != nil {
			return nil, err
		}
		eventType := db.ReliabilityEventSessionOK
		if !completed {
			eventType = db.ReliabilityEventSessionFailed
		}
		if err := s.applyReliabilityEvent(ctx, tx, hostID, eventType); err != nil {
			return nil, err
		}
	}

	session.Status = status
	session.FailureReason = reason
	session.MinutesUsed = minutesUsed
	session.EndAt = now

	if releaseStatus == db.PCStatusOnline && pc != nil && s.onPCFreed != nil {
		if err := s.onPCFreed(ctx, tx, pc.ID, now); err != nil {
			return nil, err
		}
	}

	metrics.RecordSessionEnded(string(reason), result.HostPayout, result.PlatformFee)

	return session, nil
}

func (s *Service) applyReliabilityEvent(ctx context.Context, tx bun.IDB, hostID string, eventType db.ReliabilityEventType) error {
	host, err := s.db.GetHostProfile(ctx, tx, hostID)
	if err != nil || host == nil {
		return err
	}
	newScore := reliability.ApplyEvent(host.ReliabilityScore, reliability.EventType(eventType))
	if err := s.db.UpdateHostReliabilityScore(ctx, tx, hostID, newScore); err != nil {
		return err
	}
	return s.db.InsertReliabilityEvent(ctx, tx, hostID, eventType)
}

// ExpireSessions implements expireSessions(): ends every ACTIVE session
// whose endAt has passed with failureReason=NONE.
func (s *Service) ExpireSessions(ctx context.Context) (int, error) {
	now := time.Now()
	expired, err := s.db.ListActiveSessionsEndingBy(ctx, nil, now)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, session := range expired {
		if _, err := s.EndSession(ctx, session.ID, db.FailureNone, db.PCStatusOnline); err != nil {
			slog.Error("expireSessions: end failed", "sessionId", session.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// GetSession returns a session with minutesUsed live-computed if ACTIVE.
func (s *Service) GetSession(ctx context.Context, id string) (*db.Session, error) {
	session, err := s.db.GetSession(ctx, nil, id)
	if err != nil || session == nil {
		return session, err
	}
	session.MinutesUsed = session.LiveMinutesUsed(time.Now())
	return session, nil
}
