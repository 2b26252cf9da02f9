package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rjsadow/relaydesk/internal/config"
	"github.com/rjsadow/relaydesk/internal/db"
	"github.com/rjsadow/relaydesk/internal/db/dbtest"
	"github.com/rjsadow/relaydesk/internal/sessions"
)

func newTestManager(t *testing.T) (*Manager, *db.DB) {
	t.Helper()
	database := dbtest.NewTestDB(t)
	cfg := &config.Config{PlatformFeeRate: 0.1, HostPenaltyRate: 0.3, QueuePromotionTTL: 90 * time.Second}
	svc := sessions.New(database, cfg)
	return New(database, svc, cfg), database
}

func seedPC(t *testing.T, ctx context.Context, database *db.DB, status db.PCStatus) string {
	t.Helper()
	host := &db.User{ID: "host-u", Role: db.RoleHost}
	database.CreateUser(ctx, nil, host)
	hp := &db.HostProfile{ID: "host-p", UserID: host.ID, ReliabilityScore: 100}
	database.CreateHostProfile(ctx, nil, hp)
	pc := &db.PC{ID: "pc-1", HostID: hp.ID, PricePerHour: 10, Status: status}
	database.CreatePC(ctx, nil, pc)
	return pc.ID
}

func seedUserWithBalance(t *testing.T, ctx context.Context, database *db.DB, id string, balance float64) string {
	t.Helper()
	u := &db.User{ID: id, Role: db.RoleClient}
	database.CreateUser(ctx, nil, u)
	database.CreditWallet(ctx, nil, id, balance)
	return id
}

func TestJoinOnIdlePCStartsSessionImmediately(t *testing.T) {
	m, database := newTestManager(t)
	ctx := context.Background()
	pcID := seedPC(t, ctx, database, db.PCStatusOnline)
	userID := seedUserWithBalance(t, ctx, database, "c1", 20)

	status, err := m.Join(ctx, pcID, userID, 60, false)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if status.EntryStatus != db.QueueStatusActive || status.SessionID == "" {
		t.Fatalf("status = %+v, want ACTIVE with sessionId", status)
	}
}

func TestQueuePromotionOnSessionEnd(t *testing.T) {
	m, database := newTestManager(t)
	ctx := context.Background()
	pcID := seedPC(t, ctx, database, db.PCStatusOnline)

	c1 := seedUserWithBalance(t, ctx, database, "c1", 20)
	first, err := m.Join(ctx, pcID, c1, 60, false)
	if err != nil {
		t.Fatalf("c1 join: %v", err)
	}

	c2 := seedUserWithBalance(t, ctx, database, "c2", 20)
	second, err := m.Join(ctx, pcID, c2, 60, false)
	if err != nil {
		t.Fatalf("c2 join: %v", err)
	}
	if second.EntryStatus != db.QueueStatusWaiting || second.Position != 1 {
		t.Fatalf("c2 status = %+v, want WAITING position 1", second)
	}

	c3 := seedUserWithBalance(t, ctx, database, "c3", 20)
	third, err := m.Join(ctx, pcID, c3, 60, false)
	if err != nil {
		t.Fatalf("c3 join: %v", err)
	}
	if third.Position != 2 {
		t.Fatalf("c3 position = %d, want 2", third.Position)
	}

	if _, err := m.sessions.EndSession(ctx, first.SessionID, db.FailureNone, ""); err != nil {
		t.Fatalf("EndSession(first): %v", err)
	}

	c2Status, err := m.QueueStatus(ctx, pcID, c2)
	if err != nil {
		t.Fatalf("QueueStatus(c2): %v", err)
	}
	if c2Status.EntryStatus != db.QueueStatusPromoted || c2Status.SessionID == "" {
		t.Fatalf("c2 status = %+v, want PROMOTED with a bound session", c2Status)
	}

	// Coming back claims the promoted slot.
	claimed, err := m.Join(ctx, pcID, c2, 60, false)
	if err != nil {
		t.Fatalf("c2 claim join: %v", err)
	}
	if claimed.EntryStatus != db.QueueStatusActive || claimed.SessionID != c2Status.SessionID {
		t.Fatalf("claimed = %+v, want ACTIVE with session %s", claimed, c2Status.SessionID)
	}

	c3Status, err := m.QueueStatus(ctx, pcID, c3)
	if err != nil {
		t.Fatalf("QueueStatus(c3): %v", err)
	}
	if c3Status.Position != 1 {
		t.Fatalf("c3 position after promotion = %d, want 1", c3Status.Position)
	}
}

func TestExpirePromotedSlotsReclaimsNoShow(t *testing.T) {
	m, database := newTestManager(t)
	ctx := context.Background()
	pcID := seedPC(t, ctx, database, db.PCStatusOnline)

	c1 := seedUserWithBalance(t, ctx, database, "c1", 20)
	first, err := m.Join(ctx, pcID, c1, 60, false)
	if err != nil {
		t.Fatalf("c1 join: %v", err)
	}

	c2 := seedUserWithBalance(t, ctx, database, "c2", 20)
	if _, err := m.Join(ctx, pcID, c2, 60, false); err != nil {
		t.Fatalf("c2 join: %v", err)
	}
	c3 := seedUserWithBalance(t, ctx, database, "c3", 20)
	if _, err := m.Join(ctx, pcID, c3, 60, false); err != nil {
		t.Fatalf("c3 join: %v", err)
	}

	if _, err := m.sessions.EndSession(ctx, first.SessionID, db.FailureNone, ""); err != nil {
		t.Fatalf("EndSession(first): %v", err)
	}

	// Backdate c2's promotion beyond the TTL without the user claiming it.
	if _, err := database.Bun().NewUpdate().Model((*db.QueueEntry)(nil)).
		Set("promoted_at = ?", time.Now().Add(-m.cfg.QueuePromotionTTL-time.Minute)).
		Where("user_id = ? AND status = ?", c2, db.QueueStatusPromoted).
		Exec(ctx); err != nil {
		t.Fatalf("backdate promoted_at: %v", err)
	}

	n, err := m.ExpirePromotedSlots(ctx)
	if err != nil {
		t.Fatalf("ExpirePromotedSlots: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}

	c2Status, err := m.QueueStatus(ctx, pcID, c2)
	if err != nil {
		t.Fatalf("QueueStatus(c2): %v", err)
	}
	if c2Status.EntryStatus != "" {
		t.Errorf("c2 entry status = %v, want no non-terminal entry", c2Status.EntryStatus)
	}

	// The freed slot passed to the next waiter.
	c3Status, err := m.QueueStatus(ctx, pcID, c3)
	if err != nil {
		t.Fatalf("QueueStatus(c3): %v", err)
	}
	if c3Status.EntryStatus != db.QueueStatusPromoted || c3Status.SessionID == "" {
		t.Fatalf("c3 status = %+v, want PROMOTED with a bound session", c3Status)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	m, database := newTestManager(t)
	ctx := context.Background()
	pcID := seedPC(t, ctx, database, db.PCStatusOnline)
	busy := seedUserWithBalance(t, ctx, database, "c0", 20)
	m.Join(ctx, pcID, busy, 60, false)

	waiter := seedUserWithBalance(t, ctx, database, "c1", 20)
	if _, err := m.Join(ctx, pcID, waiter, 60, false); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if err := m.Leave(ctx, pcID, waiter); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := m.Leave(ctx, pcID, waiter); err == nil {
		t.Fatal("expected NOT_FOUND on second leave")
	}

	status, err := m.QueueStatus(ctx, pcID, waiter)
	if err != nil {
		t.Fatalf("QueueStatus: %v", err)
	}
	if status.Position != 0 {
		t.Errorf("position = %d, want 0 after leave", status.Position)
	}
}
