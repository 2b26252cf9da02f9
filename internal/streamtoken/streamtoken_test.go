package streamtoken

import (
	"context"
	"testing"
	"time"

	"github.com/rjsadow/relaydesk/internal/apperr"
	"github.com/rjsadow/relaydesk/internal/config"
	"github.com/rjsadow/relaydesk/internal/db"
	"github.com/rjsadow/relaydesk/internal/db/dbtest"
)

func newTestService(t *testing.T) (*Service, *db.DB) {
	t.Helper()
	database := dbtest.NewTestDB(t)
	cfg := &config.Config{StreamConnectTokenTTL: time.Hour}
	return New(database, cfg), database
}

func seedActiveSession(t *testing.T, ctx context.Context, database *db.DB) (pcID, clientID, sessionID string) {
	t.Helper()
	hostUser := &db.User{ID: "host-user-1", Role: db.RoleHost}
	if err := database.CreateUser(ctx, nil, hostUser); err != nil {
		t.Fatalf("CreateUser(host): %v", err)
	}
	host := &db.HostProfile{ID: "host-1", UserID: hostUser.ID, ReliabilityScore: 100}
	if err := database.CreateHostProfile(ctx, nil, host); err != nil {
		t.Fatalf("CreateHostProfile: %v", err)
	}
	pc := &db.PC{ID: "pc-1", HostID: host.ID, PricePerHour: 10, Status: db.PCStatusBusy, ConnectAddress: "10.0.0.5:47990"}
	if err := database.CreatePC(ctx, nil, pc); err != nil {
		t.Fatalf("CreatePC: %v", err)
	}
	client := &db.User{ID: "client-1", Role: db.RoleClient}
	if err := database.CreateUser(ctx, nil, client); err != nil {
		t.Fatalf("CreateUser(client): %v", err)
	}
	session := &db.Session{
		ID: "session-1", PCID: pc.ID, ClientUserID: client.ID,
		Status: db.SessionStatusActive, MinutesPurchased: 60, PricePerHour: 10,
		StartAt: time.Now(), EndAt: time.Now().Add(time.Hour),
	}
	if err := database.CreateSession(ctx, nil, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return pc.ID, client.ID, session.ID
}

func TestIssueRequiresActiveSessionForThatUserAndPC(t *testing.T) {
	svc, database := newTestService(t)
	ctx := context.Background()
	pcID, clientID, _ := seedActiveSession(t, ctx, database)

	if _, err := svc.Issue(ctx, pcID, "someone-else", ""); err == nil {
		t.Fatal("expected error for user with no active session on this pc")
	} else if appErr, ok := err.(*apperr.Error); !ok || appErr.Code != apperr.CodeSessionNotActive {
		t.Fatalf("got %v, want SESSION_NOT_ACTIVE", err)
	}

	rec, err := svc.Issue(ctx, pcID, clientID, "203.0.113.9")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if rec.Token == "" || rec.PCID != pcID || rec.UserID != clientID {
		t.Fatalf("unexpected token record: %+v", rec)
	}

	session, err := database.GetSession(ctx, nil, rec.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.ClientIP != "203.0.113.9" {
		t.Fatalf("ClientIP = %q, want captured caller ip", session.ClientIP)
	}
}

func TestResolveIsSingleUse(t *testing.T) {
	svc, database := newTestService(t)
	ctx := context.Background()
	pcID, clientID, _ := seedActiveSession(t, ctx, database)

	rec, err := svc.Issue(ctx, pcID, clientID, "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	result, err := svc.Resolve(ctx, rec.Token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.ConnectAddress != "10.0.0.5:47990" {
		t.Fatalf("ConnectAddress = %q, want pc connect address", result.ConnectAddress)
	}

	if _, err := svc.Resolve(ctx, rec.Token); err == nil {
		t.Fatal("expected second resolve of the same token to fail")
	} else if appErr, ok := err.(*apperr.Error); !ok || appErr.Code != apperr.CodeTokenConsumed {
		t.Fatalf("got %v, want TOKEN_CONSUMED", err)
	}
}

func TestResolveRejectsUnknownToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Resolve(ctx, "not-a-real-token"); err == nil {
		t.Fatal("expected error for unknown token")
	} else if appErr, ok := err.(*apperr.Error); !ok || appErr.Code != apperr.CodeTokenInvalid {
		t.Fatalf("got %v, want TOKEN_INVALID", err)
	}
}

func TestResolveRejectsExpiredToken(t *testing.T) {
	svc, database := newTestService(t)
	ctx := context.Background()
	pcID, clientID, _ := seedActiveSession(t, ctx, database)

	rec, err := svc.Issue(ctx, pcID, clientID, "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = database.Bun().NewUpdate().
		Model((*db.StreamConnectToken)(nil)).
		Set("expires_at = ?", time.Now().Add(-time.Minute)).
		Where("token = ?", rec.Token).
		Exec(ctx)
	if err != nil {
		t.Fatalf("backdate expires_at: %v", err)
	}

	if _, err := svc.Resolve(ctx, rec.Token); err == nil {
		t.Fatal("expected error for expired token")
	} else if appErr, ok := err.(*apperr.Error); !ok || appErr.Code != apperr.CodeTokenExpired {
		t.Fatalf("got %v, want TOKEN_EXPIRED", err)
	}
}

func TestDeriveStreamIDIsDeterministicAndUUIDShaped(t *testing.T) {
	a := DeriveStreamID("token-a")
	b := DeriveStreamID("token-a")
	c := DeriveStreamID("token-b")
	if a != b {
		t.Fatal("DeriveStreamID is not deterministic")
	}
	if a == c {
		t.Fatal("DeriveStreamID collided for distinct tokens")
	}
	if len(a) != 36 || a[8] != '-' || a[13] != '-' || a[18] != '-' || a[23] != '-' {
		t.Fatalf("DeriveStreamID(%q) is not UUID-shaped", a)
	}
}
