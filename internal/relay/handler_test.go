package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjsadow/relaydesk/internal/config"
	"github.com/rjsadow/relaydesk/internal/db"
	"github.com/rjsadow/relaydesk/internal/db/dbtest"
	"github.com/rjsadow/relaydesk/internal/streamtoken"
)

func testConfig() *config.Config {
	return &config.Config{
		RelayMaxBytesPerSecond: 20 * 1024 * 1024,
		RelayMaxControlPerSec:  20,
		RelayConnectRatePerMin: 6,
		RelayRoomLingerSeconds: 10,
		StreamConnectTokenTTL:  time.Hour,
	}
}

// seedActiveSession creates a host/PC/client/session/token ready for a
// relay handshake, mirroring the happy-path fixture shape used by the
// session and stream-token packages' own tests.
func seedActiveSession(t *testing.T, ctx context.Context, database *db.DB) (clientUserID, hostUserID, token, streamID string) {
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
	clientUser := &db.User{ID: "client-1", Role: db.RoleClient}
	if err := database.CreateUser(ctx, nil, clientUser); err != nil {
		t.Fatalf("CreateUser(client): %v", err)
	}
	session := &db.Session{
		ID: "session-1", PCID: pc.ID, ClientUserID: clientUser.ID,
		Status: db.SessionStatusActive, MinutesPurchased: 60, PricePerHour: 10,
		StartAt: time.Now(), EndAt: time.Now().Add(time.Hour),
	}
	if err := database.CreateSession(ctx, nil, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	tokens := streamtoken.New(database, testConfig())
	rec, err := tokens.Issue(ctx, pc.ID, clientUser.ID, "203.0.113.1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return clientUser.ID, hostUser.ID, rec.Token, streamtoken.DeriveStreamID(rec.Token)
}

func dialRelay(t *testing.T, wsURL, role, streamID, token, userID string) *websocket.Conn {
	t.Helper()
	u := wsURL + "?role=" + role + "&streamId=" + streamID + "&token=" + token + "&userId=" + userID + "&sessionId=session-1"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", role, err)
	}
	return conn
}

func TestRelayPairingForwardsFramesBothDirections(t *testing.T) {
	database := dbtest.NewTestDB(t)
	ctx := context.Background()
	clientUserID, hostUserID, token, streamID := seedActiveSession(t, ctx, database)

	hub := NewHub(testConfig())
	handler := NewHandler(hub, database)
	srv := httptest.NewServer(handler)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	hostConn := dialRelay(t, wsURL, "host", streamID, token, hostUserID)
	defer hostConn.Close()
	clientConn := dialRelay(t, wsURL, "client", streamID, token, clientUserID)
	defer clientConn.Close()

	frame := []byte{0x01, 0, 0, 0, 0, 0, 0, 0, 1, 0x00, 0x00, 0x00, 0x01, 0x67}
	if err := hostConn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("host write: %v", err)
	}
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, got, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if mt != websocket.BinaryMessage || string(got) != string(frame) {
		t.Fatalf("client got %v (%d), want %v", got, mt, frame)
	}

	control := []byte(`{"type":"keyframe_request"}`)
	if err := clientConn.WriteMessage(websocket.TextMessage, control); err != nil {
		t.Fatalf("client write: %v", err)
	}
	hostConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, got, err = hostConn.ReadMessage()
	if err != nil {
		t.Fatalf("host read: %v", err)
	}
	if mt != websocket.TextMessage || string(got) != string(control) {
		t.Fatalf("host got %q, want %q", got, control)
	}
}

func TestRelaySecondHostConnectionSupersedesFirst(t *testing.T) {
	database := dbtest.NewTestDB(t)
	ctx := context.Background()
	_, hostUserID, token, streamID := seedActiveSession(t, ctx, database)

	hub := NewHub(testConfig())
	handler := NewHandler(hub, database)
	srv := httptest.NewServer(handler)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	firstHost := dialRelay(t, wsURL, "host", streamID, token, hostUserID)
	defer firstHost.Close()
	secondHost := dialRelay(t, wsURL, "host", streamID, token, hostUserID)
	defer secondHost.Close()

	firstHost.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := firstHost.ReadMessage()
	if err == nil {
		t.Fatal("expected first host connection to be closed")
	}
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != CloseSuperseded {
		t.Fatalf("close error = %v, want code %d", err, CloseSuperseded)
	}
}

func TestRelayRejectsRoleMismatch(t *testing.T) {
	database := dbtest.NewTestDB(t)
	ctx := context.Background()
	clientUserID, _, token, streamID := seedActiveSession(t, ctx, database)

	hub := NewHub(testConfig())
	handler := NewHandler(hub, database)
	srv := httptest.NewServer(handler)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	// host role claimed with the client's identity: must be rejected.
	conn := dialRelay(t, wsURL, "host", streamID, token, clientUserID)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != CloseRoleMismatch {
		t.Fatalf("close error = %v, want code %d", err, CloseRoleMismatch)
	}
}
