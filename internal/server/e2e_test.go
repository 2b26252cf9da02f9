package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rjsadow/relaydesk/internal/authn"
	"github.com/rjsadow/relaydesk/internal/config"
	"github.com/rjsadow/relaydesk/internal/db/dbtest"
	"github.com/rjsadow/relaydesk/internal/heartbeat"
	"github.com/rjsadow/relaydesk/internal/queue"
	"github.com/rjsadow/relaydesk/internal/relay"
	"github.com/rjsadow/relaydesk/internal/reservations"
	"github.com/rjsadow/relaydesk/internal/server"
	"github.com/rjsadow/relaydesk/internal/sessions"
	"github.com/rjsadow/relaydesk/internal/streamtoken"
)

// newTestApp wires a full server.App over a fresh in-memory database, the
// same dependency graph main() builds, so the e2e suite exercises real
// handler/service/db wiring instead of mocks.
func newTestApp() *server.App {
	cfg := &config.Config{
		Env:                        "development",
		JWTSecret:                  "test-secret",
		PlatformFeeRate:            0.1,
		HostPenaltyRate:            0.3,
		SessionExpirationInterval:  time.Hour,
		HostHeartbeatTimeout:       time.Minute,
		HostHeartbeatTimeoutActive: 3 * time.Minute,
		HostHeartbeatCheckInterval: time.Hour,
		HostOfflineGrace:           45 * time.Second,
		HostOfflineGraceActive:     120 * time.Second,
		QueuePromotionTTL:          90 * time.Second,
		StreamConnectTokenTTL:      time.Hour,
	}

	database := dbtest.NewTestDB(suiteT)

	sessionSvc := sessions.New(database, cfg)
	queueMgr := queue.New(database, sessionSvc, cfg)
	heartbeatMon := heartbeat.New(database, sessionSvc, cfg)
	streamTokens := streamtoken.New(database, cfg)
	reservationSvc := reservations.New(database)
	hub := relay.NewHub(cfg)
	relayHandler := relay.NewHandler(hub, database)

	return &server.App{
		DB:               database,
		Config:           cfg,
		Authn:            authn.New(cfg),
		Sessions:         sessionSvc,
		Queue:            queueMgr,
		Heartbeat:        heartbeatMon,
		StreamTokens:     streamTokens,
		Reservations:     reservationSvc,
		RelayHandler:     relayHandler,
		ServerInstanceID: "test-instance",
	}
}

func doJSON(client *http.Client, method, url, userID string, body any) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
	}
	req, err := http.NewRequest(method, url, &buf)
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("x-user-id", userID)
	}
	req.Header.Set("x-dev-bypass-credits", "true")
	resp, err := client.Do(req)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

func decodeBody(resp *http.Response, v any) {
	defer resp.Body.Close()
	Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
}

var _ = Describe("Coordination core HTTP surface", func() {
	var (
		app    *server.App
		ts     *httptest.Server
		client *http.Client
	)

	BeforeEach(func() {
		app = newTestApp()
		ts = httptest.NewServer(app.Handler())
		DeferCleanup(ts.Close)
		client = ts.Client()
	})

	It("rejects requests with no identity", func() {
		resp := doJSON(client, http.MethodGet, ts.URL+"/pcs", "", nil)
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
	})

	It("runs a full session lifecycle through the HTTP API", func() {
		var pcOut struct {
			PC struct {
				ID string `json:"id"`
			} `json:"pc"`
		}
		resp := doJSON(client, http.MethodPost, ts.URL+"/pcs", "host-1", map[string]any{
			"pricePerHour":   1.2,
			"cpu":            "Ryzen 9",
			"gpu":            "RTX 4090",
			"connectionHost": "192.0.2.10",
		})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		decodeBody(resp, &pcOut)
		pcID := pcOut.PC.ID
		Expect(pcID).NotTo(BeEmpty())

		resp = doJSON(client, http.MethodPatch, ts.URL+"/pcs/"+pcID+"/status", "host-1", map[string]any{"status": "ONLINE"})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		resp.Body.Close()

		var sessOut struct {
			Session struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"session"`
		}
		resp = doJSON(client, http.MethodPost, ts.URL+"/sessions", "client-1", map[string]any{
			"pcId":             pcID,
			"minutesPurchased": 30,
		})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		decodeBody(resp, &sessOut)
		Expect(sessOut.Session.Status).To(Equal("PENDING"))

		resp = doJSON(client, http.MethodPost, ts.URL+"/sessions/"+sessOut.Session.ID+"/start", "client-1", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		decodeBody(resp, &sessOut)
		Expect(sessOut.Session.Status).To(Equal("ACTIVE"))

		var tokenOut struct {
			Token string `json:"token"`
		}
		resp = doJSON(client, http.MethodPost, ts.URL+"/stream/connect-token", "client-1", map[string]any{"pcId": pcID})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		decodeBody(resp, &tokenOut)
		Expect(tokenOut.Token).NotTo(BeEmpty())

		var resolveOut struct {
			ConnectHint string `json:"connectHint"`
		}
		resp = doJSON(client, http.MethodPost, ts.URL+"/stream/resolve", "client-1", map[string]any{"token": tokenOut.Token})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		decodeBody(resp, &resolveOut)
		Expect(resolveOut.ConnectHint).NotTo(BeEmpty())

		resp = doJSON(client, http.MethodPost, ts.URL+"/sessions/"+sessOut.Session.ID+"/end", "client-1", map[string]any{})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		decodeBody(resp, &sessOut)
		Expect(sessOut.Session.Status).To(Equal("ENDED"))
	})

	It("queues a second client while the pc is busy, then promotes on release", func() {
		var pcOut struct {
			PC struct {
				ID string `json:"id"`
			} `json:"pc"`
		}
		// Zero-priced PC: promotion debits the waiter's (empty) wallet
		// without the dev bypass, so the slot must be free to hand over.
		resp := doJSON(client, http.MethodPost, ts.URL+"/pcs", "host-2", map[string]any{"pricePerHour": 0.0})
		decodeBody(resp, &pcOut)
		pcID := pcOut.PC.ID
		doJSON(client, http.MethodPatch, ts.URL+"/pcs/"+pcID+"/status", "host-2", map[string]any{"status": "ONLINE"}).Body.Close()

		var first struct {
			EntryStatus string `json:"entryStatus"`
			SessionID   string `json:"sessionId"`
		}
		resp = doJSON(client, http.MethodPost, ts.URL+"/pcs/"+pcID+"/queue/join", "client-a", map[string]any{"minutesPurchased": 15})
		decodeBody(resp, &first)
		Expect(first.EntryStatus).To(Equal("ACTIVE"))

		var second struct {
			EntryStatus string `json:"entryStatus"`
			Position    int    `json:"position"`
		}
		resp = doJSON(client, http.MethodPost, ts.URL+"/pcs/"+pcID+"/queue/join", "client-b", map[string]any{"minutesPurchased": 15})
		decodeBody(resp, &second)
		Expect(second.EntryStatus).To(Equal("WAITING"))
		Expect(second.Position).To(Equal(1))

		resp = doJSON(client, http.MethodPost, ts.URL+"/sessions/"+first.SessionID+"/start", "client-a", nil)
		resp.Body.Close()

		resp = doJSON(client, http.MethodPost, ts.URL+"/sessions/"+first.SessionID+"/end", "client-a", map[string]any{})
		resp.Body.Close()

		resp = doJSON(client, http.MethodGet, ts.URL+"/my/queue/updates", "client-b", nil)
		var updates struct {
			Entries []struct {
				Status string `json:"status"`
			} `json:"entries"`
		}
		decodeBody(resp, &updates)
		Expect(updates.Entries).NotTo(BeEmpty())
		Expect(updates.Entries[0].Status).To(Equal("PROMOTED"))
	})
})
