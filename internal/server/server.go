// Package server assembles the coordination core's HTTP surface: it
// accepts all dependencies as parameters so main() and tests build the
// same handler chain without route drift.
package server

import (
	"net/http"

	"github.com/rjsadow/relaydesk/internal/authn"
	"github.com/rjsadow/relaydesk/internal/config"
	"github.com/rjsadow/relaydesk/internal/db"
	"github.com/rjsadow/relaydesk/internal/diagnostics"
	"github.com/rjsadow/relaydesk/internal/heartbeat"
	"github.com/rjsadow/relaydesk/internal/middleware"
	"github.com/rjsadow/relaydesk/internal/queue"
	"github.com/rjsadow/relaydesk/internal/relay"
	"github.com/rjsadow/relaydesk/internal/reservations"
	"github.com/rjsadow/relaydesk/internal/sessions"
	"github.com/rjsadow/relaydesk/internal/streamtoken"
)

// App holds every dependency the HTTP handlers need. Built once in
// main() and reused verbatim by handler tests.
type App struct {
	DB               *db.DB
	Config           *config.Config
	Authn            *authn.Resolver
	Sessions         *sessions.Service
	Queue            *queue.Manager
	Heartbeat        *heartbeat.Monitor
	StreamTokens     *streamtoken.Service
	Reservations     *reservations.Service
	RelayHandler     *relay.Handler
	Diagnostics      *diagnostics.Collector
	DiagUploader     *diagnostics.S3Uploader
	ServerInstanceID string
}

// Handler builds the complete HTTP handler with all routes registered
// and middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	h := &handlers{app: a}

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
	mux.HandleFunc("/api/load", h.handleLoad)

	mux.HandleFunc("/sessions", h.handleSessions)
	mux.HandleFunc("/sessions/", h.handleSessionByID)

	mux.HandleFunc("/pcs", h.handlePCs)
	mux.HandleFunc("/pcs/", h.handlePCByIDOrSub)

	mux.HandleFunc("/my/queue/updates", h.handleMyQueueUpdates)

	mux.HandleFunc("/stream/connect-token", h.handleStreamConnectToken)
	mux.HandleFunc("/stream/resolve", h.handleStreamResolve)
	mux.HandleFunc("/stream/pairing", h.handleStreamPairing)
	mux.Handle("/stream/relay", a.RelayHandler)

	mux.HandleFunc("/hosts/", h.handleHostHeartbeat)

	mux.HandleFunc("/admin/diagnostics", h.handleDiagnosticsBundle)

	return middleware.SecurityHeaders(middleware.RequestID(mux))
}
