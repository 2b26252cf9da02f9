package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rjsadow/relaydesk/internal/apperr"
	"github.com/rjsadow/relaydesk/internal/authn"
	"github.com/rjsadow/relaydesk/internal/db"
	"github.com/rjsadow/relaydesk/internal/queue"
	"github.com/rjsadow/relaydesk/internal/reliability"
)

type handlers struct {
	app *App
}

func (h *handlers) identity(r *http.Request) (string, error) {
	id, err := h.app.Authn.Resolve(r)
	if err != nil {
		return "", apperr.Unauthorized("missing or invalid credentials")
	}
	return id, nil
}

// splitPath strips prefix and a trailing slash, returning the remaining
// path segments. "/sessions/abc/start" with prefix "/sessions" yields
// ["abc", "start"].
func splitPath(prefix, path string) []string {
	trimmed := strings.TrimPrefix(strings.TrimSuffix(path, "/"), prefix)
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// --- /health ---

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":           "ok",
		"serverInstanceId": h.app.ServerInstanceID,
	})
}

// --- /sessions, /sessions/:id[/start|/end] ---

type createSessionRequest struct {
	PCID             string `json:"pcId"`
	ClientUserID     string `json:"clientUserId"`
	MinutesPurchased int    `json:"minutesPurchased"`
}

func (h *handlers) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	callerID, err := h.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ClientUserID != "" && req.ClientUserID != callerID {
		writeError(w, apperr.Forbidden("clientUserId must match the authenticated caller"))
		return
	}
	ctx := r.Context()
	if err := h.app.DB.EnsureUser(ctx, nil, callerID, db.RoleClient); err != nil {
		writeError(w, err)
		return
	}
	bypass := h.app.Authn.DevBypassCredits(r)
	session, err := h.app.Sessions.CreateSession(ctx, req.PCID, callerID, req.MinutesPurchased, bypass)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = h.app.DB.LogAudit(ctx, nil, callerID, "session.create", session.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"session": session, "code": "SESSION_CREATED"})
}

type endSessionRequest struct {
	FailureReason string `json:"failureReason"`
	HostFault     bool   `json:"hostFault"`
}

func (h *handlers) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	segs := splitPath("/sessions", r.URL.Path)
	if len(segs) == 0 {
		http.NotFound(w, r)
		return
	}
	callerID, err := h.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sessionID := segs[0]
	ctx := r.Context()

	switch {
	case len(segs) == 1 && r.Method == http.MethodGet:
		session, err := h.app.Sessions.GetSession(ctx, sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		if session == nil {
			writeError(w, apperr.NotFound("session not found: "+sessionID))
			return
		}
		if err := h.checkSessionOwner(ctx, session, callerID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": session})

	case len(segs) == 2 && segs[1] == "start" && r.Method == http.MethodPost:
		session, err := h.app.Sessions.GetSession(ctx, sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		if session == nil {
			writeError(w, apperr.NotFound("session not found: "+sessionID))
			return
		}
		if session.ClientUserID != callerID {
			writeError(w, apperr.Forbidden("only the session's client may start it"))
			return
		}
		started, err := h.app.Sessions.StartSession(ctx, sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		_ = h.app.DB.LogAudit(ctx, nil, callerID, "session.start", sessionID)
		writeJSON(w, http.StatusOK, map[string]any{"session": started})

	case len(segs) == 2 && segs[1] == "end" && r.Method == http.MethodPost:
		session, err := h.app.Sessions.GetSession(ctx, sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		if session == nil {
			writeError(w, apperr.NotFound("session not found: "+sessionID))
			return
		}
		if err := h.checkSessionOwner(ctx, session, callerID); err != nil {
			writeError(w, err)
			return
		}
		var req endSessionRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, err)
				return
			}
		}
		reason := db.FailureReason(req.FailureReason)
		if req.HostFault {
			reason = db.FailureHost
		}
		if reason == "" {
			reason = db.FailureNone
		}
		ended, err := h.app.Sessions.EndSession(ctx, sessionID, reason, db.PCStatusOnline)
		if err != nil {
			writeError(w, err)
			return
		}
		_ = h.app.DB.LogAudit(ctx, nil, callerID, "session.end", sessionID)
		writeJSON(w, http.StatusOK, map[string]any{"session": ended})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// checkSessionOwner enforces the owner-only read/end contract: the
// session's client, or the host who owns its PC.
func (h *handlers) checkSessionOwner(ctx context.Context, session *db.Session, callerID string) error {
	if session.ClientUserID == callerID {
		return nil
	}
	pc, err := h.app.DB.GetPC(ctx, nil, session.PCID)
	if err != nil {
		return err
	}
	if pc != nil {
		host, err := h.app.DB.GetHostProfile(ctx, nil, pc.HostID)
		if err != nil {
			return err
		}
		if host != nil && host.UserID == callerID {
			return nil
		}
	}
	return apperr.Forbidden("caller does not own this session")
}

// --- /pcs, /pcs/:id[...] ---

type createPCRequest struct {
	CPU            string   `json:"cpu"`
	GPU            string   `json:"gpu"`
	RAMGb          int      `json:"ramGb"`
	StorageGb      int      `json:"storageGb"`
	UplinkMbps     int      `json:"uplinkMbps"`
	PricePerHour   float64  `json:"pricePerHour"`
	ConnectionHost string   `json:"connectionHost"`
	ConnectionPort int      `json:"connectionPort"`
	ConnectAddress string   `json:"connectAddress"`
	Categories     []string `json:"categories"`
	SoftwareTags   []string `json:"softwareTags"`
}

func (h *handlers) handlePCs(w http.ResponseWriter, r *http.Request) {
	callerID, err := h.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		filter := db.ListPCsFilter{}
		q := r.URL.Query()
		if status := q.Get("status"); status != "" {
			filter.Status = db.PCStatus(status)
		}
		if cats := q.Get("categories"); cats != "" {
			filter.Categories = strings.Split(cats, ",")
		}
		pcs, err := h.app.DB.ListPCs(ctx, nil, filter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pcs": pcs})

	case http.MethodPost:
		if err := h.app.DB.EnsureUser(ctx, nil, callerID, db.RoleHost); err != nil {
			writeError(w, err)
			return
		}
		host, err := h.app.DB.EnsureHostProfile(ctx, nil, callerID)
		if err != nil {
			writeError(w, err)
			return
		}
		var req createPCRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		port := req.ConnectionPort
		if port == 0 {
			port = 47990
		}
		pc := &db.PC{
			ID:             uuid.NewString(),
			HostID:         host.ID,
			CPU:            req.CPU,
			GPU:            req.GPU,
			RAMGb:          req.RAMGb,
			StorageGb:      req.StorageGb,
			UplinkMbps:     req.UplinkMbps,
			PricePerHour:   req.PricePerHour,
			Status:         db.PCStatusOffline,
			ConnectionHost: req.ConnectionHost,
			ConnectionPort: port,
			ConnectAddress: req.ConnectAddress,
			Categories:     db.StringSlice(req.Categories),
			SoftwareTags:   db.StringSlice(req.SoftwareTags),
		}
		if err := h.app.DB.CreatePC(ctx, nil, pc); err != nil {
			writeError(w, err)
			return
		}
		_ = h.app.DB.LogAudit(ctx, nil, callerID, "pc.create", pc.ID)
		writeJSON(w, http.StatusCreated, map[string]any{"pc": pc})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type pcStatusRequest struct {
	Status string `json:"status"`
}

func (h *handlers) handlePCByIDOrSub(w http.ResponseWriter, r *http.Request) {
	segs := splitPath("/pcs", r.URL.Path)
	if len(segs) == 0 {
		http.NotFound(w, r)
		return
	}
	callerID, err := h.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	pcID := segs[0]
	rest := segs[1:]

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		h.getPC(w, r, pcID)

	case (len(rest) == 0 || (len(rest) == 1 && rest[0] == "status")) &&
		(r.Method == http.MethodPut || r.Method == http.MethodPatch || r.Method == http.MethodDelete):
		h.updatePCStatus(w, r, callerID, pcID)

	case len(rest) == 2 && rest[0] == "queue" && rest[1] == "join" && r.Method == http.MethodPost:
		h.joinQueue(w, r, callerID, pcID)

	case len(rest) == 2 && rest[0] == "queue" && rest[1] == "leave" && r.Method == http.MethodPost:
		if err := h.app.Queue.Leave(r.Context(), pcID, callerID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"left": true})

	case len(rest) == 1 && rest[0] == "queue" && r.Method == http.MethodGet:
		status, err := h.app.Queue.QueueStatus(r.Context(), pcID, callerID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, queueStatusJSON(status))

	case len(rest) == 1 && rest[0] == "reservations" && r.Method == http.MethodPost:
		h.createReservation(w, r, callerID, pcID)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func queueStatusJSON(s *queue.Status) map[string]any {
	return map[string]any{
		"queueCount":  s.QueueCount,
		"position":    s.Position,
		"entryStatus": s.EntryStatus,
		"sessionId":   s.SessionID,
	}
}

func (h *handlers) getPC(w http.ResponseWriter, r *http.Request, pcID string) {
	ctx := r.Context()
	pc, err := h.app.DB.GetPC(ctx, nil, pcID)
	if err != nil {
		writeError(w, err)
		return
	}
	if pc == nil {
		writeError(w, apperr.PCNotFound("pc not found: "+pcID))
		return
	}
	queueCount, err := h.app.DB.CountWaiting(ctx, nil, pcID)
	if err != nil {
		writeError(w, err)
		return
	}
	badge := reliability.BadgeNovo
	if host, err := h.app.DB.GetHostProfile(ctx, nil, pc.HostID); err == nil && host != nil {
		badge = reliability.DeriveBadge(host.SessionsTotal, host.SessionsCompleted)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pc":               pc,
		"queueCount":       queueCount,
		"reliabilityBadge": badge,
	})
}

func (h *handlers) updatePCStatus(w http.ResponseWriter, r *http.Request, callerID, pcID string) {
	ctx := r.Context()
	pc, err := h.app.DB.GetPC(ctx, nil, pcID)
	if err != nil {
		writeError(w, err)
		return
	}
	if pc == nil {
		writeError(w, apperr.PCNotFound("pc not found: "+pcID))
		return
	}
	host, err := h.app.DB.GetHostProfile(ctx, nil, pc.HostID)
	if err != nil {
		writeError(w, err)
		return
	}
	if host == nil || host.UserID != callerID {
		writeError(w, apperr.Forbidden("caller does not own this pc"))
		return
	}
	status := db.PCStatusOffline
	if r.Method != http.MethodDelete {
		var req pcStatusRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		status = db.PCStatus(req.Status)
		if status != db.PCStatusOnline && status != db.PCStatusOffline {
			writeError(w, apperr.Validation("status must be ONLINE or OFFLINE"))
			return
		}
	}
	if err := h.app.DB.UpdatePCStatus(ctx, nil, pcID, status); err != nil {
		writeError(w, err)
		return
	}
	_ = h.app.DB.LogAudit(ctx, nil, callerID, "pc.status", pcID+" -> "+string(status))
	writeJSON(w, http.StatusOK, map[string]any{"pcId": pcID, "status": status})
}

type joinQueueRequest struct {
	MinutesPurchased int `json:"minutesPurchased"`
}

func (h *handlers) joinQueue(w http.ResponseWriter, r *http.Request, callerID, pcID string) {
	var req joinQueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.MinutesPurchased < 1 || req.MinutesPurchased > 240 {
		writeError(w, apperr.Validation("minutesPurchased must be within [1,240]"))
		return
	}
	ctx := r.Context()
	if err := h.app.DB.EnsureUser(ctx, nil, callerID, db.RoleClient); err != nil {
		writeError(w, err)
		return
	}
	bypass := h.app.Authn.DevBypassCredits(r)
	status, err := h.app.Queue.Join(ctx, pcID, callerID, req.MinutesPurchased, bypass)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = h.app.DB.LogAudit(ctx, nil, callerID, "queue.join", pcID)
	writeJSON(w, http.StatusOK, queueStatusJSON(status))
}

// --- /my/queue/updates ---

func (h *handlers) handleMyQueueUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	callerID, err := h.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.app.Queue.ListActiveForUser(r.Context(), callerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// --- /pcs/:pcId/reservations ---

type createReservationRequest struct {
	StartAt     time.Time  `json:"startAt"`
	DurationMin int        `json:"durationMin"`
	EndAt       *time.Time `json:"endAt"`
}

func (h *handlers) createReservation(w http.ResponseWriter, r *http.Request, callerID, pcID string) {
	var req createReservationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	endAt := req.StartAt.Add(time.Duration(req.DurationMin) * time.Minute)
	if req.EndAt != nil {
		endAt = *req.EndAt
	}
	reservation, err := h.app.Reservations.Create(r.Context(), pcID, callerID, req.StartAt, endAt)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = h.app.DB.LogAudit(r.Context(), nil, callerID, "reservation.create", reservation.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"reservation": reservation})
}

// --- /stream/connect-token, /stream/resolve, /stream/pairing ---

type streamConnectTokenRequest struct {
	PCID string `json:"pcId"`
}

func (h *handlers) handleStreamConnectToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	callerID, err := h.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req streamConnectTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	token, err := h.app.StreamTokens.Issue(r.Context(), req.PCID, callerID, authn.ClientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token.Token,
		"expiresAt": token.ExpiresAt,
	})
}

type streamResolveRequest struct {
	Token string `json:"token"`
}

func (h *handlers) handleStreamResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.identity(r); err != nil {
		writeError(w, err)
		return
	}
	var req streamResolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.app.StreamTokens.Resolve(r.Context(), req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connectAddress": result.ConnectAddress,
		"connectHint":    result.ConnectHint,
		"pcName":         result.PCName,
	})
}

type streamPairingRequest struct {
	PCID string `json:"pcId"`
	PIN  string `json:"pin"`
}

func (h *handlers) handleStreamPairing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	callerID, err := h.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req streamPairingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.PIN) < 1 || len(req.PIN) > 12 {
		writeError(w, apperr.Validation("pin must be 1-12 characters"))
		return
	}
	ctx := r.Context()
	pc, err := h.app.DB.GetPC(ctx, nil, req.PCID)
	if err != nil {
		writeError(w, err)
		return
	}
	if pc == nil {
		writeError(w, apperr.PCNotFound("pc not found: "+req.PCID))
		return
	}
	redacted := strings.Repeat("*", len(req.PIN))
	_ = h.app.DB.LogAudit(ctx, nil, callerID, "stream.pairing", "pc="+req.PCID+" pin="+redacted)
	writeJSON(w, http.StatusOK, map[string]bool{"paired": true})
}

// --- /hosts/:hostId/heartbeat ---

type heartbeatRequest struct {
	Status string `json:"status"`
}

func (h *handlers) handleHostHeartbeat(w http.ResponseWriter, r *http.Request) {
	segs := splitPath("/hosts", r.URL.Path)
	if len(segs) != 2 || segs[1] != "heartbeat" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	callerID, err := h.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	hostID := segs[0]
	ctx := r.Context()
	host, err := h.app.DB.GetHostProfile(ctx, nil, hostID)
	if err != nil {
		writeError(w, err)
		return
	}
	if host == nil || host.UserID != callerID {
		writeError(w, apperr.Forbidden("caller does not own this host profile"))
		return
	}
	var req heartbeatRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := h.app.Heartbeat.RegisterHeartbeat(ctx, hostID, db.PCStatus(req.Status)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
