package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjsadow/relaydesk/internal/db"
	"github.com/rjsadow/relaydesk/internal/streamtoken"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// controlFrame is the recognized client->host control/feedback schema;
// unrecognized type values are dropped.
type controlFrame struct {
	Type string `json:"type"`
}

var recognizedControlTypes = map[string]bool{
	"keyframe_request": true,
	"network_report":   true,
	"reconnect":        true,
}

// Handler implements the /stream/relay handshake and forwarding loop.
type Handler struct {
	hub *Hub
	db  *db.DB
}

// NewHandler builds a relay HTTP handler bound to a hub and the database
// needed to validate the handshake (token, session, PC, host ownership).
func NewHandler(hub *Hub, database *db.DB) *Handler {
	return &Handler{hub: hub, db: database}
}

// RoomCount reports the number of live rendezvous rooms, for the
// operator load/metrics surface.
func (h *Handler) RoomCount() int {
	return h.hub.RoomCount()
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range splitComma(xff) {
			if part != "" && part != "unknown" {
				return part
			}
		}
	}
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			part := s[start:i]
			for len(part) > 0 && part[0] == ' ' {
				part = part[1:]
			}
			out = append(out, part)
			start = i + 1
		}
	}
	return out
}

// ServeHTTP implements the relay handshake: enforce the connect-rate
// limit, resolve the token, verify the session and role binding, verify
// the derived streamId, then join the room and forward frames until
// either side disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role := Role(q.Get("role"))
	streamID := q.Get("streamId")
	token := q.Get("token")
	userID := q.Get("userId")

	if role != RoleHost && role != RoleClient {
		http.Error(w, "role must be host or client", http.StatusBadRequest)
		return
	}
	if token == "" || streamID == "" || userID == "" {
		http.Error(w, "token, streamId, and userId are required", http.StatusBadRequest)
		return
	}

	ip := clientIP(r)
	limitKey := ip + "|" + userID + "|" + q.Get("sessionId")
	if !h.hub.connectLimiter.allow(limitKey) {
		logDeniedRate("connect_rate_exceeded", "ip", ip, "user_id", userID, "role", string(role))
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	rec, closeCode, closeReason := h.validate(token, streamID, string(role), userID)
	if rec == nil {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		deadline := time.Now().Add(2 * time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, closeReason), deadline)
		_ = conn.Close()
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("relay: upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(MaxPayloadBytes)

	peer := newPeer(conn, role, userID)
	room := h.hub.join(streamID, peer)
	defer h.hub.leave(room, peer)

	go peer.writePump()

	violations := 0
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch role {
		case RoleHost:
			if mt != websocket.BinaryMessage {
				continue // unknown direction/payload combo: dropped
			}
			room.forwardBinary(data)
		case RoleClient:
			if mt != websocket.TextMessage || len(data) > MaxControlBytes {
				violations++
				if violations >= maxControlViolations {
					peer.close(CloseRateLimited, "rate_limited")
					return
				}
				continue
			}
			var frame controlFrame
			if err := json.Unmarshal(data, &frame); err != nil || !recognizedControlTypes[frame.Type] {
				continue
			}
			if !room.forwardControl(data) {
				violations++
				if violations >= maxControlViolations {
					peer.close(CloseRateLimited, "rate_limited")
					return
				}
				continue
			}
			violations = 0
		}
	}
}

// validate performs the handshake checks: resolve the token (without
// consuming it - that's /stream/resolve's job), verify the session and
// role binding, and verify the derived streamId. It returns the token
// record on success, or nil plus the WebSocket close code/reason to use
// on failure.
func (h *Handler) validate(token, streamID, role, userID string) (*db.StreamConnectToken, int, string) {
	ctx := context.Background()
	rec, err := h.db.GetStreamToken(ctx, nil, token)
	if err != nil || rec == nil {
		return nil, CloseTokenInvalid, "token_invalid"
	}
	if !rec.ExpiresAt.After(time.Now()) {
		return nil, CloseTokenInvalid, "token_invalid"
	}

	session, err := h.db.GetSession(ctx, nil, rec.SessionID)
	if err != nil || session == nil {
		return nil, CloseSessionNotActive, "session_not_active"
	}
	if session.Status != db.SessionStatusPending && session.Status != db.SessionStatusActive {
		return nil, CloseSessionNotActive, "session_not_active"
	}
	if rec.UserID != session.ClientUserID || rec.PCID != session.PCID {
		return nil, CloseTokenInvalid, "token_invalid"
	}

	if streamtoken.DeriveStreamID(token) != streamID {
		return nil, CloseTokenInvalid, "token_invalid"
	}

	pc, err := h.db.GetPC(ctx, nil, rec.PCID)
	if err != nil || pc == nil {
		return nil, CloseTokenInvalid, "token_invalid"
	}

	switch Role(role) {
	case RoleClient:
		if userID != session.ClientUserID {
			return nil, CloseRoleMismatch, "role_mismatch"
		}
	case RoleHost:
		host, err := h.db.GetHostProfile(ctx, nil, pc.HostID)
		if err != nil || host == nil || userID != host.UserID {
			return nil, CloseRoleMismatch, "role_mismatch"
		}
	}

	return rec, 0, ""
}
