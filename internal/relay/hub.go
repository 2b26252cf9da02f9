// Package relay implements the in-memory WebSocket rendezvous that pairs
// one host connection and one client connection per streamId and
// forwards H.264 NAL units and control/feedback JSON between them. It is
// the only stateful long-lived-connection component in the coordination
// core; everything else is a database transaction.
package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rjsadow/relaydesk/internal/config"
	"github.com/rjsadow/relaydesk/internal/metrics"
)

// Role distinguishes the two peers a room pairs.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// Close codes used on the relay WebSocket. Values are in the
// private-use range above the codes gorilla/websocket reserves.
const (
	CloseTokenInvalid     = 4001
	CloseSessionNotActive = 4002
	CloseRoleMismatch     = 4003
	CloseSuperseded       = 4004
	CloseRoomClosed       = 4005
	CloseRateLimited      = 4006
	CloseBackpressure     = 4007
)

// MaxPayloadBytes is the maximum WebSocket frame size accepted on the
// relay, applied via websocket.Conn.SetReadLimit.
const MaxPayloadBytes = 2 * 1024 * 1024

// MaxControlBytes is the maximum size of a single client->host control frame.
const MaxControlBytes = 4 * 1024

// sendQueueDepth is the bounded per-peer outbound queue; overflow closes
// the slow peer with reason backpressure instead of buffering further.
const sendQueueDepth = 64

// maxControlViolations disconnects a client peer after this many dropped
// (oversized or rate-limited) control frames in a row.
const maxControlViolations = 10

type outboundMsg struct {
	msgType int
	data    []byte
}

// Peer is one endpoint of a room: either the host's encoder connection
// or the client's player connection.
type Peer struct {
	conn   *websocket.Conn
	role   Role
	userID string
	send   chan outboundMsg

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(conn *websocket.Conn, role Role, userID string) *Peer {
	return &Peer{
		conn:   conn,
		role:   role,
		userID: userID,
		send:   make(chan outboundMsg, sendQueueDepth),
		closed: make(chan struct{}),
	}
}

// enqueue attempts a non-blocking send; a full queue means the peer is a
// slow receiver and is closed with reason backpressure rather than
// buffered further.
func (p *Peer) enqueue(msgType int, data []byte) {
	select {
	case p.send <- outboundMsg{msgType, data}:
	default:
		p.close(CloseBackpressure, "backpressure")
	}
}

func (p *Peer) close(code int, reason string) {
	p.closeOnce.Do(func() {
		close(p.closed)
		deadline := time.Now().Add(2 * time.Second)
		_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = p.conn.Close()
	})
}

func (p *Peer) writePump() {
	for {
		select {
		case <-p.closed:
			return
		case msg, ok := <-p.send:
			if !ok {
				return
			}
			if err := p.conn.WriteMessage(msg.msgType, msg.data); err != nil {
				p.close(CloseRoomClosed, "write_failed")
				return
			}
		}
	}
}

// Room is the rendezvous for one streamId: at most one host peer and one
// client peer, paired in memory. All mutation goes through mu.
type Room struct {
	id     string
	hub    *Hub
	mu     sync.Mutex
	host   *Peer
	client *Peer

	byteLimiter *rate.Limiter // host -> client bytes/sec cap
	ctrlLimiter *rate.Limiter // client -> host control messages/sec cap

	lingerTimer *time.Timer
}

// connectGate enforces the per-(ip,user,session) handshake attempt cap.
// The in-memory implementation is the default; a Redis-backed one takes
// over when REDIS_ADDR is configured so multiple relay instances share
// one budget.
type connectGate interface {
	allow(key string) bool
}

// Hub owns the room table, keyed by streamId. Cross-room operations
// (lookup, create, delete) are lock-free except for the table mutex
// itself; all state mutation on a single room happens under that room's
// own lock.
type Hub struct {
	cfg   *config.Config
	mu    sync.Mutex
	rooms map[string]*Room

	connectLimiter connectGate
}

// NewHub builds a relay hub bound to the configured rate and
// backpressure limits.
func NewHub(cfg *config.Config) *Hub {
	var gate connectGate = newConnectLimiter(cfg.RelayConnectRatePerMin)
	if cfg.RedisAddr != "" {
		rl, err := newRedisConnectLimiter(cfg.RedisAddr, cfg.RelayConnectRatePerMin)
		if err != nil {
			slog.Warn("relay: redis connect limiter unavailable, using in-memory", "addr", cfg.RedisAddr, "error", err)
		} else {
			gate = rl
		}
	}
	return &Hub{
		cfg:            cfg,
		rooms:          make(map[string]*Room),
		connectLimiter: gate,
	}
}

// RoomCount reports the number of live rendezvous rooms, for the
// operator load/metrics surface.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) roomFor(streamID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[streamID]
	if ok {
		return r
	}
	r = &Room{
		id:          streamID,
		hub:         h,
		byteLimiter: rate.NewLimiter(rate.Limit(h.cfg.RelayMaxBytesPerSecond), int(h.cfg.RelayMaxBytesPerSecond)),
		ctrlLimiter: rate.NewLimiter(rate.Limit(h.cfg.RelayMaxControlPerSec), h.cfg.RelayMaxControlPerSec),
	}
	h.rooms[streamID] = r
	metrics.RelayRooms.Set(float64(len(h.rooms)))
	return r
}

// join registers peer into its room, replacing (last-writer-wins) and
// closing any existing peer of the same role with reason superseded.
func (h *Hub) join(streamID string, peer *Peer) *Room {
	room := h.roomFor(streamID)
	room.mu.Lock()
	if room.lingerTimer != nil {
		room.lingerTimer.Stop()
		room.lingerTimer = nil
	}
	switch peer.role {
	case RoleHost:
		if room.host != nil {
			room.host.close(CloseSuperseded, "superseded")
		}
		room.host = peer
	case RoleClient:
		if room.client != nil {
			room.client.close(CloseSuperseded, "superseded")
		}
		room.client = peer
	}
	room.mu.Unlock()
	return room
}

// leave removes peer from its room if it is still the registered holder
// of that role, then schedules room destruction if both roles are gone.
func (h *Hub) leave(room *Room, peer *Peer) {
	room.mu.Lock()
	switch peer.role {
	case RoleHost:
		if room.host == peer {
			room.host = nil
		}
	case RoleClient:
		if room.client == peer {
			room.client = nil
		}
	}
	empty := room.host == nil && room.client == nil
	if empty {
		linger := time.Duration(h.cfg.RelayRoomLingerSeconds) * time.Second
		room.lingerTimer = time.AfterFunc(linger, func() { h.destroyIfStillEmpty(room) })
	}
	room.mu.Unlock()
}

func (h *Hub) destroyIfStillEmpty(room *Room) {
	room.mu.Lock()
	empty := room.host == nil && room.client == nil
	var remaining []*Peer
	if room.host != nil {
		remaining = append(remaining, room.host)
	}
	if room.client != nil {
		remaining = append(remaining, room.client)
	}
	room.mu.Unlock()
	if !empty {
		return
	}
	h.mu.Lock()
	if h.rooms[room.id] == room {
		delete(h.rooms, room.id)
	}
	metrics.RelayRooms.Set(float64(len(h.rooms)))
	h.mu.Unlock()
	for _, p := range remaining {
		p.close(CloseRoomClosed, "room_closed")
	}
}

// opposite returns the other peer in the room for a given role, or nil.
func (room *Room) opposite(role Role) *Peer {
	room.mu.Lock()
	defer room.mu.Unlock()
	if role == RoleHost {
		return room.client
	}
	return room.host
}

// forwardBinary applies the host->client byte-rate cap and forwards, or
// silently drops the frame on overflow (no buffering).
func (room *Room) forwardBinary(data []byte) {
	other := room.opposite(RoleHost)
	if other == nil {
		return
	}
	if !room.byteLimiter.AllowN(time.Now(), len(data)) {
		metrics.RelayFramesDroppedTotal.WithLabelValues("backpressure").Inc()
		return
	}
	other.enqueue(websocket.BinaryMessage, data)
	metrics.RelayFramesForwardedTotal.WithLabelValues("host_to_client").Inc()
}

// forwardControl applies the client->host control-message rate cap and
// forwards, or drops. Returns true when the frame was within limits
// (used by the caller to reset a peer's violation counter) and false
// when it was dropped by the rate cap.
func (room *Room) forwardControl(data []byte) bool {
	other := room.opposite(RoleClient)
	if !room.ctrlLimiter.Allow() {
		metrics.RelayFramesDroppedTotal.WithLabelValues("rate_limited").Inc()
		return false
	}
	if other != nil {
		other.enqueue(websocket.TextMessage, data)
		metrics.RelayFramesForwardedTotal.WithLabelValues("client_to_host").Inc()
	}
	return true
}

func logDeniedRate(reason string, fields ...any) {
	slog.Warn("relay_connect_denied_rate", append([]any{"reason", reason}, fields...)...)
}
