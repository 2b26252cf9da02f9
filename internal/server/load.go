package server

import (
	"context"
	"net/http"
)

// LoadStatus reports the coordination core's current occupancy against
// its configured capacity ceiling: active sessions, queue depth, and
// live relay rooms.
type LoadStatus struct {
	ActiveSessions int     `json:"activeSessions"`
	MaxSessions    int     `json:"maxSessions"`
	QueueDepth     int     `json:"queueDepth"`
	LoadFactor     float64 `json:"loadFactor"`
	Accepting      bool    `json:"accepting"`
	RelayRooms     int     `json:"relayRooms"`
}

func (h *handlers) loadStatus(ctx context.Context) (LoadStatus, error) {
	active, err := h.app.DB.CountActiveSessions(ctx, nil)
	if err != nil {
		return LoadStatus{}, err
	}
	queueDepth, err := h.app.DB.CountAllWaiting(ctx, nil)
	if err != nil {
		return LoadStatus{}, err
	}
	max := h.app.Config.MaxGlobalSessions
	loadFactor := 0.0
	if max > 0 {
		loadFactor = float64(active) / float64(max)
		if loadFactor > 1.0 {
			loadFactor = 1.0
		}
	}
	accepting := max <= 0 || active < max
	rooms := 0
	if h.app.RelayHandler != nil {
		rooms = h.app.RelayHandler.RoomCount()
	}
	return LoadStatus{
		ActiveSessions: active,
		MaxSessions:    max,
		QueueDepth:     queueDepth,
		LoadFactor:     loadFactor,
		Accepting:      accepting,
		RelayRooms:     rooms,
	}, nil
}

// handleLoad serves GET /api/load: the load/backpressure status a load
// balancer or autoscaler polls.
func (h *handlers) handleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status, err := h.loadStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleHealthz is a liveness probe: it answers without touching any
// dependency.
func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz is a readiness probe: it checks the database and reports
// unready (but not unhealthy) when overloaded past capacity.
func (h *handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	ready := true
	checks := map[string]any{}

	if err := h.app.DB.Ping(); err != nil {
		ready = false
		checks["database"] = map[string]string{"status": "unhealthy", "error": err.Error()}
	} else {
		checks["database"] = map[string]string{"status": "healthy"}
	}

	if status, err := h.loadStatus(ctx); err == nil {
		checks["load"] = status
		if !status.Accepting {
			ready = false
		}
	}

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ready": ready, "checks": checks})
}
