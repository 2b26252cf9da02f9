package server

import (
	"net/http"

	"github.com/rjsadow/relaydesk/internal/apperr"
)

// handleDiagnosticsBundle serves /admin/diagnostics: GET downloads a
// tar.gz support bundle, POST ships one to the configured S3 bucket
// instead. Gated by a shared admin token rather than a role on the data
// model, since this system has no operator role of its own (the user
// roles are CLIENT and HOST only).
func (h *handlers) handleDiagnosticsBundle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.app.Diagnostics == nil {
		writeError(w, apperr.NotFound("diagnostics not configured"))
		return
	}
	if h.app.Config.AdminToken == "" || r.Header.Get("x-admin-token") != h.app.Config.AdminToken {
		writeError(w, apperr.Forbidden("admin token required"))
		return
	}

	if r.Method == http.MethodPost {
		if h.app.DiagUploader == nil {
			writeError(w, apperr.Validation("no diagnostics upload target configured"))
			return
		}
		key, err := h.app.DiagUploader.Upload(r.Context(), h.app.Diagnostics)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": key})
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", "attachment; filename=relaydesk-diagnostics.tar.gz")
	if err := h.app.Diagnostics.WriteTarGz(r.Context(), w); err != nil {
		writeError(w, err)
		return
	}
}
