package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rjsadow/relaydesk/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Error("server: failed to encode response", "error", err)
		}
	}
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError translates a typed apperr.Error into its documented HTTP
// status and code; any other error is logged and surfaced as a generic
// 500 without leaking internals.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		writeJSON(w, appErr.Status, map[string]errorEnvelope{
			"error": {Code: string(appErr.Code), Message: appErr.Message},
		})
		return
	}
	slog.Error("server: unhandled error", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]errorEnvelope{
		"error": {Code: "INTERNAL", Message: "internal error"},
	})
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return apperr.Validation("request body required")
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid request body: " + err.Error())
	}
	return nil
}
