package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dukerupert/studyplan/internal/apperror"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"error": message}. Internal errors are logged and
// their detail hidden from the client.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := apperror.KindOf(err)
	status := apperror.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "kind", kind, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": apperror.Message(err)})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperror.Wrap(apperror.KindInvalidArgument, "invalid JSON", err)
	}
	return nil
}
