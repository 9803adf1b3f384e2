package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/apperr"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
)

type errorBody struct {
	Error   string   `json:"error"`
	Kind    string   `json:"kind,omitempty"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

// writeAppErr maps the error taxonomy onto status codes. Internal causes are logged, never echoed.
func writeAppErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{Error: apperr.Message(err), Kind: string(kind)}
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindValidation:
		status = http.StatusBadRequest
		body.Details = apperr.DetailsOf(err)
	case apperr.KindAuthorization:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	default:
		logging.Error(r.Context(), "request failed", zap.String("path", r.URL.Path), zap.Error(err))
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

// queryInt returns def for a missing parameter and ok=false for a malformed one.
func queryInt(r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
