package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mkw-stats/war-ingester/internal/model"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the library error kinds onto HTTP statuses. Unmapped
// errors are a 500 with a generic body; the detail stays in the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	switch {
	case model.IsValidation(err),
		errors.Is(err, model.ErrDuplicateNickname),
		errors.Is(err, model.ErrDuplicatePlayer):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, model.ErrUnauthenticated):
		status, msg = http.StatusUnauthorized, "authentication required"
	case errors.Is(err, model.ErrPermission):
		status, msg = http.StatusForbidden, "insufficient guild permission"
	case errors.Is(err, model.ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, model.ErrSessionNotOpen):
		status, msg = http.StatusConflict, "session is not open"
	case errors.Is(err, model.ErrSessionExpired):
		status, msg = http.StatusGone, "session expired"
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.Validationf("invalid request body: %v", err)
	}
	return nil
}

// pathGuildID parses the {g} path variable.
func pathGuildID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["g"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, model.Validationf("invalid guild id %q", raw)
	}
	return id, nil
}

func pathInt64(r *http.Request, name string) (int64, error) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, model.Validationf("invalid %s %q", name, raw)
	}
	return id, nil
}

func queryInt(r *http.Request, name, def string) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		raw = def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
