package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"procodus.dev/smartmeter/internal/meter"
)

// maxBodySize bounds request bodies; readings are well below it.
const maxBodySize = 1 << 20

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func (s *Server) writeDetail(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]string{"detail": detail})
}

// writeError maps store and ledger errors onto HTTP responses. Validation
// errors are keyed by field, errors without a field under non_field_errors.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *meter.ValidationError
	var perr *meter.PermissionError
	switch {
	case errors.As(err, &verr):
		field := verr.Field
		if field == "" {
			field = "non_field_errors"
		}
		s.writeJSON(w, http.StatusBadRequest, map[string][]string{field: {verr.Message}})
	case errors.As(err, &perr):
		s.denied(w, "forbidden", perr.Reason)
	case errors.Is(err, meter.ErrNotFound):
		s.writeDetail(w, http.StatusNotFound, "Not found.")
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		s.writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func (s *Server) denied(w http.ResponseWriter, reason, detail string) {
	if s.metrics != nil {
		s.metrics.AuthFailures.WithLabelValues(reason).Inc()
	}
	status := http.StatusForbidden
	if reason == "unauthenticated" {
		status = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", "Token")
	}
	s.writeDetail(w, status, detail)
}

// decodeBody reads a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return &meter.ValidationError{Message: "could not read request body"}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &meter.ValidationError{Message: "JSON parse error: " + err.Error()}
	}
	return nil
}

// pathID parses a numeric path value. Malformed ids are reported as not found.
func pathID(r *http.Request, name string) (uint, error) {
	id, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil {
		return 0, meter.ErrNotFound
	}
	return uint(id), nil
}
