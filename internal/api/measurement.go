package api

import (
	"context"
	"io"
	"net/http"

	"procodus.dev/smartmeter/internal/meter"
)

func readPayload(r *http.Request) (*meter.Payload, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, &meter.ValidationError{Message: "could not read request body"}
	}
	return meter.DecodeReading(body)
}

// handleMeasurement records a reading posted by a connector.
func (s *Server) handleMeasurement(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	p, err := readPayload(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	m, res, err := s.engine.Ingest(ctx, *user, p, r.UserAgent())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Debug("measurement stored",
		"user_id", user.ID,
		"meter_id", m.ID,
		"created", res.Created,
	)
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"meter":   m.ID,
		"created": res.Created,
		"power":   res.Power != nil,
		"gas":     res.Gas != nil,
		"solar":   res.Solar != nil,
	})
}

// handleMeasurementTest validates a reading and echoes how it was
// interpreted, without storing it.
func (s *Server) handleMeasurementTest(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}

	p, err := readPayload(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	reading, err := s.engine.ValidateReading(p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, reading.Echo())
}
