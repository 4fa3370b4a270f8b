package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"procodus.dev/smartmeter/internal/meter"
)

// timeQuery parses an optional timestamp query parameter.
func (s *Server) timeQuery(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	t, ok := meter.ParseTimestamp(v, s.store.Location(), s.store.Now())
	if !ok {
		return nil, &meter.ValidationError{Field: name, Message: "enter a valid date/time"}
	}
	return &t, nil
}

func (s *Server) timeRange(r *http.Request) (after, before *time.Time, err error) {
	if after, err = s.timeQuery(r, "timestamp_after"); err != nil {
		return nil, nil, err
	}
	if before, err = s.timeQuery(r, "timestamp_before"); err != nil {
		return nil, nil, err
	}
	return after, before, nil
}

// handleMeterList lists the meters of the request user.
func (s *Server) handleMeterList(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireSelf(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	meters, err := s.store.Meters(ctx, user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]meterJSON, 0, len(meters))
	for i := range meters {
		p, err := s.store.ActiveParticipation(ctx, meters[i].ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out = append(out, newMeterJSON(&meters[i], p))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleMeterDetail serves a meter, with its bucketed history when
// measurements=true.
func (s *Server) handleMeterDetail(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireSelf(w, r)
	if !ok {
		return
	}
	meterID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	withHistory, _ := strconv.ParseBool(r.URL.Query().Get("measurements"))
	if !withHistory {
		m, err := s.store.Meter(ctx, user.ID, meterID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		p, err := s.store.ActiveParticipation(ctx, m.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, newMeterDetailJSON(m, p))
		return
	}

	after, before, err := s.timeRange(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	h, err := s.store.MeterHistory(ctx, user.ID, meterID, after, before)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.store.ActiveParticipation(ctx, meterID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newMeterHistoryJSON(h, p))
}

type meterUpdateRequest struct {
	Name       *string `json:"name"`
	Type       *string `json:"type"`
	Visibility *string `json:"visibility_type"`
}

// handleMeterUpdate changes the owner editable fields of a meter.
func (s *Server) handleMeterUpdate(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireSelf(w, r)
	if !ok {
		return
	}
	meterID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req meterUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	m, err := s.store.UpdateMeter(ctx, user.ID, meterID, meter.MeterUpdate{
		Name:       req.Name,
		Type:       req.Type,
		Visibility: req.Visibility,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.store.ActiveParticipation(ctx, m.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newMeterDetailJSON(m, p))
}

// handleMeterDelete removes a meter with its history.
func (s *Server) handleMeterDelete(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireSelf(w, r)
	if !ok {
		return
	}
	meterID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.store.DeleteMeter(ctx, user.ID, meterID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("meter deleted", "user_id", user.ID, "meter_id", meterID)
	w.WriteHeader(http.StatusNoContent)
}

// handleMeasurementList serves the bucketed history of one channel of a
// meter. Both timestamp bounds are required.
func (s *Server) handleMeasurementList(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireSelf(w, r)
	if !ok {
		return
	}
	meterID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	after, before, err := s.timeRange(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	channel := r.PathValue("channel")
	buckets, err := s.store.ChannelHistory(ctx, user.ID, meterID, channel, after, before)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bucketObjects(channel, buckets))
}
