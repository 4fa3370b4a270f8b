package api

import (
	"context"
	"net/http"

	"procodus.dev/smartmeter/internal/meter"
)

// handleParticipationList lists every participation of the request user's
// meters.
func (s *Server) handleParticipationList(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireSelf(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	ps, err := s.store.Participations(ctx, user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]participationJSON, 0, len(ps))
	for i := range ps {
		out = append(out, newParticipationJSON(&ps[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

type joinRequest struct {
	InvitationKey string `json:"invitation_key"`
	DisplayName   string `json:"display_name"`
	GroupID       uint   `json:"group"`
	MeterID       uint   `json:"meter"`
}

// handleParticipationCreate accepts an invitation with one of the request
// user's meters.
func (s *Server) handleParticipationCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireSelf(w, r)
	if !ok {
		return
	}

	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	switch {
	case req.GroupID == 0:
		s.writeError(w, r, &meter.ValidationError{Field: "group", Message: "this field is required"})
		return
	case req.MeterID == 0:
		s.writeError(w, r, &meter.ValidationError{Field: "meter", Message: "this field is required"})
		return
	case req.InvitationKey == "":
		s.writeError(w, r, &meter.ValidationError{Field: "invitation_key", Message: "this field is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	p, err := s.ledger.Join(ctx, *user, req.MeterID, req.GroupID, req.InvitationKey, req.DisplayName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newParticipationJSON(p))
}

// handleParticipationDetail serves a participation of the request user.
func (s *Server) handleParticipationDetail(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireSelf(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	p, err := s.store.Participation(ctx, user.ID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newParticipationJSON(p))
}

// participantUpdateRequest renames a participant and, with active set to
// false, makes it leave its group.
type participantUpdateRequest struct {
	DisplayName *string `json:"display_name"`
	Active      *bool   `json:"active"`
}

// updateParticipant applies a participant update. The rename happens first
// since a participant that left can no longer be renamed.
func (s *Server) updateParticipant(ctx context.Context, p *meter.Participant, req participantUpdateRequest) (*meter.Participant, error) {
	if !p.Active() {
		return nil, &meter.ValidationError{Message: "participation is no longer active"}
	}

	var err error
	if req.DisplayName != nil && *req.DisplayName != p.DisplayName {
		if p, err = s.ledger.RenameParticipant(ctx, p.ID, *req.DisplayName); err != nil {
			return nil, err
		}
	}
	if req.Active != nil && !*req.Active {
		if p, err = s.ledger.Leave(ctx, p.ID); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// handleParticipationUpdate renames or ends a participation of the request
// user.
func (s *Server) handleParticipationUpdate(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireSelf(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req participantUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	p, err := s.store.Participation(ctx, user.ID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if p, err = s.updateParticipant(ctx, p, req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newParticipationJSON(p))
}
