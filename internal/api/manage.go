package api

import (
	"context"
	"net/http"

	"procodus.dev/smartmeter/internal/meter"
)

// managedGroup checks the request user takes part in and manages the {gid}
// group. It answers the request itself when the check fails.
func (s *Server) managedGroup(w http.ResponseWriter, r *http.Request) (*meter.Group, bool) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return nil, false
	}
	groupID, err := pathID(r, "gid")
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}

	member, err := s.store.IsMember(r.Context(), groupID, user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if !member {
		s.denied(w, "forbidden", "You do not have permission to perform this action.")
		return nil, false
	}

	g, err := s.store.Group(r.Context(), groupID)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if g.ManagerID != user.ID {
		s.denied(w, "forbidden", "Only the group manager may manage participants.")
		return nil, false
	}
	return g, true
}

// handleManagedParticipantList lists every participant of a group, including
// the ones that left.
func (s *Server) handleManagedParticipantList(w http.ResponseWriter, r *http.Request) {
	g, ok := s.managedGroup(w, r)
	if !ok {
		return
	}
	out := make([]participantJSON, 0, len(g.Participants))
	for i := range g.Participants {
		out = append(out, newParticipantJSON(&g.Participants[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleManagedParticipantDetail serves a participant to its group manager.
func (s *Server) handleManagedParticipantDetail(w http.ResponseWriter, r *http.Request) {
	g, ok := s.managedGroup(w, r)
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

	p, err := s.store.GroupParticipant(ctx, g.ID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newParticipantJSON(p))
}

// handleManagedParticipantUpdate lets the manager rename a participant or
// remove it from the group.
func (s *Server) handleManagedParticipantUpdate(w http.ResponseWriter, r *http.Request) {
	g, ok := s.managedGroup(w, r)
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

	p, err := s.store.GroupParticipant(ctx, g.ID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if p, err = s.updateParticipant(ctx, p, req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("participant updated by manager", "group_id", g.ID, "participant_id", p.ID)
	s.writeJSON(w, http.StatusOK, newParticipantJSON(p))
}
