package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"procodus.dev/smartmeter/internal/meter"
)

// memberGroup loads a group the user actively takes part in. Other groups
// are reported as not found.
func (s *Server) memberGroup(ctx context.Context, groupID uint, user *meter.User) (*meter.Group, error) {
	member, err := s.store.IsMember(ctx, groupID, user.ID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, meter.ErrNotFound
	}
	return s.store.Group(ctx, groupID)
}

// handleGroupList lists the groups of the request user.
func (s *Server) handleGroupList(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireSelf(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	groups, err := s.store.UserGroups(ctx, user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]groupJSON, 0, len(groups))
	for i := range groups {
		out = append(out, newGroupJSON(&groups[i], user))
	}
	s.writeJSON(w, http.StatusOK, out)
}

type groupCreateRequest struct {
	AllowInvite *bool  `json:"allow_invite"`
	Name        string `json:"name"`
	Summary     string `json:"summary"`
	PublicKey   string `json:"public_key"`
	MeterID     uint   `json:"meter"`
	Public      bool   `json:"public"`
}

// handleGroupCreate creates a group managed by the request user.
func (s *Server) handleGroupCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireSelf(w, r)
	if !ok {
		return
	}

	var req groupCreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.MeterID == 0 {
		s.writeError(w, r, &meter.ValidationError{Field: "meter", Message: "this field is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	g, err := s.ledger.CreateGroup(ctx, *user, req.MeterID, meter.GroupInput{
		Name:        req.Name,
		Summary:     req.Summary,
		PublicKey:   req.PublicKey,
		Public:      req.Public,
		AllowInvite: req.AllowInvite,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newGroupJSON(g, user))
}

// handleGroupDetail serves a group of the request user.
func (s *Server) handleGroupDetail(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireSelf(w, r)
	if !ok {
		return
	}
	groupID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	g, err := s.memberGroup(ctx, groupID, user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newGroupDetailJSON(g, user))
}

type groupUpdateRequest struct {
	Name             *string `json:"name"`
	Summary          *string `json:"summary"`
	Public           *bool   `json:"public"`
	AllowInvite      *bool   `json:"allow_invite"`
	PublicKey        *string `json:"public_key"`
	ManagerID        *uint   `json:"manager"`
	NewInvitationKey bool    `json:"new_invitation_key"`
}

// handleGroupUpdate applies the manager's changes to a group.
func (s *Server) handleGroupUpdate(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireSelf(w, r)
	if !ok {
		return
	}
	groupID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req groupUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if _, err := s.memberGroup(ctx, groupID, user); err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := s.ledger.UpdateGroup(ctx, groupID, *user, meter.GroupUpdate{
		Name:             req.Name,
		Summary:          req.Summary,
		Public:           req.Public,
		AllowInvite:      req.AllowInvite,
		PublicKey:        req.PublicKey,
		ManagerID:        req.ManagerID,
		RotateInvitation: req.NewInvitationKey,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newGroupDetailJSON(g, user))
}

// handleGroupDelete removes a group managed by the request user.
func (s *Server) handleGroupDelete(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireSelf(w, r)
	if !ok {
		return
	}
	groupID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if _, err := s.memberGroup(ctx, groupID, user); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ledger.DeleteGroup(ctx, groupID, *user); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGroupView serves the dashboard data of a group to its active
// participants.
func (s *Server) handleGroupView(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	groupID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	member, err := s.store.IsMember(ctx, groupID, user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Groups the user takes no part in are reported like unknown ones.
	if !member {
		s.writeError(w, r, meter.ErrNotFound)
		return
	}
	g, err := s.store.Group(ctx, groupID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newGroupViewJSON(g, s.store.Now()))
}

// handlePublicGroupView serves the dashboard data of a public group.
func (s *Server) handlePublicGroupView(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	g, err := s.store.PublicGroup(ctx, r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newGroupViewJSON(g, s.store.Now()))
}

// handleInviteInfo shows what group an invitation leads to.
func (s *Server) handleInviteInfo(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	g, err := s.store.InviteInfo(ctx, r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := inviteJSON{
		ID:            g.ID,
		Name:          g.Name,
		Public:        g.Public,
		InvitationKey: g.InvitationKey,
	}
	manager, err := s.store.User(ctx, g.ManagerID)
	switch {
	case errors.Is(err, meter.ErrNotFound):
	case err != nil:
		s.writeError(w, r, err)
		return
	default:
		out.Manager = &userJSON{ID: manager.ID, Username: manager.Username}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// parseIDs parses a comma separated id list.
func parseIDs(v string) ([]uint, error) {
	if v == "" {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	ids := make([]uint, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, &meter.ValidationError{Field: "groups", Message: "enter a comma separated list of group ids"}
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}

// handleLiveData serves the poll payload of the live dashboards. It is
// guarded by the shared live token instead of a user.
func (s *Server) handleLiveData(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if s.config.LiveToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.LiveToken)) != 1 {
		if userFrom(r.Context()) == nil && token == "" {
			s.denied(w, "unauthenticated", "Authentication credentials were not provided.")
			return
		}
		s.denied(w, "token", "You do not have permission to perform this action.")
		return
	}

	ids, err := parseIDs(r.URL.Query().Get("groups"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	groups, err := s.store.LiveData(ctx, ids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]liveGroupJSON, 0, len(groups))
	for i := range groups {
		out = append(out, newLiveGroupJSON(&groups[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}
