package meter

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LiveParticipant is the compact state of a recently updated participant.
type LiveParticipant struct {
	ID          uint            `json:"pk"`
	TotalImport decimal.Decimal `json:"ti"`
	TotalExport decimal.Decimal `json:"te"`
	TotalGas    decimal.Decimal `json:"tg"`
	ActualPower decimal.Decimal `json:"p"`
	ActualGas   decimal.Decimal `json:"g"`
	ActualSolar decimal.Decimal `json:"s"`
}

// LiveGroup is the poll payload of a live group: the group sums plus the
// participants that changed within LivePollWindow.
type LiveGroup struct {
	Recent      []LiveParticipant `json:"r"`
	ID          uint              `json:"pk"`
	TotalImport decimal.Decimal   `json:"ti"`
	TotalExport decimal.Decimal   `json:"te"`
	TotalGas    decimal.Decimal   `json:"tg"`
	ActualPower decimal.Decimal   `json:"p"`
	ActualGas   decimal.Decimal   `json:"g"`
	ActualSolar decimal.Decimal   `json:"s"`
}

// recentlyActive matches active participants whose meter updated within
// LivePollWindow.
func (s *Store) recentlyActive(db *gorm.DB) *gorm.DB {
	return db.Model(&Participant{}).
		Joins("JOIN meters ON meters.id = group_participants.meter_id").
		Where("group_participants.left_on IS NULL AND meters.last_update >= ?", s.now().Add(-LivePollWindow))
}

// ListLiveGroups returns the groups among ids with at least one active
// participant updated within LivePollWindow.
func (s *Store) ListLiveGroups(ctx context.Context, ids []uint) ([]Group, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	db := s.db.WithContext(ctx)
	sub := s.recentlyActive(db).
		Select("group_participants.group_id").
		Where("group_participants.group_id IN ?", ids)

	var groups []Group
	err := preloadParticipants(db).
		Where("id IN (?)", sub).
		Order("id").
		Find(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list live groups: %w", err)
	}
	return groups, nil
}

// RecentParticipants returns the active participants of a group whose meter
// updated within LivePollWindow.
func (s *Store) RecentParticipants(ctx context.Context, groupID uint) ([]Participant, error) {
	var ps []Participant
	err := s.recentlyActive(s.db.WithContext(ctx)).
		Select("group_participants.*").
		Preload("Meter").
		Where("group_participants.group_id = ?", groupID).
		Order("group_participants.id").
		Find(&ps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recent participants: %w", err)
	}
	return ps, nil
}

// LiveData builds the poll payload for the live groups among ids.
func (s *Store) LiveData(ctx context.Context, ids []uint) ([]LiveGroup, error) {
	groups, err := s.ListLiveGroups(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]LiveGroup, 0, len(groups))
	for i := range groups {
		g := &groups[i]
		sum := Aggregate(g.Participants, now)
		live := LiveGroup{
			ID:          g.ID,
			Recent:      []LiveParticipant{},
			TotalImport: sum.TotalImport,
			TotalExport: sum.TotalExport,
			TotalGas:    sum.TotalGas,
			ActualPower: sum.ActualPower,
			ActualGas:   sum.ActualGas,
			ActualSolar: sum.ActualSolar,
		}
		cutoff := now.Add(-LivePollWindow)
		for j := range g.Participants {
			p := &g.Participants[j]
			if !p.Active() || p.Meter == nil || p.Meter.LastUpdate.Before(cutoff) {
				continue
			}
			c := Contribute(p, now)
			live.Recent = append(live.Recent, LiveParticipant{
				ID:          p.ID,
				TotalImport: c.TotalImport,
				TotalExport: c.TotalExport,
				TotalGas:    c.TotalGas,
				ActualPower: c.ActualPower,
				ActualGas:   c.ActualGas,
				ActualSolar: c.ActualSolar,
			})
		}
		out = append(out, live)
	}
	return out, nil
}

// IsMember reports whether userID has a meter actively participating in
// groupID.
func (s *Store) IsMember(ctx context.Context, groupID, userID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Participant{}).
		Joins("JOIN meters ON meters.id = group_participants.meter_id").
		Where("group_participants.group_id = ? AND group_participants.left_on IS NULL AND meters.owner_id = ?", groupID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return count > 0, nil
}
