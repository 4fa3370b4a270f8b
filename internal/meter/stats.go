package meter

import (
	"context"
	"fmt"
)

// Statistics are the platform wide counters shown on the landing page.
type Statistics struct {
	LiveMeters   int64 `json:"live_meters"`
	TotalMeters  int64 `json:"total_meters"`
	PublicGroups int64 `json:"public_groups"`
	TotalGroups  int64 `json:"total_groups"`
	TotalUsers   int64 `json:"total_users"`
}

// Statistics counts meters, groups and users. Meters that reported within
// StatsLiveWindow count as live.
func (s *Store) Statistics(ctx context.Context) (*Statistics, error) {
	db := s.db.WithContext(ctx)
	var st Statistics

	counts := []struct {
		name  string
		query func() error
	}{
		{"live meters", func() error {
			return db.Model(&Meter{}).Where("last_update >= ?", s.now().Add(-StatsLiveWindow)).Count(&st.LiveMeters).Error
		}},
		{"meters", func() error {
			return db.Model(&Meter{}).Count(&st.TotalMeters).Error
		}},
		{"public groups", func() error {
			return db.Model(&Group{}).Where("public = ?", true).Count(&st.PublicGroups).Error
		}},
		{"groups", func() error {
			return db.Model(&Group{}).Count(&st.TotalGroups).Error
		}},
		{"users", func() error {
			return db.Model(&User{}).Where("active = ?", true).Count(&st.TotalUsers).Error
		}},
	}
	for _, c := range counts {
		if err := c.query(); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.name, err)
		}
	}
	return &st, nil
}
