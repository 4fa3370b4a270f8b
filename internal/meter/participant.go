package meter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// newParticipant captures the join baseline from the meter's current
// snapshot.
func newParticipant(groupID uint, m *Meter, displayName string, now time.Time) *Participant {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = m.Name
	}
	return &Participant{
		GroupID:           groupID,
		MeterID:           m.ID,
		JoinedOn:          now,
		DisplayName:       name,
		PowerImportJoined: m.PowerImport(),
		PowerExportJoined: m.PowerExport(),
		GasJoined:         m.TotalGas,
		SolarJoined:       m.TotalSolar,
	}
}

func validateDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > 30 {
		return "", invalid("display_name", "ensure this field has no more than 30 characters")
	}
	return name, nil
}

// Join adds a meter of owner to a group. The invitation secret must match
// and the group must accept invites and have room left.
func (l *Ledger) Join(ctx context.Context, owner User, meterID, groupID uint, secret, displayName string) (*Participant, error) {
	displayName, err := validateDisplayName(displayName)
	if err != nil {
		return nil, err
	}

	var p *Participant
	err = l.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var group Group
		err := tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).Take(&group, groupID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return invalid("group", "invalid group %d", groupID)
		}
		if err != nil {
			return fmt.Errorf("failed to get group: %w", err)
		}
		if !group.AllowInvite || group.InvitationKey != secret {
			return invalid("invitation_key", "this invitation is not valid")
		}

		m, err := lockMeter(tx, owner.ID, meterID)
		if err != nil {
			return err
		}
		active, err := activeParticipation(tx, m.ID)
		if err != nil {
			return err
		}
		if active != nil {
			return invalid("meter", "this meter is already part of a group")
		}

		var count int64
		err = tx.Model(&Participant{}).Where("group_id = ? AND left_on IS NULL", group.ID).Count(&count).Error
		if err != nil {
			return fmt.Errorf("failed to count participants: %w", err)
		}
		if count >= MaxParticipants {
			return invalid("group", "group %q has no room for new participants", group.Name)
		}

		p = newParticipant(group.ID, m, displayName, l.store.now())
		if err := tx.Omit(clause.Associations).Create(p).Error; err != nil {
			return fmt.Errorf("failed to create participant: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("meter joined group",
		"group_id", groupID,
		"meter_id", meterID,
		"participant_id", p.ID,
	)
	return l.store.participant(ctx, p.ID)
}

// Leave ends a participation and freezes the leave baseline. The manager
// has to hand over or delete the group before leaving it.
func (l *Ledger) Leave(ctx context.Context, participantID uint) (*Participant, error) {
	err := l.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := lockParticipant(tx, participantID)
		if err != nil {
			return err
		}
		if !p.Active() {
			return invalid("", "participation is no longer active")
		}

		var m Meter
		err = tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).Take(&m, p.MeterID).Error
		if err != nil {
			return fmt.Errorf("failed to get meter: %w", err)
		}

		var group Group
		if err := tx.Take(&group, p.GroupID).Error; err != nil {
			return fmt.Errorf("failed to get group: %w", err)
		}
		if group.ManagerID == m.OwnerID {
			var others int64
			err := tx.Model(&Participant{}).
				Joins("JOIN meters ON meters.id = group_participants.meter_id").
				Where("group_participants.group_id = ? AND group_participants.left_on IS NULL AND group_participants.id <> ? AND meters.owner_id = ?",
					group.ID, p.ID, m.OwnerID).
				Count(&others).Error
			if err != nil {
				return fmt.Errorf("failed to check manager participation: %w", err)
			}
			if others == 0 {
				return invalid("", "the group manager cannot leave, assign a new manager or delete the group")
			}
		}

		now := l.store.now()
		err = tx.Model(p).Updates(map[string]any{
			"left_on":           now,
			"power_import_left": decimal.NewNullDecimal(m.PowerImport()),
			"power_export_left": decimal.NewNullDecimal(m.PowerExport()),
			"gas_left":          m.TotalGas,
			"solar_left":        m.TotalSolar,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to leave group: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("participant left group", "participant_id", participantID)
	return l.store.participant(ctx, participantID)
}

// RenameParticipant changes the display name of an active participant.
func (l *Ledger) RenameParticipant(ctx context.Context, participantID uint, displayName string) (*Participant, error) {
	name, err := validateDisplayName(displayName)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, invalid("display_name", "this field may not be blank")
	}

	err = l.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := lockParticipant(tx, participantID)
		if err != nil {
			return err
		}
		if !p.Active() {
			return invalid("", "participation is no longer active")
		}
		if err := tx.Model(p).Update("display_name", name).Error; err != nil {
			return fmt.Errorf("failed to rename participant: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l.store.participant(ctx, participantID)
}

func lockParticipant(tx *gorm.DB, id uint) (*Participant, error) {
	var p Participant
	err := tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).Take(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return &p, nil
}

func (s *Store) participant(ctx context.Context, id uint) (*Participant, error) {
	var p Participant
	err := s.db.WithContext(ctx).Preload("Meter").Preload("Group").Take(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return &p, nil
}

// Participations lists every participation, active or not, of the meters
// of ownerID.
func (s *Store) Participations(ctx context.Context, ownerID uint) ([]Participant, error) {
	var ps []Participant
	err := s.db.WithContext(ctx).
		Select("group_participants.*").
		Preload("Meter").Preload("Group").
		Joins("JOIN meters ON meters.id = group_participants.meter_id").
		Where("meters.owner_id = ?", ownerID).
		Order("group_participants.id").
		Find(&ps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list participations: %w", err)
	}
	return ps, nil
}

// Participation returns a participation of one of ownerID's meters.
func (s *Store) Participation(ctx context.Context, ownerID, id uint) (*Participant, error) {
	p, err := s.participant(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Meter == nil || p.Meter.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return p, nil
}

// GroupParticipant returns a participant of a group, used by its manager.
func (s *Store) GroupParticipant(ctx context.Context, groupID, id uint) (*Participant, error) {
	p, err := s.participant(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.GroupID != groupID {
		return nil, ErrNotFound
	}
	return p, nil
}
