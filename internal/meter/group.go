package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MaxParticipants caps the active participants of a group.
const MaxParticipants = 10

// LedgerConfig holds the configuration for the Ledger.
type LedgerConfig struct {
	Store  *Store
	Logger *slog.Logger
}

// Ledger mutates group membership. Every mutation runs in a transaction
// so a group never exists without its founding participant.
type Ledger struct {
	store  *Store
	logger *slog.Logger
}

// NewLedger creates a new Ledger.
func NewLedger(cfg *LedgerConfig) (*Ledger, error) {
	if cfg == nil {
		return nil, errors.New("ledger config cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &Ledger{
		store:  cfg.Store,
		logger: cfg.Logger.With(slog.String("component", "ledger")),
	}, nil
}

// GroupInput holds the fields of a new group.
type GroupInput struct {
	Name      string
	Summary   string
	PublicKey string
	Public    bool
	// AllowInvite defaults to true.
	AllowInvite *bool
}

// GroupUpdate holds the manager editable group fields. Nil fields are left
// unchanged.
type GroupUpdate struct {
	Name        *string
	Summary     *string
	Public      *bool
	AllowInvite *bool
	// PublicKey is slugified; an empty value generates a new key.
	PublicKey *string
	// ManagerID hands the group over to the owner of another active
	// participant.
	ManagerID        *uint
	RotateInvitation bool
}

func validateGroupName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > 50 {
		return "", invalid("name", "name must be between 1 and 50 characters")
	}
	return name, nil
}

func validateSummary(summary string) (string, error) {
	if utf8.RuneCountInString(summary) > 1000 {
		return "", invalid("summary", "ensure this field has no more than 1000 characters")
	}
	return summary, nil
}

// publicKey normalises a requested public key, generating one when blank,
// and checks it is not used by another group.
func publicKey(tx *gorm.DB, requested string, groupID uint) (string, error) {
	key := slug.Make(requested)
	if strings.TrimSpace(requested) == "" {
		key = uuid.NewString()
	}
	if len(key) > 40 {
		return "", invalid("public_key", "ensure this field has no more than 40 characters")
	}

	var count int64
	if err := tx.Model(&Group{}).Where("public_key = ? AND id <> ?", key, groupID).Count(&count).Error; err != nil {
		return "", fmt.Errorf("failed to check public key: %w", err)
	}
	if count > 0 {
		return "", invalid("public_key", "this link is already in use")
	}
	return key, nil
}

// CreateGroup creates a group managed by manager with meterID as its first
// participant.
func (l *Ledger) CreateGroup(ctx context.Context, manager User, meterID uint, in GroupInput) (*Group, error) {
	name, err := validateGroupName(in.Name)
	if err != nil {
		return nil, err
	}
	summary, err := validateSummary(in.Summary)
	if err != nil {
		return nil, err
	}

	var group Group
	err = l.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := lockMeter(tx, manager.ID, meterID)
		if err != nil {
			return err
		}
		active, err := activeParticipation(tx, m.ID)
		if err != nil {
			return err
		}
		if active != nil {
			return invalid("meter", "this meter already has a group")
		}

		key, err := publicKey(tx, in.PublicKey, 0)
		if err != nil {
			return err
		}

		allowInvite := in.AllowInvite == nil || *in.AllowInvite
		group = Group{
			Name:          name,
			Summary:       summary,
			Public:        in.Public,
			PublicKey:     key,
			InvitationKey: uuid.NewString(),
			AllowInvite:   allowInvite,
			ManagerID:     manager.ID,
			CreatedOn:     l.store.now(),
		}
		// gorm swaps a false allow_invite for the column default on insert
		// and writes the default back into group, so compare against the
		// requested value.
		if err := tx.Omit(clause.Associations).Create(&group).Error; err != nil {
			return fmt.Errorf("failed to create group: %w", err)
		}
		if group.AllowInvite != allowInvite {
			if err := tx.Model(&group).Update("allow_invite", allowInvite).Error; err != nil {
				return fmt.Errorf("failed to create group: %w", err)
			}
		}

		p := newParticipant(group.ID, m, "", l.store.now())
		if err := tx.Omit(clause.Associations).Create(p).Error; err != nil {
			return fmt.Errorf("failed to create founding participant: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("group created",
		"group_id", group.ID,
		"manager_id", manager.ID,
		"meter_id", meterID,
	)
	return l.store.Group(ctx, group.ID)
}

// UpdateGroup applies a manager's changes to a group.
func (l *Ledger) UpdateGroup(ctx context.Context, groupID uint, actor User, in GroupUpdate) (*Group, error) {
	err := l.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := managedGroup(tx, groupID, actor)
		if err != nil {
			return err
		}

		updates := map[string]any{}
		if in.Name != nil {
			name, err := validateGroupName(*in.Name)
			if err != nil {
				return err
			}
			updates["name"] = name
		}
		if in.Summary != nil {
			summary, err := validateSummary(*in.Summary)
			if err != nil {
				return err
			}
			updates["summary"] = summary
		}
		if in.Public != nil {
			updates["public"] = *in.Public
		}
		if in.AllowInvite != nil {
			updates["allow_invite"] = *in.AllowInvite
		}
		if in.PublicKey != nil {
			key, err := publicKey(tx, *in.PublicKey, group.ID)
			if err != nil {
				return err
			}
			updates["public_key"] = key
		}
		if in.RotateInvitation {
			updates["invitation_key"] = uuid.NewString()
		}
		if in.ManagerID != nil && *in.ManagerID != group.ManagerID {
			var count int64
			err := tx.Model(&Participant{}).
				Joins("JOIN meters ON meters.id = group_participants.meter_id").
				Where("group_participants.group_id = ? AND group_participants.left_on IS NULL AND meters.owner_id = ?",
					group.ID, *in.ManagerID).
				Count(&count).Error
			if err != nil {
				return fmt.Errorf("failed to check new manager: %w", err)
			}
			if count == 0 {
				return invalid("manager", "the new manager must be an active participant of this group")
			}
			updates["manager_id"] = *in.ManagerID
		}

		if len(updates) == 0 {
			return nil
		}
		if err := tx.Model(group).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update group: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("group updated", "group_id", groupID, "actor_id", actor.ID)
	return l.store.Group(ctx, groupID)
}

// DeleteGroup removes a group and its participation history.
func (l *Ledger) DeleteGroup(ctx context.Context, groupID uint, actor User) error {
	err := l.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := managedGroup(tx, groupID, actor)
		if err != nil {
			return err
		}
		if err := tx.Where("group_id = ?", group.ID).Delete(&Participant{}).Error; err != nil {
			return fmt.Errorf("failed to delete participants: %w", err)
		}
		if err := tx.Delete(group).Error; err != nil {
			return fmt.Errorf("failed to delete group: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.logger.Info("group deleted", "group_id", groupID, "actor_id", actor.ID)
	return nil
}

// managedGroup locks a group and checks actor manages it.
func managedGroup(tx *gorm.DB, groupID uint, actor User) (*Group, error) {
	var group Group
	err := tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).Take(&group, groupID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	if group.ManagerID != actor.ID {
		return nil, &PermissionError{Reason: "only the group manager may change this group"}
	}
	return &group, nil
}

// lockMeter loads a meter of ownerID for update.
func lockMeter(tx *gorm.DB, ownerID, meterID uint) (*Meter, error) {
	var m Meter
	err := tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("owner_id = ?", ownerID).
		Take(&m, meterID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invalid("meter", "invalid meter %d", meterID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meter: %w", err)
	}
	return &m, nil
}

func preloadParticipants(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Participants.Meter")
}

// Group returns a group with all participants and their meters.
func (s *Store) Group(ctx context.Context, groupID uint) (*Group, error) {
	var group Group
	err := preloadParticipants(s.db.WithContext(ctx)).Take(&group, groupID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return &group, nil
}

// PublicGroup returns a public group by its public key. Private groups are
// reported as not found.
func (s *Store) PublicGroup(ctx context.Context, key string) (*Group, error) {
	var group Group
	err := preloadParticipants(s.db.WithContext(ctx)).
		Where("public_key = ? AND public = ?", key, true).
		Take(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get public group: %w", err)
	}
	return &group, nil
}

// InviteInfo returns the group an invitation key points at, as long as the
// group accepts new participants.
func (s *Store) InviteInfo(ctx context.Context, invitationKey string) (*Group, error) {
	var group Group
	err := s.db.WithContext(ctx).
		Where("invitation_key = ? AND allow_invite = ?", invitationKey, true).
		Take(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	return &group, nil
}

// UserGroups lists the groups a user takes part in with an active meter.
func (s *Store) UserGroups(ctx context.Context, userID uint) ([]Group, error) {
	sub := s.db.Model(&Participant{}).
		Select("group_participants.group_id").
		Joins("JOIN meters ON meters.id = group_participants.meter_id").
		Where("meters.owner_id = ? AND group_participants.left_on IS NULL", userID)

	var groups []Group
	err := preloadParticipants(s.db.WithContext(ctx)).
		Where("id IN (?)", sub).
		Order("id").
		Find(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return groups, nil
}

// ActiveParticipants filters the participants that did not leave.
func (g *Group) ActiveParticipants() []Participant {
	active := make([]Participant, 0, len(g.Participants))
	for _, p := range g.Participants {
		if p.Active() {
			active = append(active, p)
		}
	}
	return active
}
