package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Freshness windows. They serve different purposes and are kept apart.
const (
	// LivePollWindow selects participants that changed since the last poll.
	LivePollWindow = 15 * time.Second
	// ActiveWindow zeroes actual values of meters that stopped reporting.
	ActiveWindow = 24 * time.Hour
	// StatsLiveWindow counts meters as live in the statistics view.
	StatsLiveWindow = 2 * time.Hour
)

// StoreConfig holds the configuration for the Store.
type StoreConfig struct {
	DB     *gorm.DB
	Logger *slog.Logger
	// Location is used for P1 timestamps and bucket truncation.
	// Defaults to Europe/Amsterdam.
	Location *time.Location
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Store gives access to meters, measurements and groups.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	loc    *time.Location
	now    func() time.Time
}

// NewStore creates a new Store.
func NewStore(cfg *StoreConfig) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("store config cannot be nil")
	}

	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	loc := cfg.Location
	if loc == nil {
		var err error
		loc, err = time.LoadLocation(DefaultZone)
		if err != nil {
			return nil, fmt.Errorf("failed to load time zone %s: %w", DefaultZone, err)
		}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Store{
		db:     cfg.DB,
		logger: cfg.Logger.With(slog.String("component", "meter-store")),
		loc:    loc,
		now:    func() time.Time { return now().UTC() },
	}, nil
}

// Location returns the zone used for timestamp parsing and bucketing.
func (s *Store) Location() *time.Location {
	return s.loc
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return s.now()
}

// Migrate creates or updates the tables of all models.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}
	return nil
}

// CreateUser creates an active user with a fresh API key.
func (s *Store) CreateUser(ctx context.Context, username string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, invalid("username", "this field is required")
	}

	user := &User{
		Username: username,
		APIKey:   newAPIKey(),
		Active:   true,
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, invalid("username", "a user with that username already exists")
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// UserByAPIKey resolves an active user by API key.
func (s *Store) UserByAPIKey(ctx context.Context, key string) (*User, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	var user User
	err := s.db.WithContext(ctx).Where("api_key = ? AND active = ?", key, true).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return &user, nil
}

// User returns a user by id.
func (s *Store) User(ctx context.Context, id uint) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Take(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// Meters lists the meters of a user ordered by id.
func (s *Store) Meters(ctx context.Context, ownerID uint) ([]Meter, error) {
	var meters []Meter
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("id").Find(&meters).Error; err != nil {
		return nil, fmt.Errorf("failed to list meters: %w", err)
	}
	return meters, nil
}

// Meter returns a meter owned by ownerID.
func (s *Store) Meter(ctx context.Context, ownerID, meterID uint) (*Meter, error) {
	var m Meter
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Take(&m, meterID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meter: %w", err)
	}
	return &m, nil
}

// MeterUpdate holds the owner editable meter fields. Nil fields are left
// unchanged.
type MeterUpdate struct {
	Name       *string
	Type       *string
	Visibility *string
}

// UpdateMeter changes the name, type or visibility of a meter.
func (s *Store) UpdateMeter(ctx context.Context, ownerID, meterID uint, in MeterUpdate) (*Meter, error) {
	m, err := s.Meter(ctx, ownerID, meterID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" || utf8.RuneCountInString(name) > 30 {
			return nil, invalid("name", "name must be between 1 and 30 characters")
		}
		updates["name"] = name
	}
	if in.Type != nil {
		if !validMeterType(*in.Type) {
			return nil, invalid("type", "%q is not a valid choice", *in.Type)
		}
		updates["type"] = *in.Type
	}
	if in.Visibility != nil {
		switch *in.Visibility {
		case VisibilityPrivate, VisibilityGroup, VisibilityPublic:
			updates["visibility"] = *in.Visibility
		default:
			return nil, invalid("visibility_type", "%q is not a valid choice", *in.Visibility)
		}
	}
	if len(updates) == 0 {
		return m, nil
	}

	if err := s.db.WithContext(ctx).Model(m).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update meter: %w", err)
	}
	return s.Meter(ctx, ownerID, meterID)
}

// DeleteMeter removes a meter with its history and participation rows. A
// manager cannot delete the meter that keeps them in their group.
func (s *Store) DeleteMeter(ctx context.Context, ownerID, meterID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m Meter
		err := tx.Where("owner_id = ?", ownerID).Take(&m, meterID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get meter: %w", err)
		}

		var managed int64
		err = tx.Model(&Participant{}).
			Joins("JOIN group_meters ON group_meters.id = group_participants.group_id").
			Where("group_participants.meter_id = ? AND group_participants.left_on IS NULL AND group_meters.manager_id = ?",
				meterID, ownerID).
			Count(&managed).Error
		if err != nil {
			return fmt.Errorf("failed to check group management: %w", err)
		}
		if managed > 0 {
			return invalid("meter", "this meter is part of a group you manage, transfer or delete the group first")
		}

		for _, model := range []any{&PowerMeasurement{}, &GasMeasurement{}, &SolarMeasurement{}, &Participant{}} {
			if err := tx.Where("meter_id = ?", meterID).Delete(model).Error; err != nil {
				return fmt.Errorf("failed to delete meter children: %w", err)
			}
		}
		if err := tx.Delete(&m).Error; err != nil {
			return fmt.Errorf("failed to delete meter: %w", err)
		}
		return nil
	})
}

// ActiveParticipation returns the active participation of a meter, or nil
// when the meter is not in a group.
func (s *Store) ActiveParticipation(ctx context.Context, meterID uint) (*Participant, error) {
	return activeParticipation(s.db.WithContext(ctx), meterID)
}

func activeParticipation(db *gorm.DB, meterID uint) (*Participant, error) {
	var p Participant
	err := db.Where("meter_id = ? AND left_on IS NULL", meterID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participation: %w", err)
	}
	return &p, nil
}

func validMeterType(t string) bool {
	switch t {
	case TypeConsumer, TypeProsumer, TypeBattery, TypeProducerSolar, TypeProducerWind, TypeProducerOther:
		return true
	}
	return false
}

func newAPIKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
