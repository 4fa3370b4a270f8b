package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"procodus.dev/smartmeter/pkg/metrics"
)

// Debounce windows between two stored history rows of a channel. Gas meters
// report on a slightly offset cadence, hence the shorter window.
const (
	PowerGap = 5 * time.Minute
	SolarGap = 5 * time.Minute
	GasGap   = 4*time.Minute + 30*time.Second
)

// EngineConfig holds the configuration for the Engine.
type EngineConfig struct {
	Store   *Store
	Logger  *slog.Logger
	Metrics *metrics.IngestMetrics
	// PowerGatesChannels only appends solar and gas history when power
	// history was appended in the same call.
	PowerGatesChannels bool
}

// Engine records device readings. The meter snapshot is refreshed on every
// reading while history rows are debounced per channel.
type Engine struct {
	store   *Store
	logger  *slog.Logger
	metrics *metrics.IngestMetrics
	locks   *keyedMutex
	gates   bool
}

// IngestResult describes which history rows a reading produced.
type IngestResult struct {
	Created bool
	Power   *PowerMeasurement
	Gas     *GasMeasurement
	Solar   *SolarMeasurement
}

// NewEngine creates a new Engine.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine config cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &Engine{
		store:   cfg.Store,
		logger:  cfg.Logger.With(slog.String("component", "ingest")),
		metrics: cfg.Metrics,
		locks:   newKeyedMutex(),
		gates:   cfg.PowerGatesChannels,
	}, nil
}

// ValidateReading parses a payload without storing anything.
func (e *Engine) ValidateReading(p *Payload) (Reading, error) {
	return p.Validate(e.store.loc, e.store.now())
}

// Ingest validates a raw payload and records it for owner.
func (e *Engine) Ingest(ctx context.Context, owner User, p *Payload, userAgent string) (*Meter, *IngestResult, error) {
	r, err := e.ValidateReading(p)
	if err != nil {
		e.count("invalid")
		return nil, nil, err
	}
	return e.RecordReading(ctx, owner, r, userAgent)
}

// RecordReading stores a validated reading for owner. The meter is resolved
// by (owner, power serial) and created when unseen. Readings for the same
// meter are serialised.
func (e *Engine) RecordReading(ctx context.Context, owner User, in Reading, userAgent string) (*Meter, *IngestResult, error) {
	if e.metrics != nil {
		start := time.Now()
		defer func() {
			e.metrics.IngestDuration.Observe(time.Since(start).Seconds())
		}()
	}

	unlock := e.locks.Lock(meterKey(owner.ID, in.Power.Serial))
	defer unlock()

	agent := ParseAgentVersion(userAgent)
	var (
		meter  Meter
		result IngestResult
	)

	err := e.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := e.store.now()

		err := tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
			Where("owner_id = ? AND sn_power = ?", owner.ID, in.Power.Serial).
			Take(&meter).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := e.createMeter(tx, owner, &meter, in, agent, now); err != nil {
				return err
			}
			result.Created = true
		case err != nil:
			return fmt.Errorf("failed to get meter: %w", err)
		default:
			applySnapshot(&meter, in, agent, now)
		}

		if err := e.appendHistory(tx, &meter, in, &result); err != nil {
			return err
		}

		// A new meter was inserted with its snapshot already complete.
		if result.Created {
			return nil
		}

		if result.Gas != nil {
			meter.ActualGas = decimal.NewNullDecimal(result.Gas.ActualGas)
		}
		if err := tx.Model(&meter).Select(snapshotColumns).Updates(&meter).Error; err != nil {
			return fmt.Errorf("failed to update meter snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		e.count("error")
		e.logger.Error("failed to record reading",
			"owner_id", owner.ID,
			"sn", in.Power.Serial,
			"error", err,
		)
		return nil, nil, err
	}

	e.count("success")
	e.logger.Debug("reading recorded",
		"meter_id", meter.ID,
		"created", result.Created,
		"power", result.Power != nil,
		"gas", result.Gas != nil,
		"solar", result.Solar != nil,
	)
	return &meter, &result, nil
}

func (e *Engine) createMeter(tx *gorm.DB, owner User, m *Meter, in Reading, agent string, now time.Time) error {
	var count int64
	if err := tx.Model(&Meter{}).Where("owner_id = ?", owner.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count meters: %w", err)
	}

	*m = Meter{
		OwnerID:    owner.ID,
		Name:       defaultMeterName(owner, count),
		Type:       TypeConsumer,
		Visibility: VisibilityPrivate,
	}
	applySnapshot(m, in, agent, now)
	if in.Gas != nil {
		// Without history the first rate is zero.
		m.ActualGas = decimal.NewNullDecimal(decimal.Zero)
	}

	if err := tx.Create(m).Error; err != nil {
		return fmt.Errorf("failed to create meter: %w", err)
	}
	if e.metrics != nil {
		e.metrics.MetersCreated.Inc()
	}
	e.logger.Info("meter created",
		"meter_id", m.ID,
		"owner_id", owner.ID,
		"sn", in.Power.Serial,
	)
	return nil
}

// appendHistory writes the debounced history rows, power first, then solar,
// then gas.
func (e *Engine) appendHistory(tx *gorm.DB, m *Meter, in Reading, result *IngestResult) error {
	var err error
	result.Power, err = e.appendPower(tx, m.ID, result.Created, in.Power)
	if err != nil {
		return err
	}

	gated := e.gates && result.Power == nil

	if in.Solar != nil {
		if gated {
			e.debounced(ChannelSolar)
		} else if result.Solar, err = e.appendSolar(tx, m.ID, result.Created, in.Solar); err != nil {
			return err
		}
	}

	if in.Gas != nil {
		if gated {
			e.debounced(ChannelGas)
		} else if result.Gas, err = e.appendGas(tx, m.ID, result.Created, in.Gas); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) appendPower(tx *gorm.DB, meterID uint, created bool, in PowerReading) (*PowerMeasurement, error) {
	if !created {
		prior, err := latest[PowerMeasurement](tx, meterID)
		if err != nil {
			return nil, err
		}
		if prior != nil && !due(&prior.Timestamp, in.Timestamp, PowerGap) {
			e.debounced(ChannelPower)
			return nil, nil
		}
	}

	row := &PowerMeasurement{
		MeterID:      meterID,
		Timestamp:    in.Timestamp,
		ActualImport: in.ActualImport,
		ActualExport: in.ActualExport,
		TotalImport1: in.Import1,
		TotalImport2: in.Import2,
		TotalExport1: in.Export1,
		TotalExport2: in.Export2,
	}
	return insertRow(e, tx, ChannelPower, row)
}

func (e *Engine) appendSolar(tx *gorm.DB, meterID uint, created bool, in *SolarReading) (*SolarMeasurement, error) {
	if !created {
		prior, err := latest[SolarMeasurement](tx, meterID)
		if err != nil {
			return nil, err
		}
		if prior != nil && !due(&prior.Timestamp, in.Timestamp, SolarGap) {
			e.debounced(ChannelSolar)
			return nil, nil
		}
	}

	row := &SolarMeasurement{
		MeterID:     meterID,
		Timestamp:   in.Timestamp,
		ActualSolar: in.Actual,
		TotalSolar:  in.Total.Decimal,
	}
	return insertRow(e, tx, ChannelSolar, row)
}

func (e *Engine) appendGas(tx *gorm.DB, meterID uint, created bool, in *GasReading) (*GasMeasurement, error) {
	var prior *GasMeasurement
	if !created {
		var err error
		prior, err = latest[GasMeasurement](tx, meterID)
		if err != nil {
			return nil, err
		}
		if prior != nil && !due(&prior.Timestamp, in.Timestamp, GasGap) {
			e.debounced(ChannelGas)
			return nil, nil
		}
	}

	row := &GasMeasurement{
		MeterID:   meterID,
		Timestamp: in.Timestamp,
		ActualGas: GasRate(prior, in.Total, in.Timestamp),
		TotalGas:  in.Total,
	}
	return insertRow(e, tx, ChannelGas, row)
}

// insertRow appends a history row. A row that already exists for the same
// (meter, timestamp) is skipped and reported as nil.
func insertRow[T any](e *Engine, tx *gorm.DB, channel string, row *T) (*T, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to store %s measurement: %w", channel, res.Error)
	}
	if res.RowsAffected == 0 {
		if e.metrics != nil {
			e.metrics.DuplicatesSkipped.WithLabelValues(channel).Inc()
		}
		return nil, nil
	}
	if e.metrics != nil {
		e.metrics.MeasurementsStored.WithLabelValues(channel).Inc()
	}
	return row, nil
}

// latest returns the most recent history row of a meter, or nil.
func latest[T any](tx *gorm.DB, meterID uint) (*T, error) {
	var row T
	err := tx.Where("meter_id = ?", meterID).Order("timestamp DESC").Order("id DESC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest measurement: %w", err)
	}
	return &row, nil
}

func (e *Engine) debounced(channel string) {
	if e.metrics != nil {
		e.metrics.MeasurementsDebounced.WithLabelValues(channel).Inc()
	}
}

func (e *Engine) count(status string) {
	if e.metrics != nil {
		e.metrics.ReadingsTotal.WithLabelValues(status).Inc()
	}
}

func defaultMeterName(owner User, count int64) string {
	suffix := fmt.Sprintf(" %d", count+1)
	prefix := owner.Username
	if prefix == "" {
		prefix = "meter"
	}
	return truncateRunes(prefix, 30-len(suffix)) + suffix
}

// truncateRunes cuts s to at most n characters without splitting one.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
