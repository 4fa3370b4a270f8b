package meter

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Resolution is the width of a history bucket.
type Resolution string

// Resolutions.
const (
	ResolutionMinute Resolution = "minute"
	ResolutionHour   Resolution = "hour"
	ResolutionDay    Resolution = "day"
)

type fieldKind int

const (
	rateField fieldKind = iota
	totalField
)

type field struct {
	name string
	kind fieldKind
}

// Field layout per channel, in output order.
var channelFields = map[string][]field{
	ChannelPower: {
		{"actual_import", rateField},
		{"actual_export", rateField},
		{"total_import_1", totalField},
		{"total_import_2", totalField},
		{"total_export_1", totalField},
		{"total_export_2", totalField},
	},
	ChannelGas: {
		{"actual_gas", rateField},
		{"total_gas", totalField},
	},
	ChannelSolar: {
		{"actual_solar", rateField},
		{"total_solar", totalField},
	},
}

// Fields returns the value names of a channel in Bucket.Values order.
func Fields(channel string) []string {
	fs := channelFields[channel]
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = f.name
	}
	return names
}

// Bucket is an aggregated slice of history. Rates are averaged, totals hold
// the increase within the bucket.
type Bucket struct {
	Timestamp time.Time
	Values    []decimal.Decimal
	ID        uint
}

type sample struct {
	Timestamp time.Time
	Values    []decimal.Decimal
	ID        uint
}

// ResolutionFor picks the bucket width for a range. Spans shorter than two
// whole days get minutes, shorter than fourteen days hours, else days.
func ResolutionFor(after, before time.Time) Resolution {
	days := int(before.Sub(after) / (24 * time.Hour))
	switch {
	case days < 2:
		return ResolutionMinute
	case days < 14:
		return ResolutionHour
	default:
		return ResolutionDay
	}
}

// truncate returns the start of the bucket holding t, in loc.
func truncate(t time.Time, res Resolution, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	switch res {
	case ResolutionDay:
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	case ResolutionHour:
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, loc)
	default:
		return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc)
	}
}

// reduce groups samples into buckets. Samples must be sorted by ID; the
// result is ordered by the lowest ID in each bucket.
func reduce(samples []sample, fields []field, res Resolution, loc *time.Location) []Bucket {
	type acc struct {
		bucket Bucket
		sums   []decimal.Decimal
		mins   []decimal.Decimal
		maxs   []decimal.Decimal
		n      int64
	}

	index := make(map[int64]*acc)
	var order []*acc
	for _, s := range samples {
		key := truncate(s.Timestamp, res, loc).Unix()
		a, ok := index[key]
		if !ok {
			a = &acc{
				bucket: Bucket{ID: s.ID, Timestamp: s.Timestamp},
				sums:   make([]decimal.Decimal, len(fields)),
				mins:   append([]decimal.Decimal(nil), s.Values...),
				maxs:   append([]decimal.Decimal(nil), s.Values...),
			}
			index[key] = a
			order = append(order, a)
		}
		if s.ID < a.bucket.ID {
			a.bucket.ID = s.ID
		}
		if s.Timestamp.Before(a.bucket.Timestamp) {
			a.bucket.Timestamp = s.Timestamp
		}
		for i, v := range s.Values {
			a.sums[i] = a.sums[i].Add(v)
			if v.LessThan(a.mins[i]) {
				a.mins[i] = v
			}
			if v.GreaterThan(a.maxs[i]) {
				a.maxs[i] = v
			}
		}
		a.n++
	}

	buckets := make([]Bucket, 0, len(order))
	for _, a := range order {
		values := make([]decimal.Decimal, len(fields))
		for i, f := range fields {
			if f.kind == rateField {
				values[i] = a.sums[i].Div(decimal.NewFromInt(a.n)).Round(3)
			} else {
				values[i] = a.maxs[i].Sub(a.mins[i])
			}
		}
		a.bucket.Values = values
		buckets = append(buckets, a.bucket)
	}
	sort.SliceStable(buckets, func(i, j int) bool { return buckets[i].ID < buckets[j].ID })
	return buckets
}

func requireRange(after, before *time.Time) error {
	if after == nil || before == nil {
		return invalid("timestamp", "start/stop timestamp required")
	}
	return nil
}

// QueryRange returns bucketed history of one channel between after and
// before, both inclusive.
func (s *Store) QueryRange(ctx context.Context, meterID uint, channel string, after, before *time.Time) ([]Bucket, error) {
	if err := requireRange(after, before); err != nil {
		return nil, err
	}
	fields, ok := channelFields[channel]
	if !ok {
		return nil, invalid("channel", "unknown channel %q", channel)
	}

	samples, err := s.samples(ctx, meterID, channel, *after, *before)
	if err != nil {
		return nil, err
	}
	return reduce(samples, fields, ResolutionFor(*after, *before), s.loc), nil
}

func (s *Store) samples(ctx context.Context, meterID uint, channel string, after, before time.Time) ([]sample, error) {
	q := s.db.WithContext(ctx).
		Where("meter_id = ? AND timestamp >= ? AND timestamp <= ?", meterID, after.UTC(), before.UTC()).
		Order("id")

	var out []sample
	switch channel {
	case ChannelPower:
		var rows []PowerMeasurement
		if err := q.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to query power history: %w", err)
		}
		out = make([]sample, len(rows))
		for i, r := range rows {
			out[i] = sample{ID: r.ID, Timestamp: r.Timestamp, Values: []decimal.Decimal{
				r.ActualImport, r.ActualExport, r.TotalImport1, r.TotalImport2, r.TotalExport1, r.TotalExport2,
			}}
		}
	case ChannelGas:
		var rows []GasMeasurement
		if err := q.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to query gas history: %w", err)
		}
		out = make([]sample, len(rows))
		for i, r := range rows {
			out[i] = sample{ID: r.ID, Timestamp: r.Timestamp, Values: []decimal.Decimal{r.ActualGas, r.TotalGas}}
		}
	case ChannelSolar:
		var rows []SolarMeasurement
		if err := q.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to query solar history: %w", err)
		}
		out = make([]sample, len(rows))
		for i, r := range rows {
			out[i] = sample{ID: r.ID, Timestamp: r.Timestamp, Values: []decimal.Decimal{r.ActualSolar, r.TotalSolar}}
		}
	}
	return out, nil
}

// Period holds the increase of every counter across a whole range. Fields
// are null when the range holds no samples for the channel.
type Period struct {
	Import1 decimal.NullDecimal
	Import2 decimal.NullDecimal
	Export1 decimal.NullDecimal
	Export2 decimal.NullDecimal
	Gas     decimal.NullDecimal
	Solar   decimal.NullDecimal
}

// PeriodTotals computes max - min of every counter between after and before.
func (s *Store) PeriodTotals(ctx context.Context, meterID uint, after, before *time.Time) (*Period, error) {
	if err := requireRange(after, before); err != nil {
		return nil, err
	}

	var p Period
	db := s.db.WithContext(ctx)
	where := "meter_id = ? AND timestamp >= ? AND timestamp <= ?"
	args := []any{meterID, after.UTC(), before.UTC()}

	var power struct {
		Import1 decimal.NullDecimal
		Import2 decimal.NullDecimal
		Export1 decimal.NullDecimal
		Export2 decimal.NullDecimal
	}
	err := db.Model(&PowerMeasurement{}).
		Select("MAX(total_import_1) - MIN(total_import_1) AS import1, "+
			"MAX(total_import_2) - MIN(total_import_2) AS import2, "+
			"MAX(total_export_1) - MIN(total_export_1) AS export1, "+
			"MAX(total_export_2) - MIN(total_export_2) AS export2").
		Where(where, args...).
		Scan(&power).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute power period: %w", err)
	}
	p.Import1, p.Import2, p.Export1, p.Export2 = round3(power.Import1), round3(power.Import2), round3(power.Export1), round3(power.Export2)

	var gas struct{ Total decimal.NullDecimal }
	err = db.Model(&GasMeasurement{}).
		Select("MAX(total_gas) - MIN(total_gas) AS total").
		Where(where, args...).
		Scan(&gas).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute gas period: %w", err)
	}
	p.Gas = round3(gas.Total)

	var solar struct{ Total decimal.NullDecimal }
	err = db.Model(&SolarMeasurement{}).
		Select("MAX(total_solar) - MIN(total_solar) AS total").
		Where(where, args...).
		Scan(&solar).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute solar period: %w", err)
	}
	p.Solar = round3(solar.Total)

	return &p, nil
}

func round3(d decimal.NullDecimal) decimal.NullDecimal {
	if d.Valid {
		d.Decimal = d.Decimal.Round(3)
	}
	return d
}

// History is a meter with its bucketed history and period totals.
type History struct {
	Meter  *Meter
	Power  []Bucket
	Gas    []Bucket
	Solar  []Bucket
	Period *Period
}

// MeterHistory loads a meter of ownerID together with its history between
// after and before.
func (s *Store) MeterHistory(ctx context.Context, ownerID, meterID uint, after, before *time.Time) (*History, error) {
	if err := requireRange(after, before); err != nil {
		return nil, err
	}
	m, err := s.Meter(ctx, ownerID, meterID)
	if err != nil {
		return nil, err
	}

	h := &History{Meter: m}
	if h.Power, err = s.QueryRange(ctx, meterID, ChannelPower, after, before); err != nil {
		return nil, err
	}
	if h.Gas, err = s.QueryRange(ctx, meterID, ChannelGas, after, before); err != nil {
		return nil, err
	}
	if h.Solar, err = s.QueryRange(ctx, meterID, ChannelSolar, after, before); err != nil {
		return nil, err
	}
	if h.Period, err = s.PeriodTotals(ctx, meterID, after, before); err != nil {
		return nil, err
	}
	return h, nil
}
