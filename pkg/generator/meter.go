// Package generator simulates households running a GPX connector: an
// electricity meter, optionally a gas meter and a solar inverter.
package generator

import (
	"math"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/shopspring/decimal"

	"procodus.dev/smartmeter/pkg/gpx"
)

// Household describes the simulated installation.
type Household struct {
	Name        string `fake:"{lastname}"`
	Street      string `fake:"{streetname}"`
	City        string `fake:"{city}"`
	Version     string `fake:"{appversion}"`
	PowerSerial string `fake:"skip"`
	GasSerial   string `fake:"skip"`
	HasGas      bool   `fake:"skip"`
	HasSolar    bool   `fake:"skip"`
}

// Meter produces consecutive readings for one household. Totals only ever
// grow, in proportion to the simulated power and the time between readings.
// A Meter is not safe for concurrent use.
type Meter struct {
	Household

	loc       *time.Location
	baseLoad  float64 // kW
	peakLoad  float64 // kW, added in the evening
	solarPeak float64 // kWp
	gasRate   float64 // m3 per hour when heating
	noise     float64

	import1 decimal.Decimal
	import2 decimal.Decimal
	export1 decimal.Decimal
	export2 decimal.Decimal
	gas     decimal.Decimal
	solar   decimal.Decimal
	last    time.Time
}

// NewMeter creates a household with random characteristics. Meter
// timestamps are rendered in loc, UTC when nil.
// Note: Uses math/rand which is acceptable for simulation data.
func NewMeter(loc *time.Location) *Meter {
	if loc == nil {
		loc = time.UTC
	}

	var h Household
	if err := gofakeit.Struct(&h); err != nil {
		return nil
	}
	h.PowerSerial = "E00" + gofakeit.DigitN(14)
	h.HasGas = rand.Float64() < 0.8   // #nosec G404
	h.HasSolar = rand.Float64() < 0.5 // #nosec G404
	if h.HasGas {
		h.GasSerial = "G00" + gofakeit.DigitN(14)
	}

	// #nosec G404 - weak random is acceptable for simulation data
	m := &Meter{
		Household: h,
		loc:       loc,
		baseLoad:  0.15 + rand.Float64()*0.25,
		peakLoad:  0.8 + rand.Float64()*1.5,
		gasRate:   0.2 + rand.Float64()*0.4,
		noise:     0.05 + rand.Float64()*0.1,
		import1:   decimal.NewFromInt(int64(1000 + rand.Intn(9000))),
		import2:   decimal.NewFromInt(int64(1000 + rand.Intn(9000))),
		export1:   decimal.Zero,
		export2:   decimal.Zero,
		gas:       decimal.NewFromInt(int64(500 + rand.Intn(4000))),
		solar:     decimal.Zero,
	}
	if h.HasSolar {
		// #nosec G404
		m.solarPeak = 1.5 + rand.Float64()*3.5
		m.export1 = decimal.NewFromInt(int64(rand.Intn(2000)))
		m.export2 = decimal.NewFromInt(int64(rand.Intn(4000)))
		m.solar = decimal.NewFromInt(int64(rand.Intn(8000)))
	}
	return m
}

// Consumption returns the household load in kW with an evening peak.
func (m *Meter) Consumption(t time.Time) float64 {
	hour := float64(t.In(m.loc).Hour()) + float64(t.In(m.loc).Minute())/60

	// Peak around 19:00, quiet at night.
	evening := math.Max(0, math.Cos((hour-19)*math.Pi/8))
	morning := 0.4 * math.Max(0, math.Cos((hour-7.5)*math.Pi/3))
	noise := (rand.Float64() - 0.5) * m.noise // #nosec G404

	return math.Max(0.05, m.baseLoad+m.peakLoad*(evening+morning)+noise)
}

// SolarOutput returns the inverter output in kW, zero at night.
func (m *Meter) SolarOutput(t time.Time) float64 {
	if !m.HasSolar {
		return 0
	}
	hour := float64(t.In(m.loc).Hour()) + float64(t.In(m.loc).Minute())/60
	if hour < 6 || hour > 20 {
		return 0
	}
	daylight := math.Sin((hour - 6) * math.Pi / 14)

	// Passing clouds (10% chance) cut the output.
	clouds := 1.0
	if rand.Float64() < 0.1 { // #nosec G404
		clouds = 0.2 + rand.Float64()*0.5 // #nosec G404
	}
	return math.Max(0, m.solarPeak*daylight*clouds)
}

// GasUsage returns the gas flow in m3 per hour, mostly in the morning and evening.
func (m *Meter) GasUsage(t time.Time) float64 {
	if !m.HasGas {
		return 0
	}
	hour := t.In(m.loc).Hour()
	switch {
	case hour >= 6 && hour < 9, hour >= 17 && hour < 22:
		return m.gasRate
	case hour >= 23 || hour < 5:
		return m.gasRate * 0.1
	default:
		return m.gasRate * 0.3
	}
}

// Tariff returns 1 for the low tariff (nights and weekends) and 2 otherwise.
func (m *Meter) Tariff(t time.Time) int {
	local := t.In(m.loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return 1
	}
	if local.Hour() < 7 || local.Hour() >= 23 {
		return 1
	}
	return 2
}

// Reading advances the counters to t and returns the report the connector
// would send.
func (m *Meter) Reading(t time.Time) *gpx.Reading {
	consumption := m.Consumption(t)
	production := m.SolarOutput(t)
	net := consumption - production
	tariff := m.Tariff(t)

	var hours float64
	if !m.last.IsZero() && t.After(m.last) {
		hours = t.Sub(m.last).Hours()
	}
	m.last = t

	actualImport, actualExport := math.Max(0, net), math.Max(0, -net)
	imported := decimal.NewFromFloat(actualImport * hours)
	exported := decimal.NewFromFloat(actualExport * hours)
	if tariff == 1 {
		m.import1 = m.import1.Add(imported)
		m.export1 = m.export1.Add(exported)
	} else {
		m.import2 = m.import2.Add(imported)
		m.export2 = m.export2.Add(exported)
	}

	r := &gpx.Reading{
		Power: &gpx.Power{
			SN:           m.PowerSerial,
			Timestamp:    P1Timestamp(t.In(m.loc)),
			Import1:      m.import1.StringFixed(3),
			Import2:      m.import2.StringFixed(3),
			Export1:      m.export1.StringFixed(3),
			Export2:      m.export2.StringFixed(3),
			ActualImport: decimal.NewFromFloat(actualImport).StringFixed(3),
			ActualExport: decimal.NewFromFloat(actualExport).StringFixed(3),
			Tariff:       tariff,
		},
	}

	if m.HasGas {
		m.gas = m.gas.Add(decimal.NewFromFloat(m.GasUsage(t) * hours))
		r.Gas = &gpx.Gas{
			SN:        m.GasSerial,
			Timestamp: P1Timestamp(t.In(m.loc).Truncate(5 * time.Minute)),
			Gas:       m.gas.StringFixed(3),
		}
	}

	if m.HasSolar {
		m.solar = m.solar.Add(decimal.NewFromFloat(production * hours))
		r.Solar = &gpx.Solar{
			Timestamp: t.UTC().Format(time.RFC3339),
			Solar:     decimal.NewFromFloat(production).StringFixed(3),
			Total:     m.solar.StringFixed(3),
		}
	}

	return r
}

// P1Timestamp renders t the way DSMR meters report time: YYMMDDhhmmss in
// local time followed by S in summer and W in winter.
func P1Timestamp(t time.Time) string {
	flag := "W"
	if t.IsDST() {
		flag = "S"
	}
	return t.Format("060102150405") + flag
}
