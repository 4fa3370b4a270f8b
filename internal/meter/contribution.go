package meter

import (
	"time"

	"github.com/shopspring/decimal"
)

// Contribution holds the derived values of a participant or a whole group.
// Totals are counter increases since joining, actuals are current rates.
type Contribution struct {
	TotalImport decimal.Decimal
	TotalExport decimal.Decimal
	TotalGas    decimal.Decimal
	TotalSolar  decimal.Decimal
	ActualPower decimal.Decimal
	ActualGas   decimal.Decimal
	ActualSolar decimal.Decimal
}

// MeterLive reports whether m reported within ActiveWindow of now.
func MeterLive(m *Meter, now time.Time) bool {
	return m != nil && now.Sub(m.LastUpdate) <= ActiveWindow
}

// since returns current - joined for an active participant, left - joined
// for one that left, and zero when either side is unknown.
func since(active bool, current, left, joined decimal.NullDecimal) decimal.Decimal {
	if !joined.Valid {
		return decimal.Zero
	}
	end := left
	if active {
		end = current
	}
	if !end.Valid {
		return decimal.Zero
	}
	return end.Decimal.Sub(joined.Decimal)
}

// TotalImport is the power imported by the participant's meter while in the group.
func TotalImport(p *Participant) decimal.Decimal {
	var current decimal.NullDecimal
	if p.Meter != nil {
		current = decimal.NewNullDecimal(p.Meter.PowerImport())
	}
	return since(p.Active(), current, p.PowerImportLeft, decimal.NewNullDecimal(p.PowerImportJoined))
}

// TotalExport is the power exported by the participant's meter while in the group.
func TotalExport(p *Participant) decimal.Decimal {
	var current decimal.NullDecimal
	if p.Meter != nil {
		current = decimal.NewNullDecimal(p.Meter.PowerExport())
	}
	return since(p.Active(), current, p.PowerExportLeft, decimal.NewNullDecimal(p.PowerExportJoined))
}

// TotalGas is the gas used by the participant's meter while in the group.
func TotalGas(p *Participant) decimal.Decimal {
	var current decimal.NullDecimal
	if p.Meter != nil {
		current = p.Meter.TotalGas
	}
	return since(p.Active(), current, p.GasLeft, p.GasJoined)
}

// TotalSolar is the solar yield of the participant's meter while in the group.
func TotalSolar(p *Participant) decimal.Decimal {
	var current decimal.NullDecimal
	if p.Meter != nil {
		current = p.Meter.TotalSolar
	}
	return since(p.Active(), current, p.SolarLeft, p.SolarJoined)
}

func contributesActual(p *Participant, now time.Time) bool {
	return p.Active() && MeterLive(p.Meter, now)
}

// ActualPower is the net power export of the participant, negative when
// consuming. Zero unless the participant is active and its meter live.
func ActualPower(p *Participant, now time.Time) decimal.Decimal {
	if !contributesActual(p, now) {
		return decimal.Zero
	}
	return p.Meter.ActualPowerExport.Sub(p.Meter.ActualPowerImport)
}

// ActualGas is the current gas rate of the participant's meter.
func ActualGas(p *Participant, now time.Time) decimal.Decimal {
	if !contributesActual(p, now) || !p.Meter.ActualGas.Valid {
		return decimal.Zero
	}
	return p.Meter.ActualGas.Decimal
}

// ActualSolar is the current solar yield of the participant's meter.
func ActualSolar(p *Participant, now time.Time) decimal.Decimal {
	if !contributesActual(p, now) || !p.Meter.ActualSolar.Valid {
		return decimal.Zero
	}
	return p.Meter.ActualSolar.Decimal
}

// Contribute computes every derived value of a single participant.
func Contribute(p *Participant, now time.Time) Contribution {
	return Contribution{
		TotalImport: TotalImport(p),
		TotalExport: TotalExport(p),
		TotalGas:    TotalGas(p),
		TotalSolar:  TotalSolar(p),
		ActualPower: ActualPower(p, now),
		ActualGas:   ActualGas(p, now),
		ActualSolar: ActualSolar(p, now),
	}
}

// Aggregate sums the contributions of a group. Totals cover every
// participant, actuals only the active ones.
func Aggregate(participants []Participant, now time.Time) Contribution {
	sum := Contribution{
		TotalImport: decimal.Zero,
		TotalExport: decimal.Zero,
		TotalGas:    decimal.Zero,
		TotalSolar:  decimal.Zero,
		ActualPower: decimal.Zero,
		ActualGas:   decimal.Zero,
		ActualSolar: decimal.Zero,
	}
	for i := range participants {
		c := Contribute(&participants[i], now)
		sum.TotalImport = sum.TotalImport.Add(c.TotalImport)
		sum.TotalExport = sum.TotalExport.Add(c.TotalExport)
		sum.TotalGas = sum.TotalGas.Add(c.TotalGas)
		sum.TotalSolar = sum.TotalSolar.Add(c.TotalSolar)
		if participants[i].Active() {
			sum.ActualPower = sum.ActualPower.Add(c.ActualPower)
			sum.ActualGas = sum.ActualGas.Add(c.ActualGas)
			sum.ActualSolar = sum.ActualSolar.Add(c.ActualSolar)
		}
	}
	return sum
}
