package meter

import (
	"time"

	"github.com/shopspring/decimal"
)

var secondsPerHour = decimal.NewFromInt(3600)

// snapshotColumns are written in the single UPDATE following an ingestion.
var snapshotColumns = []string{
	"LastUpdate", "AgentVersion",
	"PowerTimestamp", "TotalPowerImport1", "TotalPowerImport2",
	"TotalPowerExport1", "TotalPowerExport2", "Tariff",
	"ActualPowerImport", "ActualPowerExport",
	"SnGas", "GasTimestamp", "TotalGas", "ActualGas",
	"SolarTimestamp", "ActualSolar", "TotalSolar",
}

// applySnapshot overwrites the latest known state of m with r. Gas and solar
// fields are cleared when the reading does not carry that channel. The gas
// rate is left untouched; it is only known once history was consulted.
func applySnapshot(m *Meter, r Reading, agentVersion string, now time.Time) {
	if now.After(m.LastUpdate) {
		m.LastUpdate = now
	}
	m.AgentVersion = agentVersion

	m.SnPower = r.Power.Serial
	m.PowerTimestamp = r.Power.Timestamp
	m.TotalPowerImport1 = r.Power.Import1
	m.TotalPowerImport2 = r.Power.Import2
	m.TotalPowerExport1 = r.Power.Export1
	m.TotalPowerExport2 = r.Power.Export2
	m.Tariff = r.Power.Tariff
	m.ActualPowerImport = r.Power.ActualImport
	m.ActualPowerExport = r.Power.ActualExport

	if g := r.Gas; g != nil {
		sn := g.Serial
		ts := g.Timestamp
		m.SnGas = &sn
		m.GasTimestamp = &ts
		m.TotalGas = decimal.NewNullDecimal(g.Total)
	} else {
		m.SnGas = nil
		m.GasTimestamp = nil
		m.TotalGas = decimal.NullDecimal{}
		m.ActualGas = decimal.NullDecimal{}
	}

	if s := r.Solar; s != nil {
		ts := s.Timestamp
		m.SolarTimestamp = &ts
		m.ActualSolar = decimal.NewNullDecimal(s.Actual)
		m.TotalSolar = s.Total
	} else {
		m.SolarTimestamp = nil
		m.ActualSolar = decimal.NullDecimal{}
		m.TotalSolar = decimal.NullDecimal{}
	}
}

// GasRate derives the hourly gas flow in m³/h between two cumulative
// readings. It is zero when there is no prior reading, when the total did
// not increase or when time did not advance.
func GasRate(prior *GasMeasurement, total decimal.Decimal, at time.Time) decimal.Decimal {
	if prior == nil || !total.GreaterThan(prior.TotalGas) {
		return decimal.Zero
	}
	elapsed := at.Sub(prior.Timestamp)
	if elapsed <= 0 {
		return decimal.Zero
	}
	seconds := decimal.NewFromFloat(elapsed.Seconds())
	return total.Sub(prior.TotalGas).Mul(secondsPerHour).Div(seconds).Round(3)
}

// due reports whether a sample at ts may be appended after the prior sample.
func due(prior *time.Time, ts time.Time, gap time.Duration) bool {
	return prior == nil || prior.Add(gap).Before(ts)
}
