package meter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Channels.
const (
	ChannelPower = "power"
	ChannelGas   = "gas"
	ChannelSolar = "solar"
)

// maxValue bounds decimal(9,3) columns.
var maxValue = decimal.New(1, 6)

// Payload is the device reading as posted by a GPX connector.
type Payload struct {
	Power *PowerPayload `json:"power"`
	Gas   *GasPayload   `json:"gas,omitempty"`
	Solar *SolarPayload `json:"solar,omitempty"`
}

// PowerPayload is the power part of a device reading.
type PowerPayload struct {
	SN           string `json:"sn"`
	Timestamp    string `json:"timestamp"`
	Import1      Number `json:"import_1"`
	Import2      Number `json:"import_2"`
	Export1      Number `json:"export_1"`
	Export2      Number `json:"export_2"`
	Tariff       Number `json:"tariff"`
	ActualImport Number `json:"actual_import"`
	ActualExport Number `json:"actual_export"`
}

// GasPayload is the gas part of a device reading.
type GasPayload struct {
	SN        string `json:"sn"`
	Timestamp string `json:"timestamp"`
	Gas       Number `json:"gas"`
}

// SolarPayload is the solar inverter part of a device reading.
type SolarPayload struct {
	Timestamp string `json:"timestamp"`
	Solar     Number `json:"solar"`
	Total     Number `json:"total,omitempty"`
}

// Reading is a validated device reading.
type Reading struct {
	Power PowerReading
	Gas   *GasReading
	Solar *SolarReading
}

// PowerReading holds the validated power channel values.
type PowerReading struct {
	Timestamp    time.Time
	Serial       string
	Import1      decimal.Decimal
	Import2      decimal.Decimal
	Export1      decimal.Decimal
	Export2      decimal.Decimal
	ActualImport decimal.Decimal
	ActualExport decimal.Decimal
	Tariff       int
}

// GasReading holds the validated gas channel values.
type GasReading struct {
	Timestamp time.Time
	Serial    string
	Total     decimal.Decimal
}

// SolarReading holds the validated solar channel values. Total is optional
// since most inverters only report the current yield.
type SolarReading struct {
	Timestamp time.Time
	Actual    decimal.Decimal
	Total     decimal.NullDecimal
}

// Number is a decimal as sent by a connector, either a JSON number or a
// quoted string. It is validated later so errors can name the field.
type Number string

// UnmarshalJSON keeps the raw text of a number or string value.
func (n *Number) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = Number(strings.TrimSpace(s))
		return nil
	}
	*n = Number(data)
	return nil
}

// MarshalJSON writes valid decimals as bare JSON numbers.
func (n Number) MarshalJSON() ([]byte, error) {
	if n == "" {
		return []byte("null"), nil
	}
	if _, err := decimal.NewFromString(string(n)); err != nil {
		return json.Marshal(string(n))
	}
	return []byte(n), nil
}

// NumberOf formats d as a Number with three decimals.
func NumberOf(d decimal.Decimal) Number {
	return Number(d.StringFixed(3))
}

// DecodeReading decodes a JSON device payload.
func DecodeReading(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, invalid("", "malformed reading: %v", err)
	}
	return &p, nil
}

// Validate converts the payload into a Reading. Zone-less and P1 timestamps
// are interpreted in loc; "now" resolves to now.
func (p *Payload) Validate(loc *time.Location, now time.Time) (Reading, error) {
	var r Reading
	if p == nil || p.Power == nil {
		return r, invalid(ChannelPower, "this field is required")
	}

	pw := p.Power
	serial, err := requireSerial(ChannelPower, pw.SN)
	if err != nil {
		return r, err
	}
	ts, err := parseChannelTimestamp(ChannelPower, pw.Timestamp, loc, now)
	if err != nil {
		return r, err
	}
	r.Power = PowerReading{Timestamp: ts, Serial: serial}

	for _, f := range []struct {
		name  string
		value Number
		dst   *decimal.Decimal
	}{
		{"import_1", pw.Import1, &r.Power.Import1},
		{"import_2", pw.Import2, &r.Power.Import2},
		{"export_1", pw.Export1, &r.Power.Export1},
		{"export_2", pw.Export2, &r.Power.Export2},
		{"actual_import", pw.ActualImport, &r.Power.ActualImport},
		{"actual_export", pw.ActualExport, &r.Power.ActualExport},
	} {
		d, err := parseDecimal(ChannelPower+"."+f.name, f.value)
		if err != nil {
			return r, err
		}
		*f.dst = d
	}

	switch string(pw.Tariff) {
	case "1":
		r.Power.Tariff = 1
	case "2":
		r.Power.Tariff = 2
	default:
		return r, invalid("power.tariff", "%q is not a valid choice", string(pw.Tariff))
	}

	if g := p.Gas; g != nil {
		serial, err := requireSerial(ChannelGas, g.SN)
		if err != nil {
			return r, err
		}
		ts, err := parseChannelTimestamp(ChannelGas, g.Timestamp, loc, now)
		if err != nil {
			return r, err
		}
		total, err := parseDecimal("gas.gas", g.Gas)
		if err != nil {
			return r, err
		}
		r.Gas = &GasReading{Timestamp: ts, Serial: serial, Total: total}
	}

	if s := p.Solar; s != nil {
		ts, err := parseChannelTimestamp(ChannelSolar, s.Timestamp, loc, now)
		if err != nil {
			return r, err
		}
		actual, err := parseDecimal("solar.solar", s.Solar)
		if err != nil {
			return r, err
		}
		r.Solar = &SolarReading{Timestamp: ts, Actual: actual}
		if s.Total != "" {
			total, err := parseDecimal("solar.total", s.Total)
			if err != nil {
				return r, err
			}
			r.Solar.Total = decimal.NewNullDecimal(total)
		}
	}

	return r, nil
}

func requireSerial(channel, sn string) (string, error) {
	sn = strings.TrimSpace(sn)
	if sn == "" {
		return "", invalid(channel+".sn", "this field is required")
	}
	if utf8.RuneCountInString(sn) > 40 {
		return "", invalid(channel+".sn", "ensure this field has no more than 40 characters")
	}
	return sn, nil
}

func parseChannelTimestamp(channel, value string, loc *time.Location, now time.Time) (time.Time, error) {
	ts, ok := ParseTimestamp(value, loc, now)
	if !ok {
		return time.Time{}, invalid(channel+".timestamp", "invalid timestamp %q", value)
	}
	return ts, nil
}

func parseDecimal(field string, n Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, invalid(field, "this field is required")
	}
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return decimal.Zero, invalid(field, "a valid number is required")
	}
	d = d.Round(3)
	if d.Abs().GreaterThanOrEqual(maxValue) {
		return decimal.Zero, invalid(field, "ensure that there are no more than 6 digits before the decimal point")
	}
	return d, nil
}

// Echo renders a validated reading in payload form, used by the test
// endpoint to show how a reading was interpreted.
func (r Reading) Echo() map[string]any {
	out := map[string]any{
		ChannelPower: map[string]any{
			"sn":            r.Power.Serial,
			"timestamp":     r.Power.Timestamp.Format(time.RFC3339),
			"import_1":      r.Power.Import1.StringFixed(3),
			"import_2":      r.Power.Import2.StringFixed(3),
			"export_1":      r.Power.Export1.StringFixed(3),
			"export_2":      r.Power.Export2.StringFixed(3),
			"tariff":        r.Power.Tariff,
			"actual_import": r.Power.ActualImport.StringFixed(3),
			"actual_export": r.Power.ActualExport.StringFixed(3),
		},
	}
	if r.Gas != nil {
		out[ChannelGas] = map[string]any{
			"sn":        r.Gas.Serial,
			"timestamp": r.Gas.Timestamp.Format(time.RFC3339),
			"gas":       r.Gas.Total.StringFixed(3),
		}
	}
	if r.Solar != nil {
		solar := map[string]any{
			"timestamp": r.Solar.Timestamp.Format(time.RFC3339),
			"solar":     r.Solar.Actual.StringFixed(3),
		}
		if r.Solar.Total.Valid {
			solar["total"] = r.Solar.Total.Decimal.StringFixed(3)
		}
		out[ChannelSolar] = solar
	}
	return out
}

func (r Reading) String() string {
	return fmt.Sprintf("reading sn=%s ts=%s gas=%t solar=%t",
		r.Power.Serial, r.Power.Timestamp.Format(time.RFC3339), r.Gas != nil, r.Solar != nil)
}
