// Package meter implements smart meter ingestion, measurement history,
// group membership accounting and the live aggregation views on top of gorm.
package meter

import (
	"time"

	"github.com/shopspring/decimal"
)

// Meter types.
const (
	TypeConsumer      = "consumer"
	TypeProsumer      = "prosumer"
	TypeBattery       = "battery"
	TypeProducerSolar = "producer_solar"
	TypeProducerWind  = "producer_wind"
	TypeProducerOther = "producer_other"
)

// Visibility tiers.
const (
	VisibilityPrivate = "private"
	VisibilityGroup   = "group"
	VisibilityPublic  = "public"
)

// UnknownAgentVersion is recorded when a reading does not identify its connector.
const UnknownAgentVersion = "undefined"

// User is the identity that owns meters. Account management lives elsewhere;
// this model only backs the API key lookup.
type User struct {
	CreatedAt time.Time `gorm:"autoCreateTime"`
	Username  string    `gorm:"uniqueIndex;size:150;not null"`
	APIKey    string    `gorm:"uniqueIndex;size:20;not null"`
	ID        uint      `gorm:"primaryKey"`
	Active    bool      `gorm:"not null;default:true"`
}

// TableName specifies the table name for User model.
func (User) TableName() string {
	return "users"
}

// Meter is a physical smart meter together with its latest known state.
// The snapshot columns are overwritten on every accepted reading; history
// lives in the measurement tables.
type Meter struct {
	LastUpdate     time.Time `gorm:"index:idx_meter_last_update;not null"`
	PowerTimestamp time.Time `gorm:"not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`

	GasTimestamp   *time.Time
	SolarTimestamp *time.Time
	SnGas          *string `gorm:"size:40"`

	Name         string `gorm:"size:30;not null"`
	Type         string `gorm:"size:20;not null;default:consumer"`
	Visibility   string `gorm:"size:10;not null;default:private"`
	AgentVersion string `gorm:"size:20;not null;default:undefined"`
	SnPower      string `gorm:"uniqueIndex:idx_meter_owner_sn;size:40;not null"`

	TotalPowerImport1 decimal.Decimal `gorm:"column:total_power_import_1;type:decimal(9,3);not null"`
	TotalPowerImport2 decimal.Decimal `gorm:"column:total_power_import_2;type:decimal(9,3);not null"`
	TotalPowerExport1 decimal.Decimal `gorm:"column:total_power_export_1;type:decimal(9,3);not null"`
	TotalPowerExport2 decimal.Decimal `gorm:"column:total_power_export_2;type:decimal(9,3);not null"`
	ActualPowerImport decimal.Decimal `gorm:"type:decimal(9,3);not null"`
	ActualPowerExport decimal.Decimal `gorm:"type:decimal(9,3);not null"`

	TotalGas    decimal.NullDecimal `gorm:"type:decimal(9,3)"`
	ActualGas   decimal.NullDecimal `gorm:"type:decimal(9,3)"`
	ActualSolar decimal.NullDecimal `gorm:"type:decimal(9,3)"`
	TotalSolar  decimal.NullDecimal `gorm:"type:decimal(9,3)"`

	ID      uint `gorm:"primaryKey"`
	OwnerID uint `gorm:"uniqueIndex:idx_meter_owner_sn;not null"`
	Tariff  int  `gorm:"not null"`
}

// TableName specifies the table name for Meter model.
func (Meter) TableName() string {
	return "meters"
}

// PowerImport is the sum of both import tariff registers.
func (m *Meter) PowerImport() decimal.Decimal {
	return m.TotalPowerImport1.Add(m.TotalPowerImport2)
}

// PowerExport is the sum of both export tariff registers.
func (m *Meter) PowerExport() decimal.Decimal {
	return m.TotalPowerExport1.Add(m.TotalPowerExport2)
}

// PowerMeasurement is a stored power sample. Measurement rows are immutable
// and unique per (meter, timestamp).
type PowerMeasurement struct {
	Timestamp    time.Time       `gorm:"uniqueIndex:idx_power_meter_ts;not null"`
	ActualImport decimal.Decimal `gorm:"type:decimal(9,3);not null"`
	ActualExport decimal.Decimal `gorm:"type:decimal(9,3);not null"`
	TotalImport1 decimal.Decimal `gorm:"column:total_import_1;type:decimal(9,3);not null"`
	TotalImport2 decimal.Decimal `gorm:"column:total_import_2;type:decimal(9,3);not null"`
	TotalExport1 decimal.Decimal `gorm:"column:total_export_1;type:decimal(9,3);not null"`
	TotalExport2 decimal.Decimal `gorm:"column:total_export_2;type:decimal(9,3);not null"`
	ID           uint            `gorm:"primaryKey"`
	MeterID      uint            `gorm:"uniqueIndex:idx_power_meter_ts;not null"`
}

// TableName specifies the table name for PowerMeasurement model.
func (PowerMeasurement) TableName() string {
	return "power_measurements"
}

// GasMeasurement is a stored gas sample. ActualGas is derived from the
// previous stored sample in m³/h.
type GasMeasurement struct {
	Timestamp time.Time       `gorm:"uniqueIndex:idx_gas_meter_ts;not null"`
	ActualGas decimal.Decimal `gorm:"type:decimal(9,3);not null"`
	TotalGas  decimal.Decimal `gorm:"type:decimal(9,3);not null"`
	ID        uint            `gorm:"primaryKey"`
	MeterID   uint            `gorm:"uniqueIndex:idx_gas_meter_ts;not null"`
}

// TableName specifies the table name for GasMeasurement model.
func (GasMeasurement) TableName() string {
	return "gas_measurements"
}

// SolarMeasurement is a stored solar inverter sample.
type SolarMeasurement struct {
	Timestamp   time.Time       `gorm:"uniqueIndex:idx_solar_meter_ts;not null"`
	ActualSolar decimal.Decimal `gorm:"type:decimal(9,3);not null"`
	TotalSolar  decimal.Decimal `gorm:"type:decimal(9,3);not null"`
	ID          uint            `gorm:"primaryKey"`
	MeterID     uint            `gorm:"uniqueIndex:idx_solar_meter_ts;not null"`
}

// TableName specifies the table name for SolarMeasurement model.
func (SolarMeasurement) TableName() string {
	return "solar_measurements"
}

// Group is a virtual meter aggregating the meters of its participants.
type Group struct {
	CreatedOn     time.Time     `gorm:"autoCreateTime"`
	Name          string        `gorm:"size:50;not null"`
	Summary       string        `gorm:"size:1000;not null;default:''"`
	PublicKey     string        `gorm:"uniqueIndex;size:40;not null"`
	InvitationKey string        `gorm:"uniqueIndex;size:36;not null"`
	Participants  []Participant `gorm:"foreignKey:GroupID"`
	ID            uint          `gorm:"primaryKey"`
	ManagerID     uint          `gorm:"index;not null"`
	Public        bool          `gorm:"not null;default:false"`
	AllowInvite   bool          `gorm:"not null;default:true"`
}

// TableName specifies the table name for Group model.
func (Group) TableName() string {
	return "group_meters"
}

// Participant links a meter to a group. The joined baseline is frozen at
// join time, the left baseline at leave time.
type Participant struct {
	JoinedOn    time.Time `gorm:"not null"`
	LeftOn      *time.Time
	Meter       *Meter `gorm:"foreignKey:MeterID"`
	Group       *Group `gorm:"foreignKey:GroupID"`
	DisplayName string `gorm:"size:30;not null"`

	PowerImportJoined decimal.Decimal     `gorm:"type:decimal(9,3);not null"`
	PowerExportJoined decimal.Decimal     `gorm:"type:decimal(9,3);not null"`
	GasJoined         decimal.NullDecimal `gorm:"type:decimal(9,3)"`
	SolarJoined       decimal.NullDecimal `gorm:"type:decimal(9,3)"`

	PowerImportLeft decimal.NullDecimal `gorm:"type:decimal(9,3)"`
	PowerExportLeft decimal.NullDecimal `gorm:"type:decimal(9,3)"`
	GasLeft         decimal.NullDecimal `gorm:"type:decimal(9,3)"`
	SolarLeft       decimal.NullDecimal `gorm:"type:decimal(9,3)"`

	ID      uint `gorm:"primaryKey"`
	GroupID uint `gorm:"index;not null"`
	MeterID uint `gorm:"index;not null"`
}

// TableName specifies the table name for Participant model.
func (Participant) TableName() string {
	return "group_participants"
}

// Active reports whether the participant has not left its group.
func (p *Participant) Active() bool {
	return p.LeftOn == nil
}

// Models lists every model for migrations.
func Models() []any {
	return []any{
		&User{},
		&Meter{},
		&PowerMeasurement{},
		&GasMeasurement{},
		&SolarMeasurement{},
		&Group{},
		&Participant{},
	}
}
