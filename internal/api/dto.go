package api

import (
	"time"

	"github.com/shopspring/decimal"

	"procodus.dev/smartmeter/internal/meter"
)

// amount renders a decimal with the three places it is stored with.
type amount decimal.Decimal

func (a amount) String() string {
	return decimal.Decimal(a).StringFixed(3)
}

func (a amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func nullAmount(d decimal.NullDecimal) *amount {
	if !d.Valid {
		return nil
	}
	a := amount(d.Decimal)
	return &a
}

type ref struct {
	ID   uint   `json:"pk"`
	Name string `json:"name"`
}

type meterParticipationJSON struct {
	ID          uint   `json:"pk"`
	GroupID     uint   `json:"group"`
	DisplayName string `json:"display_name"`
}

type meterJSON struct {
	LastUpdate         time.Time               `json:"last_update"`
	PowerTimestamp     time.Time               `json:"power_timestamp"`
	GroupParticipation *meterParticipationJSON `json:"group_participation"`
	TotalGas           *amount                 `json:"total_gas"`
	TotalSolar         *amount                 `json:"total_solar"`
	Name               string                  `json:"name"`
	Type               string                  `json:"type"`
	AgentVersion       string                  `json:"gpx_version"`
	Visibility         string                  `json:"visibility_type"`
	TotalPowerImport1  amount                  `json:"total_power_import_1"`
	TotalPowerImport2  amount                  `json:"total_power_import_2"`
	TotalPowerExport1  amount                  `json:"total_power_export_1"`
	TotalPowerExport2  amount                  `json:"total_power_export_2"`
	ID                 uint                    `json:"pk"`
}

func newMeterJSON(m *meter.Meter, p *meter.Participant) meterJSON {
	out := meterJSON{
		ID:                m.ID,
		Name:              m.Name,
		Type:              m.Type,
		AgentVersion:      m.AgentVersion,
		Visibility:        m.Visibility,
		LastUpdate:        m.LastUpdate,
		PowerTimestamp:    m.PowerTimestamp,
		TotalPowerImport1: amount(m.TotalPowerImport1),
		TotalPowerImport2: amount(m.TotalPowerImport2),
		TotalPowerExport1: amount(m.TotalPowerExport1),
		TotalPowerExport2: amount(m.TotalPowerExport2),
		TotalGas:          nullAmount(m.TotalGas),
		TotalSolar:        nullAmount(m.TotalSolar),
	}
	if p != nil {
		out.GroupParticipation = &meterParticipationJSON{
			ID:          p.ID,
			GroupID:     p.GroupID,
			DisplayName: p.DisplayName,
		}
	}
	return out
}

type meterDetailJSON struct {
	meterJSON
	GasTimestamp      *time.Time `json:"gas_timestamp"`
	SolarTimestamp    *time.Time `json:"solar_timestamp"`
	SnGas             *string    `json:"sn_gas"`
	ActualGas         *amount    `json:"actual_gas"`
	ActualSolar       *amount    `json:"actual_solar"`
	SnPower           string     `json:"sn_power"`
	ActualPowerImport amount     `json:"actual_power_import"`
	ActualPowerExport amount     `json:"actual_power_export"`
	Tariff            int        `json:"tariff"`
}

func newMeterDetailJSON(m *meter.Meter, p *meter.Participant) meterDetailJSON {
	return meterDetailJSON{
		meterJSON:         newMeterJSON(m, p),
		SnPower:           m.SnPower,
		Tariff:            m.Tariff,
		ActualPowerImport: amount(m.ActualPowerImport),
		ActualPowerExport: amount(m.ActualPowerExport),
		GasTimestamp:      m.GasTimestamp,
		SnGas:             m.SnGas,
		ActualGas:         nullAmount(m.ActualGas),
		SolarTimestamp:    m.SolarTimestamp,
		ActualSolar:       nullAmount(m.ActualSolar),
	}
}

type meterHistoryJSON struct {
	meterDetailJSON
	PowerSet      [][]any `json:"power_set"`
	GasSet        [][]any `json:"gas_set"`
	SolarSet      [][]any `json:"solar_set"`
	PeriodImport1 *amount `json:"period_import_1"`
	PeriodImport2 *amount `json:"period_import_2"`
	PeriodExport1 *amount `json:"period_export_1"`
	PeriodExport2 *amount `json:"period_export_2"`
	PeriodGas     *amount `json:"period_gas"`
	PeriodSolar   *amount `json:"period_solar"`
}

// bucketRows renders buckets as [timestamp, values...] rows.
func bucketRows(buckets []meter.Bucket) [][]any {
	rows := make([][]any, 0, len(buckets))
	for _, b := range buckets {
		row := make([]any, 0, len(b.Values)+1)
		row = append(row, b.Timestamp)
		for _, v := range b.Values {
			row = append(row, amount(v))
		}
		rows = append(rows, row)
	}
	return rows
}

func newMeterHistoryJSON(h *meter.History, p *meter.Participant) meterHistoryJSON {
	out := meterHistoryJSON{
		meterDetailJSON: newMeterDetailJSON(h.Meter, p),
		PowerSet:        bucketRows(h.Power),
		GasSet:          bucketRows(h.Gas),
		SolarSet:        bucketRows(h.Solar),
	}
	if h.Period != nil {
		out.PeriodImport1 = nullAmount(h.Period.Import1)
		out.PeriodImport2 = nullAmount(h.Period.Import2)
		out.PeriodExport1 = nullAmount(h.Period.Export1)
		out.PeriodExport2 = nullAmount(h.Period.Export2)
		out.PeriodGas = nullAmount(h.Period.Gas)
		out.PeriodSolar = nullAmount(h.Period.Solar)
	}
	return out
}

// bucketObjects renders buckets as objects keyed by the channel's field
// names.
func bucketObjects(channel string, buckets []meter.Bucket) []map[string]any {
	names := meter.Fields(channel)
	out := make([]map[string]any, 0, len(buckets))
	for _, b := range buckets {
		obj := make(map[string]any, len(names)+1)
		obj["timestamp"] = b.Timestamp
		for i, v := range b.Values {
			obj[names[i]] = amount(v)
		}
		out = append(out, obj)
	}
	return out
}

// participantJSON is a participant as listed in a group detail and to its
// manager.
type participantJSON struct {
	JoinedOn    time.Time  `json:"joined_on"`
	LeftOn      *time.Time `json:"left_on"`
	Type        *string    `json:"type"`
	DisplayName string     `json:"display_name"`
	TotalImport amount     `json:"total_import"`
	TotalExport amount     `json:"total_export"`
	TotalGas    amount     `json:"total_gas"`
	ID          uint       `json:"pk"`
	Active      bool       `json:"active"`
}

// meterType is only reported while the participant is active.
func meterType(p *meter.Participant) *string {
	if !p.Active() || p.Meter == nil {
		return nil
	}
	t := p.Meter.Type
	return &t
}

func newParticipantJSON(p *meter.Participant) participantJSON {
	return participantJSON{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		JoinedOn:    p.JoinedOn,
		LeftOn:      p.LeftOn,
		Type:        meterType(p),
		Active:      p.Active(),
		TotalImport: amount(meter.TotalImport(p)),
		TotalExport: amount(meter.TotalExport(p)),
		TotalGas:    amount(meter.TotalGas(p)),
	}
}

// participationJSON is a participation as seen by the meter owner.
type participationJSON struct {
	participantJSON
	Group ref `json:"group"`
	Meter ref `json:"meter"`
}

func newParticipationJSON(p *meter.Participant) participationJSON {
	out := participationJSON{participantJSON: newParticipantJSON(p)}
	out.Group.ID = p.GroupID
	if p.Group != nil {
		out.Group.Name = p.Group.Name
	}
	out.Meter.ID = p.MeterID
	if p.Meter != nil {
		out.Meter.Name = p.Meter.Name
	}
	return out
}

type groupJSON struct {
	CreatedOn     time.Time `json:"created_on"`
	InvitationKey *string   `json:"invitation_key,omitempty"`
	AllowInvite   *bool     `json:"allow_invite,omitempty"`
	Name          string    `json:"name"`
	Summary       string    `json:"summary"`
	PublicKey     string    `json:"public_key"`
	ID            uint      `json:"pk"`
	ManagerID     uint      `json:"manager"`
	Public        bool      `json:"public"`
}

// newGroupJSON hides the invitation settings from everyone but the manager.
func newGroupJSON(g *meter.Group, viewer *meter.User) groupJSON {
	out := groupJSON{
		ID:        g.ID,
		Name:      g.Name,
		Summary:   g.Summary,
		ManagerID: g.ManagerID,
		CreatedOn: g.CreatedOn,
		Public:    g.Public,
		PublicKey: g.PublicKey,
	}
	if viewer != nil && viewer.ID == g.ManagerID {
		key, allow := g.InvitationKey, g.AllowInvite
		out.InvitationKey = &key
		out.AllowInvite = &allow
	}
	return out
}

type groupDetailJSON struct {
	groupJSON
	Participants []participantJSON `json:"participants"`
}

func newGroupDetailJSON(g *meter.Group, viewer *meter.User) groupDetailJSON {
	active := g.ActiveParticipants()
	out := groupDetailJSON{
		groupJSON:    newGroupJSON(g, viewer),
		Participants: make([]participantJSON, 0, len(active)),
	}
	for i := range active {
		out.Participants = append(out.Participants, newParticipantJSON(&active[i]))
	}
	return out
}

type realTimeParticipantJSON struct {
	JoinedOn     time.Time  `json:"joined_on"`
	LastActivity *time.Time `json:"last_activity"`
	Type         *string    `json:"type"`
	DisplayName  string     `json:"display_name"`
	TotalImport  amount     `json:"total_import"`
	TotalExport  amount     `json:"total_export"`
	TotalGas     amount     `json:"total_gas"`
	ActualPower  amount     `json:"actual_power"`
	ActualGas    amount     `json:"actual_gas"`
	ActualSolar  amount     `json:"actual_solar"`
	ID           uint       `json:"pk"`
}

// groupViewJSON feeds the real time group dashboard.
type groupViewJSON struct {
	CreatedOn    time.Time                 `json:"created_on"`
	Participants []realTimeParticipantJSON `json:"participants"`
	Name         string                    `json:"name"`
	Summary      string                    `json:"summary"`
	PublicKey    string                    `json:"public_key"`
	TotalImport  amount                    `json:"total_import"`
	TotalExport  amount                    `json:"total_export"`
	TotalGas     amount                    `json:"total_gas"`
	ActualPower  amount                    `json:"actual_power"`
	ActualGas    amount                    `json:"actual_gas"`
	ActualSolar  amount                    `json:"actual_solar"`
	ID           uint                      `json:"pk"`
	Public       bool                      `json:"public"`
}

func newGroupViewJSON(g *meter.Group, now time.Time) groupViewJSON {
	sum := meter.Aggregate(g.Participants, now)
	active := g.ActiveParticipants()
	out := groupViewJSON{
		ID:           g.ID,
		Name:         g.Name,
		Summary:      g.Summary,
		Public:       g.Public,
		PublicKey:    g.PublicKey,
		CreatedOn:    g.CreatedOn,
		TotalImport:  amount(sum.TotalImport),
		TotalExport:  amount(sum.TotalExport),
		TotalGas:     amount(sum.TotalGas),
		ActualPower:  amount(sum.ActualPower),
		ActualGas:    amount(sum.ActualGas),
		ActualSolar:  amount(sum.ActualSolar),
		Participants: make([]realTimeParticipantJSON, 0, len(active)),
	}
	for i := range active {
		p := &active[i]
		c := meter.Contribute(p, now)
		rt := realTimeParticipantJSON{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			JoinedOn:    p.JoinedOn,
			Type:        meterType(p),
			TotalImport: amount(c.TotalImport),
			TotalExport: amount(c.TotalExport),
			TotalGas:    amount(c.TotalGas),
			ActualPower: amount(c.ActualPower),
			ActualGas:   amount(c.ActualGas),
			ActualSolar: amount(c.ActualSolar),
		}
		if p.Meter != nil {
			last := p.Meter.LastUpdate
			rt.LastActivity = &last
		}
		out.Participants = append(out.Participants, rt)
	}
	return out
}

type inviteJSON struct {
	Manager       *userJSON `json:"manager"`
	Name          string    `json:"name"`
	InvitationKey string    `json:"invitation_key"`
	ID            uint      `json:"pk"`
	Public        bool      `json:"public"`
}

type userJSON struct {
	Username string `json:"username"`
	ID       uint   `json:"pk"`
}

type liveParticipantJSON struct {
	TotalImport amount `json:"ti"`
	TotalExport amount `json:"te"`
	TotalGas    amount `json:"tg"`
	ActualPower amount `json:"p"`
	ActualGas   amount `json:"g"`
	ActualSolar amount `json:"s"`
	ID          uint   `json:"pk"`
}

type liveGroupJSON struct {
	Recent      []liveParticipantJSON `json:"r"`
	TotalImport amount                `json:"ti"`
	TotalExport amount                `json:"te"`
	TotalGas    amount                `json:"tg"`
	ActualPower amount                `json:"p"`
	ActualGas   amount                `json:"g"`
	ActualSolar amount                `json:"s"`
	ID          uint                  `json:"pk"`
}

func newLiveGroupJSON(g *meter.LiveGroup) liveGroupJSON {
	out := liveGroupJSON{
		ID:          g.ID,
		TotalImport: amount(g.TotalImport),
		TotalExport: amount(g.TotalExport),
		TotalGas:    amount(g.TotalGas),
		ActualPower: amount(g.ActualPower),
		ActualGas:   amount(g.ActualGas),
		ActualSolar: amount(g.ActualSolar),
		Recent:      make([]liveParticipantJSON, 0, len(g.Recent)),
	}
	for _, p := range g.Recent {
		out.Recent = append(out.Recent, liveParticipantJSON{
			ID:          p.ID,
			TotalImport: amount(p.TotalImport),
			TotalExport: amount(p.TotalExport),
			TotalGas:    amount(p.TotalGas),
			ActualPower: amount(p.ActualPower),
			ActualGas:   amount(p.ActualGas),
			ActualSolar: amount(p.ActualSolar),
		})
	}
	return out
}
