package livefeed

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// ParseRequest reads the group ids of a LiveData request.
func ParseRequest(req *structpb.Struct) ([]uint, error) {
	field, ok := req.GetFields()["groups"]
	if !ok {
		return nil, nil
	}
	list := field.GetListValue()
	if list == nil {
		return nil, errors.New("groups must be a list")
	}
	ids := make([]uint, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok || n.NumberValue < 0 || n.NumberValue != float64(uint(n.NumberValue)) {
			return nil, fmt.Errorf("invalid group id %v", v.AsInterface())
		}
		ids = append(ids, uint(n.NumberValue))
	}
	return ids, nil
}

func (p Participant) fields() map[string]any {
	return map[string]any{
		"pk": float64(p.ID),
		"ti": p.TotalImport,
		"te": p.TotalExport,
		"tg": p.TotalGas,
		"p":  p.ActualPower,
		"g":  p.ActualGas,
		"s":  p.ActualSolar,
	}
}

// EncodeGroups builds a LiveData response.
func EncodeGroups(groups []Group) (*structpb.Struct, error) {
	list := make([]any, 0, len(groups))
	for _, g := range groups {
		recent := make([]any, 0, len(g.Recent))
		for _, p := range g.Recent {
			recent = append(recent, p.fields())
		}
		fields := g.fields()
		fields["r"] = recent
		list = append(list, fields)
	}
	return structpb.NewStruct(map[string]any{"groups": list})
}

// DecodeGroups reads a LiveData response.
func DecodeGroups(resp *structpb.Struct) ([]Group, error) {
	raw, ok := resp.AsMap()["groups"].([]any)
	if !ok {
		return nil, errors.New("response has no groups")
	}
	groups := make([]Group, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, errors.New("malformed group")
		}
		g := Group{Participant: decodeParticipant(m)}
		if recent, ok := m["r"].([]any); ok {
			for _, r := range recent {
				if pm, ok := r.(map[string]any); ok {
					g.Recent = append(g.Recent, decodeParticipant(pm))
				}
			}
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func decodeParticipant(m map[string]any) Participant {
	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	id, _ := m["pk"].(float64)
	return Participant{
		ID:          uint(id),
		TotalImport: str("ti"),
		TotalExport: str("te"),
		TotalGas:    str("tg"),
		ActualPower: str("p"),
		ActualGas:   str("g"),
		ActualSolar: str("s"),
	}
}
