// Package gpx defines the messages GPX connectors exchange with the backend
// over the reading queue.
package gpx

import (
	"encoding/json"
	"errors"
	"fmt"
)

// UserAgentPrefix is the product token connectors send in their User-Agent.
const UserAgentPrefix = "GPXCONN/"

// Power is the electricity part of a reading. Numbers travel as strings so
// no precision is lost on the way.
type Power struct {
	SN           string `json:"sn"`
	Timestamp    string `json:"timestamp"`
	Import1      string `json:"import_1"`
	Import2      string `json:"import_2"`
	Export1      string `json:"export_1"`
	Export2      string `json:"export_2"`
	ActualImport string `json:"actual_import"`
	ActualExport string `json:"actual_export"`
	Tariff       int    `json:"tariff"`
}

// Gas is the gas part of a reading.
type Gas struct {
	SN        string `json:"sn"`
	Timestamp string `json:"timestamp"`
	Gas       string `json:"gas"`
}

// Solar is the solar inverter part of a reading.
type Solar struct {
	Timestamp string `json:"timestamp"`
	Solar     string `json:"solar"`
	Total     string `json:"total"`
}

// Reading is one device report, as posted to the measurement endpoint.
type Reading struct {
	Power *Power `json:"power"`
	Gas   *Gas   `json:"gas,omitempty"`
	Solar *Solar `json:"solar,omitempty"`
}

// Envelope carries a reading over the queue together with the credentials
// the HTTP endpoint would take from the request headers.
type Envelope struct {
	APIKey    string          `json:"api_key"`
	UserAgent string          `json:"user_agent"`
	Reading   json.RawMessage `json:"reading"`
}

// NewEnvelope wraps a reading for the queue.
func NewEnvelope(apiKey, version string, r *Reading) ([]byte, error) {
	if r == nil {
		return nil, errors.New("reading cannot be nil")
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reading: %w", err)
	}
	data, err := json.Marshal(Envelope{
		APIKey:    apiKey,
		UserAgent: UserAgentPrefix + version,
		Reading:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a queue message. The reading itself is left raw.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.APIKey == "" {
		return nil, errors.New("envelope has no api key")
	}
	if len(env.Reading) == 0 || string(env.Reading) == "null" {
		return nil, errors.New("envelope has no reading")
	}
	return &env, nil
}
