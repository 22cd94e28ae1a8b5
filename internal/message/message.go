// Package message defines the JSON bodies exchanged over the broker queues.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// NewPatient announces a row inserted into the new-entity table.
type NewPatient struct {
	SourceID  json.RawMessage `json:"patientid"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// LatestUpdate is emitted for every change event.
type LatestUpdate struct {
	Table     string          `json:"table"`
	Timestamp json.RawMessage `json:"timestamp"`
}

var ErrInvalidTimestamp = errors.New("invalid timestamp")

// Time parses the timestamp carried by the message.
func (m LatestUpdate) Time() (time.Time, error) {
	var s string
	if err := json.Unmarshal(m.Timestamp, &s); err != nil || s == "" {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidTimestamp, string(m.Timestamp))
	}
	return ParseTimestamp(s)
}

// Layouts row_to_json produces for timestamptz and timestamp columns.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp accepts ISO-8601 timestamps with optional fractional
// seconds. Values without a UTC offset are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
}
