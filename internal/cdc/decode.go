package cdc

import (
	"encoding/json"
	"fmt"
)

// Decode parses a notification payload into a ChangeEvent.
func Decode(payload []byte) (*ChangeEvent, error) {
	var event ChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	if err := event.Validate(); err != nil {
		return nil, err
	}

	return &event, nil
}
