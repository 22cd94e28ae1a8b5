package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

type OperationType string

const (
	OperationInsert OperationType = "INSERT"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
)

func (o OperationType) Valid() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// ErrInvalidEvent marks a payload that decoded as JSON but breaks the
// ChangeEvent invariants.
var ErrInvalidEvent = errors.New("invalid change event")

// Record maps column names to their JSON-encoded values. Values are kept as
// raw JSON so they can be forwarded without re-rendering.
type Record map[string]json.RawMessage

// Raw returns the verbatim JSON value of field, or JSON null if absent.
func (r Record) Raw(field string) json.RawMessage {
	if v, ok := r[field]; ok && len(v) > 0 {
		return v
	}
	return json.RawMessage("null")
}

// String decodes field as a JSON string.
func (r Record) String(field string) (string, error) {
	v, ok := r[field]
	if !ok {
		return "", fmt.Errorf("field %q not present", field)
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("field %q is not a string: %w", field, err)
	}
	return s, nil
}

// ChangeEvent describes one row mutation on a tracked table.
type ChangeEvent struct {
	Operation OperationType `json:"operation"`
	Table     string        `json:"table"`
	NewRecord Record        `json:"new_record,omitempty"`
	OldRecord Record        `json:"old_record,omitempty"`

	// PID of the backend that raised the notification; not part of the payload.
	PID uint32 `json:"-"`
}

// Validate checks the invariants every emitted event satisfies.
func (e *ChangeEvent) Validate() error {
	if !e.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidEvent, e.Operation)
	}
	if e.Table == "" {
		return fmt.Errorf("%w: table is empty", ErrInvalidEvent)
	}
	if e.NewRecord == nil && e.OldRecord == nil {
		return fmt.Errorf("%w: %s on %s carries no record", ErrInvalidEvent, e.Operation, e.Table)
	}
	if e.NewRecord == nil && e.Operation != OperationDelete {
		return fmt.Errorf("%w: %s on %s has no new_record", ErrInvalidEvent, e.Operation, e.Table)
	}
	return nil
}

// CurrentRecord is the post-mutation row, or the deleted row for DELETE.
func (e *ChangeEvent) CurrentRecord() Record {
	if e.NewRecord != nil {
		return e.NewRecord
	}
	return e.OldRecord
}

// BatchHandler receives every batch drained by the bridge loop, in order.
// A returned error stops the bridge.
type BatchHandler interface {
	HandleBatch(ctx context.Context, events []*ChangeEvent) error
}
