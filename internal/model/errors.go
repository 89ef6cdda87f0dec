package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSubscriptionStopped is returned for any attempt to update or restart a
// STOPPED subscription. Stopped is terminal.
var ErrSubscriptionStopped = errors.New("subscription has been stopped and cannot be updated")

// InvalidTransitionError reports a status change outside the documented
// state machine.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition from %s to %s", e.Entity, e.From, e.To)
}

// MalformedRecordError reports a stored JSON snapshot that failed schema
// validation. Malformed audit data is surfaced explicitly rather than
// silently replaced with an empty value, since it indicates corruption
// elsewhere in the system.
type MalformedRecordError struct {
	EntityType string
	EntityID   string
	Err        error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record for %s %s: %v", e.EntityType, e.EntityID, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// Snapshot is the structured form of an audit before/after value.
type Snapshot map[string]any

// EncodeSnapshot marshals a snapshot for storage in an audit entry.
func EncodeSnapshot(s Snapshot) json.RawMessage {
	data, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// DecodeSnapshot parses a stored audit value. Empty values decode to an
// empty snapshot; anything that is not a JSON object is malformed.
func DecodeSnapshot(entry *AuditLog, raw json.RawMessage) (Snapshot, error) {
	if len(raw) == 0 {
		return Snapshot{}, nil
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, &MalformedRecordError{EntityType: entry.EntityType, EntityID: entry.EntityID, Err: err}
	}
	return s, nil
}
