package models

import (
	"encoding/json"
	"fmt"
)

// Event is a realtime message delivered to every live connection of an
// identity. It is encoded as one flat JSON object: {"type": ..., fields...}.
type Event struct {
	Type   string
	Fields map[string]interface{}
}

// NewEvent creates an event of the given type with optional fields.
func NewEvent(eventType string, fields map[string]interface{}) Event {
	return Event{Type: eventType, Fields: fields}
}

// MarshalJSON flattens Fields next to "type". A "type" key in Fields is ignored.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("event type is required")
	}
	flat := make(map[string]interface{}, len(e.Fields)+1)
	for k, v := range e.Fields {
		if k == "type" {
			continue
		}
		flat[k] = v
	}
	flat["type"] = e.Type
	return json.Marshal(flat)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var flat map[string]interface{}
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	t, ok := flat["type"].(string)
	if !ok || t == "" {
		return fmt.Errorf("event type is required")
	}
	delete(flat, "type")
	e.Type = t
	e.Fields = flat
	return nil
}

const (
	EventLinkCompleted = "link.completed"
	EventLinkRevoked   = "link.revoked"
)
