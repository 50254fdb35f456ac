// Package notify is the named-message channel between the display front end
// and the relay backend, carried over websocket.
package notify

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Message is one named notification. Data is the JSON payload and may be empty.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage encodes data as the payload of a message of the given type.
func NewMessage(typ string, data any) (Message, error) {
	if data == nil {
		return Message{Type: typ}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Message{Type: typ, Data: raw}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}
