package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Event states that a topic now has a new value. Produced only by the poller.
type Event struct {
	Topic Topic
	Value Value
}

// MessageType is the "type" tag of an outbound frame.
type MessageType string

const (
	MessageTypePing MessageType = "ping"
	MessageTypePong MessageType = "pong"
)

// Message is the outbound wire frame: {"type":"<topic>","data":<value>}.
// Control frames (ping/pong) carry no data.
type Message struct {
	Type MessageType `json:"type"`
	Data *Value      `json:"data,omitempty"`
}

// Message converts the event to its wire frame.
func (e Event) Message() Message {
	v := e.Value
	return Message{Type: MessageType(e.Topic.String()), Data: &v}
}

// Encode serialises the event to its wire form.
func (e Event) Encode() ([]byte, error) {
	if !e.Topic.Valid() {
		return nil, fmt.Errorf("encode event: %w: %d", ErrUnknownTopic, int(e.Topic))
	}
	if e.Value.IsZero() {
		return nil, fmt.Errorf("encode event %s: %w: empty value", e.Topic, ErrInvalidValue)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e.Message()); err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.Topic, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// PingMessage and PongMessage are the control variants of the wire union. Clients send
// a bare "ping" text frame, which the server consumes without answering; pong is part of
// the published wire model for clients but is never sent by this server.
func PingMessage() Message { return Message{Type: MessageTypePing} }
func PongMessage() Message { return Message{Type: MessageTypePong} }
