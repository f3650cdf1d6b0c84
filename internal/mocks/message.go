package mocks

import "github.com/goccy/go-json"

// MockMessage is an mqtt.Message as the EcoFlow broker hands it to a
// subscription handler: QoS 1, not a duplicate, acked by the client.
type MockMessage struct {
	topic    string
	payload  []byte
	id       uint16
	retained bool
}

// NewMockMessage returns a message with a raw payload and packet id.
func NewMockMessage(topic string, id uint16, payload []byte) *MockMessage {
	return &MockMessage{topic: topic, id: id, payload: payload}
}

// NewJSONMessage encodes v as the payload. It panics if v cannot be encoded.
func NewJSONMessage(topic string, id uint16, v any) *MockMessage {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return NewMockMessage(topic, id, payload)
}

// Retain marks the message as replayed from the broker's retained store.
func (m *MockMessage) Retain() *MockMessage {
	m.retained = true
	return m
}

func (m *MockMessage) Payload() []byte   { return m.payload }
func (m *MockMessage) Topic() string     { return m.topic }
func (m *MockMessage) Duplicate() bool   { return false }
func (m *MockMessage) Qos() byte         { return 1 }
func (m *MockMessage) Retained() bool    { return m.retained }
func (m *MockMessage) MessageID() uint16 { return m.id }
func (m *MockMessage) Ack()              {}
