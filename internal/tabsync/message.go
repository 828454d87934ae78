package tabsync

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	TypeHeartbeat MessageType = "heartbeat"
	TypeChange    MessageType = "change"
	TypeConflict  MessageType = "conflict"
)

// ChannelMessage is the wire format of the inter-context channel. Messages
// are transient: they exist only on the wire and are never persisted.
type ChannelMessage struct {
	Type      MessageType     `json:"type"`
	TabID     string          `json:"tabId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type HeartbeatPayload struct {
	LastActivity time.Time `json:"lastActivity"`
}

type ChangePayload struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Operation  string          `json:"operation"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func NewMessage(msgType MessageType, tabID string, payload interface{}) (ChannelMessage, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return ChannelMessage{}, err
		}
		payloadBytes = bytes
	}
	return ChannelMessage{
		Type:      msgType,
		TabID:     tabID,
		Timestamp: time.Now().UTC(),
		Payload:   payloadBytes,
	}, nil
}

func (m *ChannelMessage) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
