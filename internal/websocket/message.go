package websocket

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	// TypeControl carries a worker control message from a page.
	TypeControl      MessageType = "control"
	TypeReply        MessageType = "reply"
	TypeSyncComplete MessageType = "sync_complete"
	TypeNotification MessageType = "notification"
	TypeNavigate     MessageType = "navigate"
	TypeStateChange  MessageType = "state_change"
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
)

type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type NavigatePayload struct {
	URL string `json:"url"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payloadBytes,
	}, nil
}

// NewReply builds a message answering the message with the given id.
func NewReply(id string, msgType MessageType, payload interface{}) (*Message, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
