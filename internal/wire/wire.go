// Package wire defines the JSON socket protocol spoken between the agent,
// the hub, and any frontend consumer. Every frame is a tagged message
// {type, payload}; payloads are kept as raw JSON until the type is known.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types sent by the agent.
const (
	TypeCacheUpdate       = "cache_update"
	TypeNewRawMessage     = "new_raw_message"
	TypeOnlineUsersUpdate = "online_users_update"
	TypeKeepalive         = "keepalive"
)

// Message types sent by the hub.
const (
	TypeConnectionAck    = "connection_ack"
	TypeCommandToExecute = "command_to_execute"
	TypeSystemStatus     = "system_status"
)

// Message is one socket frame.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Record is an opaque normalized cache record. The wire does not interpret
// record fields beyond carrying them; the schema lives on either end.
type Record = map[string]any

// CacheUpdatePayload is a full snapshot of the local cache.
type CacheUpdatePayload struct {
	Chats    []Record `json:"chats"`
	Messages []Record `json:"messages"`
}

// NewRawMessagePayload is a single-record delta.
type NewRawMessagePayload struct {
	Message Record `json:"message"`
}

// OnlineUsersUpdatePayload carries a presence snapshot.
type OnlineUsersUpdatePayload struct {
	UserIDs   []int64 `json:"user_ids"`
	Timestamp string  `json:"timestamp"`
}

// KeepalivePayload is the periodic no-op heartbeat.
type KeepalivePayload struct {
	Timestamp string `json:"timestamp"`
}

// ConnectionAckPayload acknowledges a new connection. UserID, when present
// and different from the client's own, corrects the client's identity.
type ConnectionAckPayload struct {
	Version       string `json:"version,omitempty"`
	ClientType    string `json:"clientType,omitempty"`
	UserID        string `json:"userId,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

// SystemStatusPayload reports hub-side processing state to consumers.
type SystemStatusPayload struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// NewMessage marshals a typed payload into a Message. Marshal failures are
// programming errors on our own types, so they surface as errors rather
// than panics but are not expected in practice.
func NewMessage(msgType string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Message{Type: msgType, Payload: raw}, nil
}

// NewKeepalive builds a keepalive frame stamped with the current time.
func NewKeepalive(now time.Time) Message {
	msg, _ := NewMessage(TypeKeepalive, KeepalivePayload{
		Timestamp: now.UTC().Format(time.RFC3339),
	})
	return msg
}

// Parse decodes a raw frame into a Message. A missing type tag is an error;
// an unrecognized type is not; callers dispatch on Type and log unknowns,
// keeping the protocol forward compatible.
func Parse(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("parse frame: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("frame missing type tag")
	}
	return msg, nil
}

// DecodePayload unmarshals the message payload into the given typed struct.
func DecodePayload[T any](msg Message) (T, error) {
	var payload T
	if len(msg.Payload) == 0 {
		return payload, fmt.Errorf("%s: empty payload", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return payload, fmt.Errorf("%s: decode payload: %w", msg.Type, err)
	}
	return payload, nil
}
