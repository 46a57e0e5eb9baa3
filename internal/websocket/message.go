package websocket

import (
	"encoding/json"
	"time"

	"pos-sync-server/internal/domain"
)

type MessageType string

const (
	TypeSyncRequest      MessageType = "sync_request"
	TypeSyncResponse     MessageType = "sync_response"
	TypeChangesAvailable MessageType = "changes_available"
	TypeConflict         MessageType = "conflict"
	TypeError            MessageType = "error"
	TypePing             MessageType = "ping"
	TypePong             MessageType = "pong"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SyncRequestPayload asks for the delta after Since. A negative Since
// resumes from the last acknowledged sequence.
type SyncRequestPayload struct {
	Since       int64    `json:"since"`
	EntityTypes []string `json:"entity_types,omitempty"`
}

type SyncResponsePayload struct {
	Changes       map[string][]*domain.ServerChange `json:"changes"`
	SyncTimestamp int64                             `json:"sync_timestamp"`
	HasMore       bool                              `json:"has_more"`
}

type ChangesAvailablePayload struct {
	SyncTimestamp  int64  `json:"sync_timestamp"`
	OriginClientID string `json:"origin_client_id"`
}

type ConflictPayload struct {
	ConflictID    string         `json:"conflict_id"`
	MutationID    string         `json:"mutation_id"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	ServerVersion int64          `json:"server_version"`
	ClientVersion int64          `json:"client_version"`
	ServerData    domain.Payload `json:"server_data,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
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

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
