package domain

import "time"

// ServerChange is one committed revision of an entity.
type ServerChange struct {
	Seq            int64     `json:"seq"`
	BusinessID     string    `json:"business_id"`
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	Operation      Operation `json:"operation"`
	Payload        Payload   `json:"payload,omitempty"`
	ServerVersion  int64     `json:"server_version"`
	ChangedFields  []string  `json:"changed_fields,omitempty"`
	MutationID     string    `json:"mutation_id,omitempty"`
	OriginClientID string    `json:"origin_client_id,omitempty"`
	CommittedAt    time.Time `json:"committed_at"`
}

// EntityState is the current authoritative state of an entity.
type EntityState struct {
	BusinessID string    `json:"business_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Version    int64     `json:"server_version"`
	Payload    Payload   `json:"payload,omitempty"`
	Deleted    bool      `json:"deleted"`
	Seq        int64     `json:"seq"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ApplyRequest asks a write collaborator to commit a change on top of
// ExpectedVersion.
type ApplyRequest struct {
	BusinessID      string
	EntityType      string
	EntityID        string
	Operation       Operation
	Payload         Payload
	ExpectedVersion int64
	MutationID      string
	OriginClientID  string
	At              time.Time
}
