package domain

import "time"

type Resolution string

const (
	ResolutionUseClient Resolution = "use_client"
	ResolutionUseServer Resolution = "use_server"
	ResolutionUseMerged Resolution = "use_merged"
)

type ConflictRecord struct {
	ID              string     `json:"id"`
	MutationID      string     `json:"mutation_id"`
	BusinessID      string     `json:"business_id"`
	ClientID        string     `json:"client_id"`
	EntityType      string     `json:"entity_type"`
	EntityID        string     `json:"entity_id"`
	Operation       Operation  `json:"operation"`
	ClientVersion   int64      `json:"client_version"`
	ServerVersion   int64      `json:"server_version"`
	ClientPayload   Payload    `json:"client_payload,omitempty"`
	ServerPayload   Payload    `json:"server_payload,omitempty"`
	ServerDeleted   bool       `json:"server_deleted"`
	Strategy        string     `json:"resolution_strategy,omitempty"`
	Resolution      Resolution `json:"resolution,omitempty"`
	ResolvedPayload Payload    `json:"resolved_payload,omitempty"`
	ResolvedVersion *int64     `json:"resolved_version,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	DetectedAt      time.Time  `json:"detected_at"`
}

func (c *ConflictRecord) Resolved() bool {
	return c.ResolvedAt != nil
}

func (c *ConflictRecord) Key() EntityKey {
	return EntityKey{EntityType: c.EntityType, EntityID: c.EntityID}
}

type ResolveConflictRequest struct {
	Resolution Resolution `json:"resolution" validate:"required,oneof=use_client use_server use_merged"`
	MergedData Payload    `json:"merged_data" validate:"required_if=Resolution use_merged"`
}
