package domain

import "time"

// Identity is the caller context supplied by the authentication layer.
type Identity struct {
	UserID     string
	BusinessID string
	ClientID   string
}

type ProcessSyncRequest struct {
	ConflictResolution string `json:"conflict_resolution" validate:"omitempty,oneof=client_wins server_wins merge manual"`
	BatchSize          int    `json:"batch_size" validate:"min=0"`
}

type ItemResult struct {
	MutationID    string         `json:"mutation_id"`
	ClientRef     string         `json:"id,omitempty"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	Status        MutationStatus `json:"status,omitempty"`
	Discarded     bool           `json:"discarded,omitempty"`
	ServerVersion *int64         `json:"server_version,omitempty"`
	ConflictID    string         `json:"conflict_id,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	Error         string         `json:"error,omitempty"`
}

type ProcessSummary struct {
	Total     int `json:"total"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Conflict  int `json:"conflict"`
	Discarded int `json:"discarded"`
}

type Checkpoint struct {
	LastSyncAt   time.Time `json:"last_sync_at"`
	LastAckedSeq int64     `json:"last_acked_seq"`
}

type ProcessResult struct {
	Results    []ItemResult   `json:"results"`
	Summary    ProcessSummary `json:"summary"`
	Checkpoint Checkpoint     `json:"checkpoint"`
}

type DeltaResponse struct {
	Changes       map[string][]*ServerChange `json:"changes"`
	SyncTimestamp int64                      `json:"sync_timestamp"`
	HasMore       bool                       `json:"has_more"`
}

type FullSyncResponse struct {
	Entities      map[string][]*EntityState `json:"entities"`
	SyncTimestamp int64                     `json:"sync_timestamp"`
}

type AcknowledgeRequest struct {
	SyncTimestamp int64    `json:"sync_timestamp" validate:"min=0"`
	EntityTypes   []string `json:"entity_types"`
}

type RetryRequest struct {
	ItemIDs []string `json:"item_ids"`
}

type SyncStatus struct {
	Client           *Client                `json:"client"`
	Queue            map[MutationStatus]int `json:"queue"`
	PendingConflicts int                    `json:"pending_conflicts"`
	CurrentSeq       int64                  `json:"current_seq"`
	Processing       bool                   `json:"processing"`
}

type MutationStats struct {
	Total    int                    `json:"total"`
	ByStatus map[MutationStatus]int `json:"by_status"`
	Retried  int                    `json:"retried"`
}

type ConflictStats struct {
	Total      int            `json:"total"`
	Resolved   int            `json:"resolved"`
	Pending    int            `json:"pending"`
	ByStrategy map[string]int `json:"by_strategy"`
}

type SyncStatistics struct {
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	Mutations MutationStats `json:"mutations"`
	Conflicts ConflictStats `json:"conflicts"`
}
