package domain

import "time"

type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

type MutationStatus string

const (
	StatusPending    MutationStatus = "pending"
	StatusProcessing MutationStatus = "processing"
	StatusSuccess    MutationStatus = "success"
	StatusFailed     MutationStatus = "failed"
	StatusConflict   MutationStatus = "conflict"
)

var mutationTransitions = map[MutationStatus][]MutationStatus{
	StatusPending:    {StatusProcessing, StatusSuccess, StatusFailed, StatusConflict},
	StatusProcessing: {StatusPending, StatusSuccess, StatusFailed, StatusConflict},
	StatusConflict:   {StatusSuccess, StatusFailed},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether a record in status s may move to next.
func (s MutationStatus) CanTransition(next MutationStatus) bool {
	for _, allowed := range mutationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the record needs no further processing by the server.
func (s MutationStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

func ParseMutationStatus(s string) (MutationStatus, bool) {
	switch st := MutationStatus(s); st {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed, StatusConflict:
		return st, true
	}
	return "", false
}

// Error codes recorded on failed mutations.
const (
	CodeApplyFailed        = "apply_failed"
	CodeTimeout            = "timeout"
	CodeConflictServerWins = "conflict_server_wins"
	CodeResolvedUseServer  = "resolved_use_server"
	CodeVersionContention  = "version_contention"
)

type MutationRecord struct {
	ID            string         `json:"id"`
	QueueID       string         `json:"queue_id"`
	ClientRef     string         `json:"client_ref,omitempty"`
	BusinessID    string         `json:"business_id"`
	ClientID      string         `json:"client_id"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	Operation     Operation      `json:"operation"`
	Payload       Payload        `json:"payload,omitempty"`
	LocalVersion  int64          `json:"local_version"`
	Seq           int64          `json:"seq"`
	Status        MutationStatus `json:"status"`
	ServerVersion *int64         `json:"server_version,omitempty"`
	RetryCount    int            `json:"retry_count"`
	ErrorCode     string         `json:"error_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	SubmittedAt   time.Time      `json:"submitted_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
	ArchivedAt    *time.Time     `json:"archived_at,omitempty"`
}

func (m *MutationRecord) Key() EntityKey {
	return EntityKey{EntityType: m.EntityType, EntityID: m.EntityID}
}

// QueueItem is a single change submitted by a client.
type QueueItem struct {
	ClientRef    string    `json:"id" validate:"max=128"`
	EntityType   string    `json:"entity_type" validate:"required,max=64"`
	EntityID     string    `json:"entity_id" validate:"required,max=128"`
	Operation    Operation `json:"operation" validate:"required,oneof=create update delete"`
	Payload      Payload   `json:"payload" validate:"required_unless=Operation delete"`
	LocalVersion int64     `json:"local_version" validate:"min=0"`
}

type QueueSyncRequest struct {
	Items []QueueItem `json:"items" validate:"required,min=1"`
}

type ItemError struct {
	Index     int    `json:"index"`
	ClientRef string `json:"id,omitempty"`
	Error     string `json:"error"`
}

type EnqueueResult struct {
	QueueID  string            `json:"queue_id"`
	Accepted []*MutationRecord `json:"accepted"`
	Rejected []ItemError       `json:"rejected"`
}

// StatusUpdate describes a status change of one mutation record.
type StatusUpdate struct {
	BusinessID    string
	ClientID      string
	MutationID    string
	From          []MutationStatus
	To            MutationStatus
	ServerVersion *int64
	ErrorCode     string
	ErrorMessage  string
	At            time.Time
}
