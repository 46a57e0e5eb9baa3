package repository

import (
	"context"
	"time"

	"pos-sync-server/internal/domain"
)

type ClientRepository interface {
	// Upsert registers the client or refreshes its device metadata.
	// Checkpoint fields of an existing client are never touched.
	Upsert(ctx context.Context, client *domain.Client) (*domain.Client, error)
	FindByID(ctx context.Context, businessID, clientID string) (*domain.Client, error)
	List(ctx context.Context, businessID string) ([]*domain.Client, error)
	Delete(ctx context.Context, businessID, clientID string) error

	// UpdateCheckpoint moves LastSyncAt forward only when at is later than the stored value.
	UpdateCheckpoint(ctx context.Context, businessID, clientID string, at time.Time) (*domain.Client, error)

	// AdvanceAckedSeq moves LastAckedSeq forward only when seq is greater than the stored value.
	AdvanceAckedSeq(ctx context.Context, businessID, clientID string, seq int64) (*domain.Client, error)

	SetEntityVersion(ctx context.Context, businessID, clientID string, key domain.EntityKey, version int64) error
	EntityVersions(ctx context.Context, businessID, clientID string) (map[domain.EntityKey]int64, error)
}

type MutationRepository interface {
	// Insert stores the records in order. A record whose ClientRef is already
	// queued for the client is returned as the stored copy instead.
	Insert(ctx context.Context, records []*domain.MutationRecord) ([]*domain.MutationRecord, error)

	// ClaimBatch moves up to limit pending records of the client to processing,
	// oldest first, and returns them.
	ClaimBatch(ctx context.Context, businessID, clientID string, limit int, at time.Time) ([]*domain.MutationRecord, error)

	// ResetProcessing returns records stuck in processing back to pending.
	ResetProcessing(ctx context.Context, businessID, clientID string) (int, error)

	FindByID(ctx context.Context, businessID, clientID, id string) (*domain.MutationRecord, error)
	UpdateStatus(ctx context.Context, update *domain.StatusUpdate) error
	Delete(ctx context.Context, businessID, clientID string, statuses []domain.MutationStatus) (int, error)
	RequeueFailed(ctx context.Context, businessID, clientID string, ids []string, at time.Time) (int, error)
	CountByStatus(ctx context.Context, businessID, clientID string) (map[domain.MutationStatus]int, error)
	Statistics(ctx context.Context, businessID string, from, to time.Time) (*domain.MutationStats, error)

	// Archive marks processed records as archived. An empty businessID or
	// clientID applies to every business or client.
	Archive(ctx context.Context, businessID, clientID string, statuses []domain.MutationStatus, processedBefore, at time.Time) (int, error)
	PurgeArchived(ctx context.Context, archivedBefore time.Time) (int, error)
}

type ConflictRepository interface {
	// Save stores a new conflict for its mutation. When an unresolved conflict
	// already exists for the mutation, its server side is refreshed and the
	// stored record is returned. A resolved conflict is returned unchanged.
	Save(ctx context.Context, conflict *domain.ConflictRecord) (*domain.ConflictRecord, error)
	FindByMutation(ctx context.Context, businessID, clientID, mutationID string) (*domain.ConflictRecord, error)
	ListPending(ctx context.Context, businessID, clientID string) ([]*domain.ConflictRecord, error)

	// MarkResolved persists the resolution fields. Returns ErrAlreadyResolved
	// if another call resolved it first.
	MarkResolved(ctx context.Context, conflict *domain.ConflictRecord) error
	Statistics(ctx context.Context, businessID string, from, to time.Time) (*domain.ConflictStats, error)
	PurgeResolved(ctx context.Context, resolvedBefore time.Time) (int, error)
}

// EntityRepository holds the authoritative versioned entity state and its change log.
type EntityRepository interface {
	Current(ctx context.Context, businessID string, key domain.EntityKey) (*domain.EntityState, error)

	// Apply commits a change if the entity is still at ExpectedVersion. A
	// repeated request for an already committed mutation returns the original change.
	Apply(ctx context.Context, req *domain.ApplyRequest) (*domain.ServerChange, error)

	// ChangeByMutation returns the change committed for mutationID, or ErrNotFound.
	ChangeByMutation(ctx context.Context, businessID, mutationID string) (*domain.ServerChange, error)

	ChangedFieldsSince(ctx context.Context, businessID string, key domain.EntityKey, version int64) ([]string, error)
	PayloadAt(ctx context.Context, businessID string, key domain.EntityKey, version int64) (domain.Payload, error)

	CurrentSeq(ctx context.Context, businessID string) (int64, error)
	ChangesBetween(ctx context.Context, businessID string, since, upTo int64, entityTypes []string, limit int) ([]*domain.ServerChange, error)
	Snapshot(ctx context.Context, businessID string, upTo int64, entityTypes []string) ([]*domain.EntityState, error)
}

// LockRepository provides leased advisory locks shared by every server instance.
type LockRepository interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
	Held(ctx context.Context, key string) (bool, error)
}
