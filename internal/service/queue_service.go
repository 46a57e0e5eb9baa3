package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/repository"
)

// DefaultClearStatuses are removed by Clear when no status is given.
var DefaultClearStatuses = []domain.MutationStatus{
	domain.StatusPending,
	domain.StatusProcessing,
	domain.StatusFailed,
}

// QueueService is the durable per-client FIFO of submitted mutations.
type QueueService struct {
	repo     repository.MutationRepository
	validate *validator.Validate
	allowed  map[string]struct{}
	now      func() time.Time
}

func NewQueueService(repo repository.MutationRepository, allowedEntityTypes []string) *QueueService {
	var allowed map[string]struct{}
	if len(allowedEntityTypes) > 0 {
		allowed = make(map[string]struct{}, len(allowedEntityTypes))
		for _, t := range allowedEntityTypes {
			allowed[t] = struct{}{}
		}
	}
	return &QueueService{
		repo:     repo,
		validate: validator.New(),
		allowed:  allowed,
		now:      time.Now,
	}
}

// Enqueue validates every item on its own and stores the valid ones in
// submission order. Invalid items are reported in Rejected.
func (s *QueueService) Enqueue(ctx context.Context, businessID, clientID string, items []domain.QueueItem) (*domain.EnqueueResult, error) {
	const op = "queue_sync"

	if len(items) == 0 {
		return nil, validationErrorf(op, "at least one item is required")
	}

	now := s.now()
	result := &domain.EnqueueResult{
		QueueID:  ulid.Make().String(),
		Accepted: []*domain.MutationRecord{},
		Rejected: []domain.ItemError{},
	}

	var records []*domain.MutationRecord
	for i := range items {
		item := items[i]
		payload, err := s.checkItem(&item)
		if err != nil {
			result.Rejected = append(result.Rejected, domain.ItemError{
				Index:     i,
				ClientRef: item.ClientRef,
				Error:     err.Error(),
			})
			continue
		}

		records = append(records, &domain.MutationRecord{
			ID:           ulid.Make().String(),
			QueueID:      result.QueueID,
			ClientRef:    item.ClientRef,
			BusinessID:   businessID,
			ClientID:     clientID,
			EntityType:   item.EntityType,
			EntityID:     item.EntityID,
			Operation:    item.Operation,
			Payload:      payload,
			LocalVersion: item.LocalVersion,
			Status:       domain.StatusPending,
			SubmittedAt:  now,
			UpdatedAt:    now,
		})
	}

	mutationsEnqueuedTotal.WithLabelValues("rejected").Add(float64(len(result.Rejected)))
	if len(records) == 0 {
		return result, nil
	}

	stored, err := s.repo.Insert(ctx, records)
	if err != nil {
		return nil, storageError(op, err)
	}
	result.Accepted = stored
	mutationsEnqueuedTotal.WithLabelValues("accepted").Add(float64(len(stored)))
	return result, nil
}

func (s *QueueService) checkItem(item *domain.QueueItem) (domain.Payload, error) {
	if err := s.validate.Struct(item); err != nil {
		return nil, describeValidation(err)
	}
	if s.allowed != nil {
		if _, ok := s.allowed[item.EntityType]; !ok {
			return nil, fmt.Errorf("entity type %q is not synchronised", item.EntityType)
		}
	}
	payload, err := item.Payload.Normalize()
	if err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return payload, nil
}

// DequeueBatch claims up to batchSize pending mutations, oldest first.
func (s *QueueService) DequeueBatch(ctx context.Context, businessID, clientID string, batchSize int) ([]*domain.MutationRecord, error) {
	records, err := s.repo.ClaimBatch(ctx, businessID, clientID, batchSize, s.now())
	if err != nil {
		return nil, storageError("dequeue", err)
	}
	return records, nil
}

// Recover returns mutations left in processing by an interrupted run to pending.
func (s *QueueService) Recover(ctx context.Context, businessID, clientID string) (int, error) {
	n, err := s.repo.ResetProcessing(ctx, businessID, clientID)
	if err != nil {
		return 0, storageError("recover", err)
	}
	return n, nil
}

func (s *QueueService) Get(ctx context.Context, businessID, clientID, mutationID string) (*domain.MutationRecord, error) {
	m, err := s.repo.FindByID(ctx, businessID, clientID, mutationID)
	if err != nil {
		return nil, storageError("get_mutation", err)
	}
	return m, nil
}

// MarkStatus moves a mutation to update.To. A NotFound error means the
// mutation was cleared while it was being processed.
func (s *QueueService) MarkStatus(ctx context.Context, update *domain.StatusUpdate) error {
	if update.At.IsZero() {
		update.At = s.now()
	}
	err := s.repo.UpdateStatus(ctx, update)
	if errors.Is(err, repository.ErrInvalidTransition) {
		return newError(KindConflict, "mark_status", err)
	}
	return storageError("mark_status", err)
}

// Clear removes the client's mutations in the given statuses.
func (s *QueueService) Clear(ctx context.Context, businessID, clientID string, statuses ...domain.MutationStatus) (int, error) {
	if len(statuses) == 0 {
		statuses = DefaultClearStatuses
	}
	n, err := s.repo.Delete(ctx, businessID, clientID, statuses)
	if err != nil {
		return 0, storageError("clear_queue", err)
	}
	return n, nil
}

// RetryFailed moves failed mutations back to pending. No ids means every failed mutation.
func (s *QueueService) RetryFailed(ctx context.Context, businessID, clientID string, ids ...string) (int, error) {
	n, err := s.repo.RequeueFailed(ctx, businessID, clientID, ids, s.now())
	if err != nil {
		return 0, storageError("retry_failed", err)
	}
	return n, nil
}

func (s *QueueService) Counts(ctx context.Context, businessID, clientID string) (map[domain.MutationStatus]int, error) {
	counts, err := s.repo.CountByStatus(ctx, businessID, clientID)
	if err != nil {
		return nil, storageError("queue_counts", err)
	}
	return counts, nil
}

func (s *QueueService) Statistics(ctx context.Context, businessID string, from, to time.Time) (*domain.MutationStats, error) {
	stats, err := s.repo.Statistics(ctx, businessID, from, to)
	if err != nil {
		return nil, storageError("mutation_statistics", err)
	}
	return stats, nil
}

// ArchiveProcessed archives the client's successful mutations processed before the given time.
func (s *QueueService) ArchiveProcessed(ctx context.Context, businessID, clientID string, before time.Time) (int, error) {
	n, err := s.repo.Archive(ctx, businessID, clientID, []domain.MutationStatus{domain.StatusSuccess}, before, s.now())
	if err != nil {
		return 0, storageError("archive", err)
	}
	return n, nil
}
