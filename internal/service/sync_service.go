package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/repository"
)

// Stores groups the repositories the sync engine runs on.
type Stores struct {
	Clients   repository.ClientRepository
	Mutations repository.MutationRepository
	Conflicts repository.ConflictRepository
	Entities  repository.EntityRepository
	Locks     repository.LockRepository
}

// SyncService is the entry point for every client-facing sync operation.
type SyncService struct {
	registry  *RegistryService
	queue     *QueueService
	processor *Processor
	delta     *DeltaService
	writers   *WriterRegistry
	conflicts repository.ConflictRepository
	entities  repository.EntityRepository
	locks     repository.LockRepository
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

func NewSyncService(stores Stores, notifier Notifier, logger *slog.Logger, opts Options) *SyncService {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	store := NewStoreWriter(stores.Entities)
	writers := NewWriterRegistry(store)
	registry := NewRegistryService(stores.Clients)
	queue := NewQueueService(stores.Mutations, opts.AllowedEntityTypes)

	return &SyncService{
		registry:  registry,
		queue:     queue,
		processor: NewProcessor(queue, registry, stores.Conflicts, stores.Locks, store, writers, notifier, logger, opts),
		delta:     NewDeltaService(stores.Entities, registry, queue, opts.DeltaPageSize),
		writers:   writers,
		conflicts: stores.Conflicts,
		entities:  stores.Entities,
		locks:     stores.Locks,
		validate:  validator.New(),
		logger:    logger,
		now:       time.Now,
	}
}

// Writers returns the registry used to install entity-type specific writers.
func (s *SyncService) Writers() *WriterRegistry {
	return s.writers
}

// Resolver returns the conflict strategy registry.
func (s *SyncService) Resolver() *Resolver {
	return s.processor.Resolver()
}

func requireClient(op string, id domain.Identity) error {
	if strings.TrimSpace(id.BusinessID) == "" {
		return validationErrorf(op, "business id is required")
	}
	if strings.TrimSpace(id.ClientID) == "" {
		return validationErrorf(op, "client id is required")
	}
	return nil
}

func (s *SyncService) Register(ctx context.Context, id domain.Identity, req *domain.RegisterClientRequest) (*domain.Client, error) {
	if req == nil {
		return nil, validationErrorf("register", "client_id is required")
	}
	req.UserID = id.UserID
	client, err := s.registry.Register(ctx, id.BusinessID, req)
	if err != nil {
		return nil, err
	}
	s.logger.Info("client registered", "business_id", id.BusinessID, "client_id", client.ClientID, "device", client.Device.Name)
	return client, nil
}

func (s *SyncService) Unregister(ctx context.Context, id domain.Identity, clientID string) error {
	if clientID == "" {
		clientID = id.ClientID
	}
	if err := requireClient("unregister", domain.Identity{BusinessID: id.BusinessID, ClientID: clientID}); err != nil {
		return err
	}
	if err := s.registry.Unregister(ctx, id.BusinessID, clientID); err != nil {
		return err
	}
	s.logger.Info("client unregistered", "business_id", id.BusinessID, "client_id", clientID)
	return nil
}

func (s *SyncService) GetClientInfo(ctx context.Context, id domain.Identity) (*domain.Client, error) {
	if err := requireClient("get_client", id); err != nil {
		return nil, err
	}
	return s.registry.GetInfo(ctx, id.BusinessID, id.ClientID)
}

func (s *SyncService) ListClients(ctx context.Context, id domain.Identity) ([]*domain.Client, error) {
	if strings.TrimSpace(id.BusinessID) == "" {
		return nil, validationErrorf("list_clients", "business id is required")
	}
	return s.registry.List(ctx, id.BusinessID)
}

// QueueSync stores the submitted mutations for later processing. The client
// must be registered.
func (s *SyncService) QueueSync(ctx context.Context, id domain.Identity, req *domain.QueueSyncRequest) (*domain.EnqueueResult, error) {
	const op = "queue_sync"

	if err := requireClient(op, id); err != nil {
		return nil, err
	}
	if req == nil || len(req.Items) == 0 {
		return nil, validationErrorf(op, "at least one item is required")
	}
	if _, err := s.registry.GetInfo(ctx, id.BusinessID, id.ClientID); err != nil {
		return nil, err
	}

	result, err := s.queue.Enqueue(ctx, id.BusinessID, id.ClientID, req.Items)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("mutations queued",
		"client_id", id.ClientID,
		"queue_id", result.QueueID,
		"accepted", len(result.Accepted),
		"rejected", len(result.Rejected),
	)
	return result, nil
}

func (s *SyncService) ProcessSync(ctx context.Context, id domain.Identity, req *domain.ProcessSyncRequest) (*domain.ProcessResult, error) {
	const op = "process_sync"

	if err := requireClient(op, id); err != nil {
		return nil, err
	}
	if req == nil {
		req = &domain.ProcessSyncRequest{}
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(op, describeValidation(err))
	}

	var po ProcessOptions
	if req.ConflictResolution != "" {
		strategy, err := ParseStrategy(req.ConflictResolution)
		if err != nil {
			return nil, validationError(op, err)
		}
		po.Strategy = strategy
	}
	po.BatchSize = req.BatchSize
	return s.processor.ProcessQueue(ctx, id, po)
}

func (s *SyncService) GetSyncStatus(ctx context.Context, id domain.Identity) (*domain.SyncStatus, error) {
	const op = "get_sync_status"

	if err := requireClient(op, id); err != nil {
		return nil, err
	}
	client, err := s.registry.GetInfo(ctx, id.BusinessID, id.ClientID)
	if err != nil {
		return nil, err
	}
	counts, err := s.queue.Counts(ctx, id.BusinessID, id.ClientID)
	if err != nil {
		return nil, err
	}
	pending, err := s.conflicts.ListPending(ctx, id.BusinessID, id.ClientID)
	if err != nil {
		return nil, storageError(op, err)
	}
	seq, err := s.entities.CurrentSeq(ctx, id.BusinessID)
	if err != nil {
		return nil, storageError(op, err)
	}
	held, err := s.locks.Held(ctx, lockKey(id.BusinessID, id.ClientID))
	if err != nil {
		return nil, storageError(op, err)
	}

	return &domain.SyncStatus{
		Client:           client,
		Queue:            counts,
		PendingConflicts: len(pending),
		CurrentSeq:       seq,
		Processing:       held,
	}, nil
}

func (s *SyncService) GetPendingConflicts(ctx context.Context, id domain.Identity) ([]*domain.ConflictRecord, error) {
	const op = "get_pending_conflicts"

	if err := requireClient(op, id); err != nil {
		return nil, err
	}
	conflicts, err := s.conflicts.ListPending(ctx, id.BusinessID, id.ClientID)
	if err != nil {
		return nil, storageError(op, err)
	}
	if conflicts == nil {
		conflicts = []*domain.ConflictRecord{}
	}
	return conflicts, nil
}

func (s *SyncService) ResolveConflict(ctx context.Context, id domain.Identity, mutationID string, req *domain.ResolveConflictRequest) (*domain.ConflictRecord, error) {
	if err := requireClient("resolve_conflict", id); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, validationErrorf("resolve_conflict", "resolution is required")
	}
	return s.processor.ResolveManually(ctx, id, mutationID, req)
}

func (s *SyncService) GetDeltaUpdates(ctx context.Context, id domain.Identity, since int64, entityTypes []string) (*domain.DeltaResponse, error) {
	if err := requireClient("get_delta_updates", id); err != nil {
		return nil, err
	}
	return s.delta.GetDeltaUpdates(ctx, id, since, entityTypes)
}

func (s *SyncService) FullSync(ctx context.Context, id domain.Identity, entityTypes []string, locationID string) (*domain.FullSyncResponse, error) {
	if err := requireClient("full_sync", id); err != nil {
		return nil, err
	}
	return s.delta.FullSync(ctx, id, entityTypes, locationID)
}

func (s *SyncService) AcknowledgeSync(ctx context.Context, id domain.Identity, req *domain.AcknowledgeRequest) (*domain.Checkpoint, error) {
	const op = "acknowledge_sync"

	if err := requireClient(op, id); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, validationErrorf(op, "sync_timestamp is required")
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(op, describeValidation(err))
	}
	return s.delta.Acknowledge(ctx, id, req)
}

// ClearQueue removes the client's mutations in the given statuses, or in
// DefaultClearStatuses when none are given. Conflicted mutations can only
// leave the queue through resolution.
func (s *SyncService) ClearQueue(ctx context.Context, id domain.Identity, statuses []string) (int, error) {
	const op = "clear_queue"

	if err := requireClient(op, id); err != nil {
		return 0, err
	}

	var parsed []domain.MutationStatus
	for _, raw := range nonEmpty(statuses) {
		st, ok := domain.ParseMutationStatus(raw)
		if !ok {
			return 0, validationErrorf(op, "unknown status %q", raw)
		}
		if st == domain.StatusConflict {
			return 0, validationErrorf(op, "conflicted mutations must be resolved, not cleared")
		}
		parsed = append(parsed, st)
	}

	n, err := s.queue.Clear(ctx, id.BusinessID, id.ClientID, parsed...)
	if err != nil {
		return 0, err
	}
	s.logger.Info("queue cleared", "client_id", id.ClientID, "removed", n)
	return n, nil
}

func (s *SyncService) RetryFailed(ctx context.Context, id domain.Identity, req *domain.RetryRequest) (int, error) {
	if err := requireClient("retry_failed", id); err != nil {
		return 0, err
	}
	var ids []string
	if req != nil {
		ids = nonEmpty(req.ItemIDs)
	}
	return s.queue.RetryFailed(ctx, id.BusinessID, id.ClientID, ids...)
}

// GetSyncStatistics aggregates mutation and conflict counts of the business
// between start and end. A nil start means the beginning of time and a nil
// end means now.
func (s *SyncService) GetSyncStatistics(ctx context.Context, id domain.Identity, start, end *time.Time) (*domain.SyncStatistics, error) {
	const op = "get_sync_statistics"

	if strings.TrimSpace(id.BusinessID) == "" {
		return nil, validationErrorf(op, "business id is required")
	}

	from := time.Unix(0, 0).UTC()
	if start != nil {
		from = *start
	}
	to := s.now()
	if end != nil {
		to = *end
	}
	if from.After(to) {
		return nil, validationErrorf(op, "start %s is after end %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	mutations, err := s.queue.Statistics(ctx, id.BusinessID, from, to)
	if err != nil {
		return nil, err
	}
	conflicts, err := s.conflicts.Statistics(ctx, id.BusinessID, from, to)
	if err != nil {
		return nil, storageError(op, err)
	}
	return &domain.SyncStatistics{
		Start:     from,
		End:       to,
		Mutations: *mutations,
		Conflicts: *conflicts,
	}, nil
}
