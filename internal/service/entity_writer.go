package service

import (
	"context"
	"sync"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/repository"
)

// EntityReader exposes the authoritative state the detector and resolver compare against.
type EntityReader interface {
	// Current returns repository.ErrNotFound when the entity was never written.
	Current(ctx context.Context, businessID string, key domain.EntityKey) (*domain.EntityState, error)
	// ChangeByMutation returns repository.ErrNotFound when nothing was committed for the mutation.
	ChangeByMutation(ctx context.Context, businessID, mutationID string) (*domain.ServerChange, error)
	ChangedFieldsSince(ctx context.Context, businessID string, key domain.EntityKey, version int64) ([]string, error)
	PayloadAt(ctx context.Context, businessID string, key domain.EntityKey, version int64) (domain.Payload, error)
}

// EntityWriter commits a change for one entity type. Implementations must be
// idempotent per MutationID and must reject a stale ExpectedVersion with
// repository.ErrVersionMismatch.
type EntityWriter interface {
	Apply(ctx context.Context, req *domain.ApplyRequest) (*domain.ServerChange, error)
}

// WriterFunc adapts a function to EntityWriter.
type WriterFunc func(ctx context.Context, req *domain.ApplyRequest) (*domain.ServerChange, error)

func (f WriterFunc) Apply(ctx context.Context, req *domain.ApplyRequest) (*domain.ServerChange, error) {
	return f(ctx, req)
}

// StoreWriter reads and writes the built-in versioned entity store.
type StoreWriter struct {
	entities repository.EntityRepository
}

func NewStoreWriter(entities repository.EntityRepository) *StoreWriter {
	return &StoreWriter{entities: entities}
}

func (w *StoreWriter) Apply(ctx context.Context, req *domain.ApplyRequest) (*domain.ServerChange, error) {
	return w.entities.Apply(ctx, req)
}

func (w *StoreWriter) Current(ctx context.Context, businessID string, key domain.EntityKey) (*domain.EntityState, error) {
	return w.entities.Current(ctx, businessID, key)
}

func (w *StoreWriter) ChangeByMutation(ctx context.Context, businessID, mutationID string) (*domain.ServerChange, error) {
	return w.entities.ChangeByMutation(ctx, businessID, mutationID)
}

func (w *StoreWriter) ChangedFieldsSince(ctx context.Context, businessID string, key domain.EntityKey, version int64) ([]string, error) {
	return w.entities.ChangedFieldsSince(ctx, businessID, key, version)
}

func (w *StoreWriter) PayloadAt(ctx context.Context, businessID string, key domain.EntityKey, version int64) (domain.Payload, error) {
	return w.entities.PayloadAt(ctx, businessID, key, version)
}

// WriterRegistry routes writes to the writer registered for the entity type,
// falling back to a default writer. Type-specific writers usually validate
// domain rules and then delegate to the StoreWriter.
type WriterRegistry struct {
	mu       sync.RWMutex
	fallback EntityWriter
	writers  map[string]EntityWriter
}

func NewWriterRegistry(fallback EntityWriter) *WriterRegistry {
	return &WriterRegistry{
		fallback: fallback,
		writers:  make(map[string]EntityWriter),
	}
}

func (r *WriterRegistry) Register(entityType string, w EntityWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writers[entityType] = w
}

func (r *WriterRegistry) writerFor(entityType string) EntityWriter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.writers[entityType]; ok {
		return w
	}
	return r.fallback
}

func (r *WriterRegistry) Apply(ctx context.Context, req *domain.ApplyRequest) (*domain.ServerChange, error) {
	return r.writerFor(req.EntityType).Apply(ctx, req)
}
