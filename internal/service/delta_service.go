package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/repository"
)

// DeltaService serves committed server changes to clients.
type DeltaService struct {
	entities repository.EntityRepository
	registry *RegistryService
	queue    *QueueService
	pageSize int
	now      func() time.Time
}

func NewDeltaService(entities repository.EntityRepository, registry *RegistryService, queue *QueueService, pageSize int) *DeltaService {
	if pageSize <= 0 {
		pageSize = DefaultOptions().DeltaPageSize
	}
	return &DeltaService{
		entities: entities,
		registry: registry,
		queue:    queue,
		pageSize: pageSize,
		now:      time.Now,
	}
}

// GetDeltaUpdates returns the changes committed after since, up to the
// sequence current at request time. A negative since resumes from the
// client's last acknowledged sequence. Changes the client already holds are
// left out but still advance SyncTimestamp.
func (s *DeltaService) GetDeltaUpdates(ctx context.Context, id domain.Identity, since int64, entityTypes []string) (*domain.DeltaResponse, error) {
	const op = "get_delta_updates"

	client, err := s.registry.GetInfo(ctx, id.BusinessID, id.ClientID)
	if err != nil {
		return nil, err
	}
	if since < 0 {
		since = client.LastAckedSeq
	}
	entityTypes = nonEmpty(entityTypes)

	ctx, span := tracer.Start(ctx, "sync.DeltaService.GetDeltaUpdates",
		trace.WithAttributes(
			attribute.String("client_id", id.ClientID),
			attribute.Int64("since", since),
		),
	)
	defer span.End()

	upper, err := s.entities.CurrentSeq(ctx, id.BusinessID)
	if err != nil {
		return nil, storageError(op, err)
	}

	resp := &domain.DeltaResponse{
		Changes:       map[string][]*domain.ServerChange{},
		SyncTimestamp: upper,
	}
	if since >= upper {
		resp.SyncTimestamp = since
		return resp, nil
	}

	changes, err := s.entities.ChangesBetween(ctx, id.BusinessID, since, upper, entityTypes, s.pageSize+1)
	if err != nil {
		return nil, storageError(op, err)
	}
	if len(changes) > s.pageSize {
		changes = changes[:s.pageSize]
		resp.HasMore = true
		resp.SyncTimestamp = changes[len(changes)-1].Seq
	}

	held, err := s.registry.EntityVersions(ctx, id.BusinessID, id.ClientID)
	if err != nil {
		return nil, err
	}

	served := 0
	for _, c := range changes {
		key := domain.EntityKey{EntityType: c.EntityType, EntityID: c.EntityID}
		if v, ok := held[key]; ok && v >= c.ServerVersion {
			continue
		}
		resp.Changes[c.EntityType] = append(resp.Changes[c.EntityType], c)
		served++
	}

	deltaChangesServed.Add(float64(served))
	span.SetAttributes(attribute.Int("changes", served), attribute.Bool("has_more", resp.HasMore))
	return resp, nil
}

// FullSync returns every live entity as of the current sequence, optionally
// restricted to entities whose location_id matches locationID.
func (s *DeltaService) FullSync(ctx context.Context, id domain.Identity, entityTypes []string, locationID string) (*domain.FullSyncResponse, error) {
	const op = "full_sync"

	if _, err := s.registry.GetInfo(ctx, id.BusinessID, id.ClientID); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "sync.DeltaService.FullSync")
	defer span.End()

	upper, err := s.entities.CurrentSeq(ctx, id.BusinessID)
	if err != nil {
		return nil, storageError(op, err)
	}
	states, err := s.entities.Snapshot(ctx, id.BusinessID, upper, nonEmpty(entityTypes))
	if err != nil {
		return nil, storageError(op, err)
	}

	resp := &domain.FullSyncResponse{
		Entities:      map[string][]*domain.EntityState{},
		SyncTimestamp: upper,
	}
	for _, st := range states {
		if locationID != "" && !matchesLocation(st.Payload, locationID) {
			continue
		}
		resp.Entities[st.EntityType] = append(resp.Entities[st.EntityType], st)
	}
	span.SetAttributes(attribute.Int("entities", len(states)))
	return resp, nil
}

func matchesLocation(p domain.Payload, locationID string) bool {
	v, ok := p["location_id"]
	if !ok {
		return false
	}
	if s, ok := v.(string); ok {
		return s == locationID
	}
	return fmt.Sprint(v) == locationID
}

// Acknowledge records that the client has applied everything up to
// syncTimestamp. Acknowledging only some entity types keeps the sequence
// cursor where it is, since other types may still be unread below it.
func (s *DeltaService) Acknowledge(ctx context.Context, id domain.Identity, req *domain.AcknowledgeRequest) (*domain.Checkpoint, error) {
	const op = "acknowledge_sync"

	if req.SyncTimestamp < 0 {
		return nil, validationErrorf(op, "sync_timestamp must not be negative")
	}
	upper, err := s.entities.CurrentSeq(ctx, id.BusinessID)
	if err != nil {
		return nil, storageError(op, err)
	}
	if req.SyncTimestamp > upper {
		return nil, validationErrorf(op, "sync_timestamp %d is ahead of the server sequence %d", req.SyncTimestamp, upper)
	}

	client, err := s.registry.GetInfo(ctx, id.BusinessID, id.ClientID)
	if err != nil {
		return nil, err
	}
	if len(nonEmpty(req.EntityTypes)) == 0 {
		if client, err = s.registry.AdvanceAckedSeq(ctx, id.BusinessID, id.ClientID, req.SyncTimestamp); err != nil {
			return nil, err
		}
	}

	now := s.now()
	if client, err = s.registry.UpdateCheckpoint(ctx, id.BusinessID, id.ClientID, now); err != nil {
		return nil, err
	}
	if _, err := s.queue.ArchiveProcessed(ctx, id.BusinessID, id.ClientID, now); err != nil {
		return nil, err
	}
	return &domain.Checkpoint{LastSyncAt: client.LastSyncAt, LastAckedSeq: client.LastAckedSeq}, nil
}

func nonEmpty(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
