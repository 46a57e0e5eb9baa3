package service

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/repository"
)

// RegistryService tracks client devices and their sync checkpoints.
type RegistryService struct {
	repo     repository.ClientRepository
	validate *validator.Validate
	now      func() time.Time
}

func NewRegistryService(repo repository.ClientRepository) *RegistryService {
	return &RegistryService{
		repo:     repo,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Register creates the client or refreshes its device metadata. Checkpoints
// of an already registered client are preserved.
func (s *RegistryService) Register(ctx context.Context, businessID string, req *domain.RegisterClientRequest) (*domain.Client, error) {
	const op = "register"

	if strings.TrimSpace(businessID) == "" {
		return nil, validationErrorf(op, "business id is required")
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(op, describeValidation(err))
	}

	now := s.now()
	client, err := s.repo.Upsert(ctx, &domain.Client{
		ClientID:     req.ClientID,
		UserID:       req.UserID,
		BusinessID:   businessID,
		Device:       req.Device,
		PushToken:    req.PushToken,
		RegisteredAt: now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, storageError(op, err)
	}
	return client, nil
}

// Unregister removes the client. Its queued mutations are left in place.
func (s *RegistryService) Unregister(ctx context.Context, businessID, clientID string) error {
	return storageError("unregister", s.repo.Delete(ctx, businessID, clientID))
}

func (s *RegistryService) GetInfo(ctx context.Context, businessID, clientID string) (*domain.Client, error) {
	client, err := s.repo.FindByID(ctx, businessID, clientID)
	if err != nil {
		return nil, storageError("get_client", err)
	}
	return client, nil
}

func (s *RegistryService) List(ctx context.Context, businessID string) ([]*domain.Client, error) {
	clients, err := s.repo.List(ctx, businessID)
	if err != nil {
		return nil, storageError("list_clients", err)
	}
	if clients == nil {
		clients = []*domain.Client{}
	}
	return clients, nil
}

// UpdateCheckpoint advances LastSyncAt to t. Earlier or equal timestamps are ignored.
func (s *RegistryService) UpdateCheckpoint(ctx context.Context, businessID, clientID string, t time.Time) (*domain.Client, error) {
	client, err := s.repo.UpdateCheckpoint(ctx, businessID, clientID, t)
	if err != nil {
		return nil, storageError("update_checkpoint", err)
	}
	return client, nil
}

func (s *RegistryService) AdvanceAckedSeq(ctx context.Context, businessID, clientID string, seq int64) (*domain.Client, error) {
	client, err := s.repo.AdvanceAckedSeq(ctx, businessID, clientID, seq)
	if err != nil {
		return nil, storageError("advance_acked_seq", err)
	}
	return client, nil
}

// RecordEntityVersion notes that the client holds version of the entity.
func (s *RegistryService) RecordEntityVersion(ctx context.Context, businessID, clientID string, key domain.EntityKey, version int64) error {
	return storageError("record_entity_version", s.repo.SetEntityVersion(ctx, businessID, clientID, key, version))
}

func (s *RegistryService) EntityVersions(ctx context.Context, businessID, clientID string) (map[domain.EntityKey]int64, error) {
	versions, err := s.repo.EntityVersions(ctx, businessID, clientID)
	if err != nil {
		return nil, storageError("entity_versions", err)
	}
	return versions, nil
}
