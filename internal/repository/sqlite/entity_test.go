package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/repository"
)

func applyTestChange(t *testing.T, repo repository.EntityRepository, entityID string, op domain.Operation, payload domain.Payload, expected int64) *domain.ServerChange {
	t.Helper()
	change, err := repo.Apply(context.Background(), &domain.ApplyRequest{
		BusinessID:      "biz-1",
		EntityType:      "product",
		EntityID:        entityID,
		Operation:       op,
		Payload:         payload,
		ExpectedVersion: expected,
		At:              time.Now(),
	})
	require.NoError(t, err)
	return change
}

func TestEntityRepository_ApplyVersions(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()
	repo := s.Entities()
	key := domain.EntityKey{EntityType: "product", EntityID: "p1"}

	created := applyTestChange(t, repo, "p1", domain.OperationCreate, domain.Payload{"name": "Tea", "price": 5}, 0)
	assert.Equal(t, int64(1), created.ServerVersion)
	assert.Equal(t, []string{"name", "price"}, created.ChangedFields)

	updated := applyTestChange(t, repo, "p1", domain.OperationUpdate, domain.Payload{"price": 6}, 1)
	assert.Equal(t, int64(2), updated.ServerVersion)
	assert.Equal(t, []string{"price"}, updated.ChangedFields)
	assert.Equal(t, "Tea", updated.Payload["name"])
	assert.Greater(t, updated.Seq, created.Seq)

	_, err := repo.Apply(ctx, &domain.ApplyRequest{
		BusinessID: "biz-1", EntityType: "product", EntityID: "p1",
		Operation: domain.OperationUpdate, Payload: domain.Payload{"price": 7}, ExpectedVersion: 1, At: time.Now(),
	})
	assert.ErrorIs(t, err, repository.ErrVersionMismatch)

	_, err = repo.Apply(ctx, &domain.ApplyRequest{
		BusinessID: "biz-1", EntityType: "product", EntityID: "missing",
		Operation: domain.OperationUpdate, Payload: domain.Payload{"price": 7}, At: time.Now(),
	})
	assert.ErrorIs(t, err, repository.ErrEntityNotFound)

	current, err := repo.Current(ctx, "biz-1", key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), current.Version)
	assert.Equal(t, float64(6), current.Payload["price"])

	fields, err := repo.ChangedFieldsSince(ctx, "biz-1", key, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "price"}, fields)
	fields, err = repo.ChangedFieldsSince(ctx, "biz-1", key, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"price"}, fields)

	base, err := repo.PayloadAt(ctx, "biz-1", key, 1)
	require.NoError(t, err)
	assert.Equal(t, float64(5), base["price"])
	_, err = repo.PayloadAt(ctx, "biz-1", key, 9)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	deleted := applyTestChange(t, repo, "p1", domain.OperationDelete, nil, 2)
	assert.Equal(t, int64(3), deleted.ServerVersion)
	current, err = repo.Current(ctx, "biz-1", key)
	require.NoError(t, err)
	assert.True(t, current.Deleted)
}

func TestEntityRepository_ApplyIsIdempotentPerMutation(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()
	repo := s.Entities()

	req := &domain.ApplyRequest{
		BusinessID: "biz-1", EntityType: "product", EntityID: "p1",
		Operation: domain.OperationCreate, Payload: domain.Payload{"price": 5},
		MutationID: "m-1", OriginClientID: "dev-1", At: time.Now(),
	}
	first, err := repo.Apply(ctx, req)
	require.NoError(t, err)
	second, err := repo.Apply(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Seq, second.Seq)
	assert.Equal(t, first.ServerVersion, second.ServerVersion)

	found, err := repo.ChangeByMutation(ctx, "biz-1", "m-1")
	require.NoError(t, err)
	assert.Equal(t, first.Seq, found.Seq)
	_, err = repo.ChangeByMutation(ctx, "biz-1", "m-2")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	seq, err := repo.CurrentSeq(ctx, "biz-1")
	require.NoError(t, err)
	assert.Equal(t, first.Seq, seq)
}

func TestEntityRepository_ChangesAndSnapshot(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()
	repo := s.Entities()

	applyTestChange(t, repo, "p1", domain.OperationCreate, domain.Payload{"price": 1, "location_id": "loc-1"}, 0)
	applyTestChange(t, repo, "p2", domain.OperationCreate, domain.Payload{"price": 2}, 0)
	mark, err := repo.CurrentSeq(ctx, "biz-1")
	require.NoError(t, err)
	applyTestChange(t, repo, "p1", domain.OperationUpdate, domain.Payload{"price": 3}, 1)
	applyTestChange(t, repo, "p2", domain.OperationDelete, nil, 1)

	_, err = s.Entities().Apply(ctx, &domain.ApplyRequest{
		BusinessID: "biz-2", EntityType: "product", EntityID: "p1",
		Operation: domain.OperationCreate, Payload: domain.Payload{"price": 99}, At: time.Now(),
	})
	require.NoError(t, err)

	upper, err := repo.CurrentSeq(ctx, "biz-1")
	require.NoError(t, err)

	changes, err := repo.ChangesBetween(ctx, "biz-1", 0, upper, nil, 0)
	require.NoError(t, err)
	require.Len(t, changes, 4)
	for i := 1; i < len(changes); i++ {
		assert.Greater(t, changes[i].Seq, changes[i-1].Seq)
		assert.Equal(t, "biz-1", changes[i].BusinessID)
	}

	changes, err = repo.ChangesBetween(ctx, "biz-1", mark, upper, []string{"product"}, 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "p1", changes[0].EntityID)

	changes, err = repo.ChangesBetween(ctx, "biz-1", 0, upper, []string{"order"}, 0)
	require.NoError(t, err)
	assert.Empty(t, changes)

	snapshot, err := repo.Snapshot(ctx, "biz-1", mark, nil)
	require.NoError(t, err)
	require.Len(t, snapshot, 2)
	assert.Equal(t, float64(1), snapshot[0].Payload["price"])

	snapshot, err = repo.Snapshot(ctx, "biz-1", upper, nil)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, "p1", snapshot[0].EntityID)
	assert.Equal(t, int64(2), snapshot[0].Version)
	assert.Equal(t, float64(3), snapshot[0].Payload["price"])
}
