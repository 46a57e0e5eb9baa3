package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-server/internal/domain"
)

func TestDeltaService_SeesWritesAfterEarlierRead(t *testing.T) {
	ctx := context.Background()
	svc, storage, _ := setupTestService(t, Options{})
	seedEntity(t, storage, "p1", 1, domain.Payload{"price": 8})
	b := registerClient(t, svc, "pos-b")

	first, err := svc.GetDeltaUpdates(ctx, b, 0, nil)
	require.NoError(t, err)
	require.Len(t, first.Changes["product"], 1)
	since := first.SyncTimestamp

	a := registerClient(t, svc, "pos-a")
	enqueue(t, svc, a, updateItem("p1", 1, domain.Payload{"price": 9}))
	process(t, svc, a, "")

	second, err := svc.GetDeltaUpdates(ctx, b, since, nil)
	require.NoError(t, err)
	require.Len(t, second.Changes["product"], 1)
	change := second.Changes["product"][0]
	assert.Equal(t, int64(2), change.ServerVersion)
	assert.Equal(t, []string{"price"}, change.ChangedFields)
	assert.Equal(t, "pos-a", change.OriginClientID)
	assert.Greater(t, second.SyncTimestamp, since)
}

func TestDeltaService_SkipsOwnWrites(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupTestService(t, Options{})
	a := registerClient(t, svc, "pos-a")
	b := registerClient(t, svc, "pos-b")

	enqueue(t, svc, a, createItem("p1", domain.Payload{"price": 1}), createItem("p2", domain.Payload{"price": 2}))
	process(t, svc, a, "")

	own, err := svc.GetDeltaUpdates(ctx, a, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, own.Changes)
	assert.Equal(t, int64(2), own.SyncTimestamp)

	others, err := svc.GetDeltaUpdates(ctx, b, 0, nil)
	require.NoError(t, err)
	require.Len(t, others.Changes["product"], 2)
	assert.Equal(t, "p1", others.Changes["product"][0].EntityID)
	assert.Equal(t, "p2", others.Changes["product"][1].EntityID)
	assert.False(t, others.HasMore)
}

func TestDeltaService_ClientWinsChangeIsDelivered(t *testing.T) {
	ctx := context.Background()
	svc, storage, _ := setupTestService(t, Options{})
	seedEntity(t, storage, "p1", 2, domain.Payload{"name": "Cola", "price": 8})
	a := registerClient(t, svc, "pos-a")

	enqueue(t, svc, a, updateItem("p1", 1, domain.Payload{"price": 12}))
	process(t, svc, a, StrategyClientWins)

	// the client never saw version 2, so it needs the merged row
	delta, err := svc.GetDeltaUpdates(ctx, a, 2, nil)
	require.NoError(t, err)
	require.Len(t, delta.Changes["product"], 1)
	assert.Equal(t, int64(3), delta.Changes["product"][0].ServerVersion)
	assert.Equal(t, "Cola", delta.Changes["product"][0].Payload["name"])
}

func TestDeltaService_Paging(t *testing.T) {
	ctx := context.Background()
	svc, storage, _ := setupTestService(t, Options{DeltaPageSize: 2})
	for _, id := range []string{"p1", "p2", "p3"} {
		seedEntity(t, storage, id, 1, domain.Payload{"price": 1})
	}
	b := registerClient(t, svc, "pos-b")

	page, err := svc.GetDeltaUpdates(ctx, b, 0, nil)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(2), page.SyncTimestamp)
	assert.Len(t, page.Changes["product"], 2)

	page, err = svc.GetDeltaUpdates(ctx, b, page.SyncTimestamp, nil)
	require.NoError(t, err)
	assert.False(t, page.HasMore)
	assert.Equal(t, int64(3), page.SyncTimestamp)
	require.Len(t, page.Changes["product"], 1)
	assert.Equal(t, "p3", page.Changes["product"][0].EntityID)
}

func TestDeltaService_FiltersEntityTypes(t *testing.T) {
	ctx := context.Background()
	svc, storage, _ := setupTestService(t, Options{})
	seedEntity(t, storage, "p1", 1, domain.Payload{"price": 1})
	_, err := storage.Entities().Apply(ctx, &domain.ApplyRequest{
		BusinessID: testBusiness,
		EntityType: "customer",
		EntityID:   "c1",
		Operation:  domain.OperationCreate,
		Payload:    domain.Payload{"name": "Ana"},
		At:         time.Now(),
	})
	require.NoError(t, err)
	b := registerClient(t, svc, "pos-b")

	delta, err := svc.GetDeltaUpdates(ctx, b, 0, []string{"customer", " "})
	require.NoError(t, err)
	assert.Len(t, delta.Changes, 1)
	assert.Len(t, delta.Changes["customer"], 1)
	assert.Equal(t, int64(2), delta.SyncTimestamp)
}

func TestDeltaService_AcknowledgeMovesCursor(t *testing.T) {
	ctx := context.Background()
	svc, storage, _ := setupTestService(t, Options{})
	seedEntity(t, storage, "p1", 1, domain.Payload{"price": 1})
	seedEntity(t, storage, "p2", 1, domain.Payload{"price": 2})
	b := registerClient(t, svc, "pos-b")

	_, err := svc.AcknowledgeSync(ctx, b, &domain.AcknowledgeRequest{SyncTimestamp: 99})
	assert.Equal(t, KindValidation, KindOf(err))

	cp, err := svc.AcknowledgeSync(ctx, b, &domain.AcknowledgeRequest{SyncTimestamp: 1, EntityTypes: []string{"product"}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), cp.LastAckedSeq)
	assert.False(t, cp.LastSyncAt.IsZero())

	cp, err = svc.AcknowledgeSync(ctx, b, &domain.AcknowledgeRequest{SyncTimestamp: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cp.LastAckedSeq)

	delta, err := svc.GetDeltaUpdates(ctx, b, -1, nil)
	require.NoError(t, err)
	require.Len(t, delta.Changes["product"], 1)
	assert.Equal(t, "p2", delta.Changes["product"][0].EntityID)

	// acknowledging an older point keeps the cursor
	cp, err = svc.AcknowledgeSync(ctx, b, &domain.AcknowledgeRequest{SyncTimestamp: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cp.LastAckedSeq)
}

func TestDeltaService_AcknowledgeArchivesProcessedMutations(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupTestService(t, Options{})
	a := registerClient(t, svc, "pos-a")

	enqueue(t, svc, a, createItem("p1", domain.Payload{"price": 1}))
	process(t, svc, a, "")
	time.Sleep(2 * time.Millisecond)

	_, err := svc.AcknowledgeSync(ctx, a, &domain.AcknowledgeRequest{SyncTimestamp: 1})
	require.NoError(t, err)

	status, err := svc.GetSyncStatus(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Queue[domain.StatusSuccess])
}

func TestDeltaService_FullSync(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupTestService(t, Options{})
	a := registerClient(t, svc, "pos-a")

	enqueue(t, svc, a,
		createItem("p1", domain.Payload{"name": "Cola", "location_id": "loc-1"}),
		createItem("p2", domain.Payload{"name": "Tea", "location_id": "loc-2"}),
		createItem("p3", domain.Payload{"name": "Gum", "location_id": "loc-1"}),
		deleteItem("p3", 1),
	)
	process(t, svc, a, "")

	all, err := svc.FullSync(ctx, a, nil, "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), all.SyncTimestamp)
	require.Len(t, all.Entities["product"], 2)
	assert.Equal(t, "p1", all.Entities["product"][0].EntityID)
	assert.Equal(t, "p2", all.Entities["product"][1].EntityID)

	local, err := svc.FullSync(ctx, a, []string{"product"}, "loc-1")
	require.NoError(t, err)
	require.Len(t, local.Entities["product"], 1)
	assert.Equal(t, "p1", local.Entities["product"][0].EntityID)

	none, err := svc.FullSync(ctx, a, []string{"customer"}, "")
	require.NoError(t, err)
	assert.Empty(t, none.Entities)
}
