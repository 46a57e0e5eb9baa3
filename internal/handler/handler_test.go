package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/middleware"
	"pos-sync-server/internal/repository/sqlite"
	"pos-sync-server/internal/service"
	"pos-sync-server/pkg/jwt"
)

const testSecret = "handler-test-secret"

type testEnv struct {
	router  *mux.Router
	service *service.SyncService
	token   string
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	storage, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	svc := service.NewSyncService(service.Stores{
		Clients:   storage.Clients(),
		Mutations: storage.Mutations(),
		Conflicts: storage.Conflicts(),
		Entities:  storage.Entities(),
		Locks:     storage.Locks(),
	}, nil, discardLogger(), service.Options{})

	r := mux.NewRouter()
	RegisterRoutes(r.PathPrefix("/api/v1").Subrouter(), testSecret, NewClientHandler(svc), NewSyncHandler(svc))

	token, err := jwt.GenerateToken("user-1", "biz-1", time.Hour, testSecret)
	require.NoError(t, err)

	return &testEnv{router: r, service: svc, token: token}
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Code      string          `json:"code"`
	Retryable bool            `json:"retryable"`
}

func (e *testEnv) do(t *testing.T, method, path, clientID string, body interface{}) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+e.token)
	if clientID != "" {
		req.Header.Set(middleware.ClientIDHeader, clientID)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func decodeData(t *testing.T, env envelope, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func (e *testEnv) register(t *testing.T, clientID string) {
	t.Helper()
	status, env := e.do(t, http.MethodPost, "/api/v1/clients/register", "", map[string]interface{}{
		"client_id": clientID,
		"device":    map[string]string{"name": "Till " + clientID, "type": "pos"},
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
}

func TestClientRoutes(t *testing.T) {
	env := setupTestEnv(t)
	env.register(t, "pos-a")

	status, res := env.do(t, http.MethodGet, "/api/v1/clients/me", "pos-a", nil)
	require.Equal(t, http.StatusOK, status)
	var client domain.Client
	decodeData(t, res, &client)
	assert.Equal(t, "pos-a", client.ClientID)
	assert.Equal(t, "user-1", client.UserID)
	assert.Equal(t, "biz-1", client.BusinessID)

	status, res = env.do(t, http.MethodGet, "/api/v1/clients", "", nil)
	require.Equal(t, http.StatusOK, status)
	var clients []domain.Client
	decodeData(t, res, &clients)
	assert.Len(t, clients, 1)

	status, _ = env.do(t, http.MethodDelete, "/api/v1/clients/pos-a", "", nil)
	require.Equal(t, http.StatusOK, status)

	status, res = env.do(t, http.MethodGet, "/api/v1/clients/me", "pos-a", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(service.KindNotFound), res.Code)
}

func TestRegisterValidation(t *testing.T) {
	env := setupTestEnv(t)

	status, res := env.do(t, http.MethodPost, "/api/v1/clients/register", "", map[string]interface{}{"device": map[string]string{"name": "x"}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, res.Success)
}

func TestSyncRoutesRequireClientHeader(t *testing.T) {
	env := setupTestEnv(t)

	status, _ := env.do(t, http.MethodGet, "/api/v1/sync/status", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUnregisteredClientIsNotFound(t *testing.T) {
	env := setupTestEnv(t)

	status, res := env.do(t, http.MethodPost, "/api/v1/sync/process", "ghost", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(service.KindNotFound), res.Code)
	assert.False(t, res.Retryable)
}

func TestQueueProcessDeltaAck(t *testing.T) {
	env := setupTestEnv(t)
	env.register(t, "pos-a")
	env.register(t, "pos-b")

	status, res := env.do(t, http.MethodPost, "/api/v1/sync/queue", "pos-a", domain.QueueSyncRequest{Items: []domain.QueueItem{
		{ClientRef: "local-1", EntityType: "product", EntityID: "p1", Operation: domain.OperationCreate, Payload: domain.Payload{"name": "Coffee", "price": 3.5}},
	}})
	require.Equal(t, http.StatusCreated, status, res.Error)
	var queued domain.EnqueueResult
	decodeData(t, res, &queued)
	require.Len(t, queued.Accepted, 1)

	status, res = env.do(t, http.MethodPost, "/api/v1/sync/process", "pos-a", nil)
	require.Equal(t, http.StatusOK, status, res.Error)
	var processed domain.ProcessResult
	decodeData(t, res, &processed)
	assert.Equal(t, 1, processed.Summary.Success)

	status, res = env.do(t, http.MethodGet, "/api/v1/sync/delta?since=0&entities=product", "pos-b", nil)
	require.Equal(t, http.StatusOK, status, res.Error)
	var delta domain.DeltaResponse
	decodeData(t, res, &delta)
	require.Len(t, delta.Changes["product"], 1)
	assert.Equal(t, "p1", delta.Changes["product"][0].EntityID)
	assert.False(t, delta.HasMore)

	status, res = env.do(t, http.MethodPost, "/api/v1/sync/ack", "pos-b", domain.AcknowledgeRequest{SyncTimestamp: delta.SyncTimestamp})
	require.Equal(t, http.StatusOK, status, res.Error)
	var checkpoint domain.Checkpoint
	decodeData(t, res, &checkpoint)
	assert.Equal(t, delta.SyncTimestamp, checkpoint.LastAckedSeq)

	status, res = env.do(t, http.MethodGet, "/api/v1/sync/delta", "pos-b", nil)
	require.Equal(t, http.StatusOK, status)
	delta = domain.DeltaResponse{}
	decodeData(t, res, &delta)
	assert.Empty(t, delta.Changes["product"])

	status, res = env.do(t, http.MethodGet, "/api/v1/sync/full?entities=product", "pos-b", nil)
	require.Equal(t, http.StatusOK, status)
	var full domain.FullSyncResponse
	decodeData(t, res, &full)
	assert.Len(t, full.Entities["product"], 1)

	status, res = env.do(t, http.MethodGet, "/api/v1/sync/status", "pos-a", nil)
	require.Equal(t, http.StatusOK, status)
	var st domain.SyncStatus
	decodeData(t, res, &st)
	assert.Equal(t, 1, st.Queue[domain.StatusSuccess])
	assert.False(t, st.Processing)
}

func TestQueuePartialRejection(t *testing.T) {
	env := setupTestEnv(t)
	env.register(t, "pos-a")

	status, res := env.do(t, http.MethodPost, "/api/v1/sync/queue", "pos-a", domain.QueueSyncRequest{Items: []domain.QueueItem{
		{EntityType: "product", EntityID: "p1", Operation: domain.OperationCreate, Payload: domain.Payload{"name": "Tea"}},
		{EntityType: "product", EntityID: "p2", Operation: "upsert", Payload: domain.Payload{"name": "Bad"}},
	}})
	require.Equal(t, http.StatusMultiStatus, status)
	var queued domain.EnqueueResult
	decodeData(t, res, &queued)
	assert.Len(t, queued.Accepted, 1)
	assert.Len(t, queued.Rejected, 1)
}

func TestConflictResolutionRoutes(t *testing.T) {
	env := setupTestEnv(t)
	env.register(t, "pos-a")
	env.register(t, "pos-b")

	env.do(t, http.MethodPost, "/api/v1/sync/queue", "pos-a", domain.QueueSyncRequest{Items: []domain.QueueItem{
		{EntityType: "product", EntityID: "p1", Operation: domain.OperationCreate, Payload: domain.Payload{"name": "Coffee"}},
	}})
	env.do(t, http.MethodPost, "/api/v1/sync/process", "pos-a", nil)

	_, res := env.do(t, http.MethodPost, "/api/v1/sync/queue", "pos-b", domain.QueueSyncRequest{Items: []domain.QueueItem{
		{EntityType: "product", EntityID: "p1", Operation: domain.OperationUpdate, Payload: domain.Payload{"name": "Espresso"}},
	}})
	var queued domain.EnqueueResult
	decodeData(t, res, &queued)
	require.Len(t, queued.Accepted, 1)
	mutationID := queued.Accepted[0].ID

	status, res := env.do(t, http.MethodPost, "/api/v1/sync/process", "pos-b", domain.ProcessSyncRequest{ConflictResolution: "manual"})
	require.Equal(t, http.StatusOK, status, res.Error)
	var processed domain.ProcessResult
	decodeData(t, res, &processed)
	assert.Equal(t, 1, processed.Summary.Conflict)

	status, res = env.do(t, http.MethodGet, "/api/v1/sync/conflicts", "pos-b", nil)
	require.Equal(t, http.StatusOK, status)
	var conflicts []domain.ConflictRecord
	decodeData(t, res, &conflicts)
	require.Len(t, conflicts, 1)
	assert.Equal(t, mutationID, conflicts[0].MutationID)

	status, res = env.do(t, http.MethodPost, "/api/v1/sync/conflicts/"+mutationID+"/resolve", "pos-b", domain.ResolveConflictRequest{Resolution: "bogus"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, res = env.do(t, http.MethodPost, "/api/v1/sync/conflicts/"+mutationID+"/resolve", "pos-b", domain.ResolveConflictRequest{Resolution: domain.ResolutionUseClient})
	require.Equal(t, http.StatusOK, status, res.Error)
	var resolved domain.ConflictRecord
	decodeData(t, res, &resolved)
	assert.Equal(t, domain.ResolutionUseClient, resolved.Resolution)
	assert.Equal(t, "user-1", resolved.ResolvedBy)

	status, res = env.do(t, http.MethodGet, "/api/v1/sync/conflicts", "pos-b", nil)
	require.Equal(t, http.StatusOK, status)
	conflicts = nil
	decodeData(t, res, &conflicts)
	assert.Empty(t, conflicts)

	status, res = env.do(t, http.MethodGet, "/api/v1/sync/statistics?start=2000-01-01", "", nil)
	require.Equal(t, http.StatusOK, status, res.Error)
	var stats domain.SyncStatistics
	decodeData(t, res, &stats)
	assert.Equal(t, 1, stats.Conflicts.Resolved)
	assert.Equal(t, 2, stats.Mutations.Total)
}

func TestClearAndRetryRoutes(t *testing.T) {
	env := setupTestEnv(t)
	env.register(t, "pos-a")

	env.do(t, http.MethodPost, "/api/v1/sync/queue", "pos-a", domain.QueueSyncRequest{Items: []domain.QueueItem{
		{EntityType: "product", EntityID: "p1", Operation: domain.OperationCreate, Payload: domain.Payload{"name": "Tea"}},
		{EntityType: "product", EntityID: "p2", Operation: domain.OperationCreate, Payload: domain.Payload{"name": "Scone"}},
	}})

	status, res := env.do(t, http.MethodDelete, "/api/v1/sync/queue?status=conflict", "pos-a", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(service.KindValidation), res.Code)

	status, res = env.do(t, http.MethodPost, "/api/v1/sync/retry", "pos-a", nil)
	require.Equal(t, http.StatusOK, status, res.Error)
	var retried map[string]int
	decodeData(t, res, &retried)
	assert.Equal(t, 0, retried["retried"])

	status, res = env.do(t, http.MethodDelete, "/api/v1/sync/queue?status=pending", "pos-a", nil)
	require.Equal(t, http.StatusOK, status, res.Error)
	var cleared map[string]int
	decodeData(t, res, &cleared)
	assert.Equal(t, 2, cleared["removed"])
}

func TestQueryValidation(t *testing.T) {
	env := setupTestEnv(t)
	env.register(t, "pos-a")

	status, _ := env.do(t, http.MethodGet, "/api/v1/sync/delta?since=abc", "pos-a", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodGet, "/api/v1/sync/statistics?start=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodGet, "/api/v1/sync/statistics?start=2030-01-02&end=2030-01-01", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind service.ErrorKind
		want int
	}{
		{service.KindValidation, http.StatusBadRequest},
		{service.KindNotFound, http.StatusNotFound},
		{service.KindConflict, http.StatusConflict},
		{service.KindBusy, http.StatusConflict},
		{service.KindApply, http.StatusUnprocessableEntity},
		{service.KindTimeout, http.StatusGatewayTimeout},
		{service.KindInfrastructure, http.StatusInternalServerError},
		{service.ErrorKind("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.kind))
		})
	}
}
