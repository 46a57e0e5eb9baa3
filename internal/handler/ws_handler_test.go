package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/websocket"
)

func setupWebSocket(t *testing.T) (*testEnv, *httptest.Server, *websocket.Manager) {
	t.Helper()

	env := setupTestEnv(t)
	manager := websocket.NewManager(websocket.Options{
		WriteWait:  time.Second,
		PongWait:   time.Minute,
		PingPeriod: 50 * time.Second,
	}, discardLogger())
	manager.SetMessageHandler(NewWebSocketMessageHandler(env.service))

	ctx, cancel := context.WithCancel(context.Background())
	go manager.Run(ctx)

	h := NewWebSocketHandler(manager, env.service, testSecret, 1024, discardLogger())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleConnection))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return env, srv, manager
}

func dial(t *testing.T, srv *httptest.Server, token, clientID string) *ws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token + "&client_id=" + clientID
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *ws.Conn) *websocket.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg websocket.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return &msg
}

func TestWebSocketRejectsUnknownClient(t *testing.T) {
	env, srv, _ := setupWebSocket(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + env.token + "&client_id=ghost"
	_, resp, err := ws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	url = "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=bad&client_id=ghost"
	_, resp, err = ws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketPingAndSyncRequest(t *testing.T) {
	env, srv, manager := setupWebSocket(t)
	env.register(t, "pos-a")
	env.register(t, "pos-b")

	env.do(t, http.MethodPost, "/api/v1/sync/queue", "pos-a", domain.QueueSyncRequest{Items: []domain.QueueItem{
		{EntityType: "product", EntityID: "p1", Operation: domain.OperationCreate, Payload: domain.Payload{"name": "Coffee"}},
	}})
	env.do(t, http.MethodPost, "/api/v1/sync/process", "pos-a", nil)

	conn := dial(t, srv, env.token, "pos-b")
	require.Eventually(t, func() bool { return manager.BusinessConnections("biz-1") == 1 }, 2*time.Second, 10*time.Millisecond)

	ping, err := websocket.NewMessage(websocket.TypePing, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ping))
	assert.Equal(t, websocket.TypePong, readMessage(t, conn).Type)

	req, err := websocket.NewMessage(websocket.TypeSyncRequest, &websocket.SyncRequestPayload{Since: 0, EntityTypes: []string{"product"}})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	msg := readMessage(t, conn)
	require.Equal(t, websocket.TypeSyncResponse, msg.Type)
	var payload websocket.SyncResponsePayload
	require.NoError(t, msg.UnmarshalPayload(&payload))
	require.Len(t, payload.Changes["product"], 1)
	assert.Equal(t, "p1", payload.Changes["product"][0].EntityID)

	unknown, err := websocket.NewMessage("bogus", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(unknown))
	assert.Equal(t, websocket.TypeError, readMessage(t, conn).Type)
}
