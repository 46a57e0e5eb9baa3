package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-server/internal/domain"
)

func newTestManager(maxConn int) *Manager {
	return NewManager(Options{
		MaxConnPerBusiness: maxConn,
		WriteWait:          time.Second,
		PongWait:           time.Minute,
		PingPeriod:         30 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestClient(m *Manager, connID, businessID, clientID string) *Client {
	return NewClient(connID, businessID, "user-1", clientID, nil, m)
}

func receive(t *testing.T, c *Client) *Message {
	t.Helper()
	select {
	case raw := <-c.Send:
		var msg Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		return &msg
	default:
		t.Fatalf("no message queued for %s", c.ID)
		return nil
	}
}

func TestManager_ChangesAvailableSkipsOrigin(t *testing.T) {
	m := newTestManager(10)
	origin := newTestClient(m, "c1", "biz-1", "pos-a")
	peer := newTestClient(m, "c2", "biz-1", "pos-b")
	stranger := newTestClient(m, "c3", "biz-2", "pos-z")
	for _, c := range []*Client{origin, peer, stranger} {
		m.registerClient(c)
	}

	m.ChangesAvailable("biz-1", "pos-a", 42)

	msg := receive(t, peer)
	assert.Equal(t, TypeChangesAvailable, msg.Type)
	var payload ChangesAvailablePayload
	require.NoError(t, msg.UnmarshalPayload(&payload))
	assert.Equal(t, int64(42), payload.SyncTimestamp)
	assert.Equal(t, "pos-a", payload.OriginClientID)

	assert.Empty(t, origin.Send)
	assert.Empty(t, stranger.Send)
}

func TestManager_ConflictGoesToOwnerOnly(t *testing.T) {
	m := newTestManager(10)
	owner := newTestClient(m, "c1", "biz-1", "pos-a")
	peer := newTestClient(m, "c2", "biz-1", "pos-b")
	m.registerClient(owner)
	m.registerClient(peer)

	m.ConflictDetected("biz-1", "pos-a", &domain.ConflictRecord{
		ID:            "conf-1",
		MutationID:    "m-1",
		EntityType:    "product",
		EntityID:      "p1",
		ServerVersion: 5,
		ClientVersion: 3,
		ServerPayload: domain.Payload{"price": 9.0},
		Reason:        "server version 5 is ahead of client base 3",
	})

	msg := receive(t, owner)
	assert.Equal(t, TypeConflict, msg.Type)
	var payload ConflictPayload
	require.NoError(t, msg.UnmarshalPayload(&payload))
	assert.Equal(t, "conf-1", payload.ConflictID)
	assert.Equal(t, int64(5), payload.ServerVersion)
	assert.Equal(t, 9.0, payload.ServerData["price"])
	assert.Empty(t, peer.Send)
}

func TestManager_ConnectionLimit(t *testing.T) {
	m := newTestManager(1)
	first := newTestClient(m, "c1", "biz-1", "pos-a")
	second := newTestClient(m, "c2", "biz-1", "pos-b")

	m.registerClient(first)
	m.registerClient(second)
	assert.Equal(t, 1, m.BusinessConnections("biz-1"))

	_, open := <-second.Send
	assert.False(t, open)

	m.unregisterClient(first)
	assert.Equal(t, 0, m.BusinessConnections("biz-1"))
}

type echoHandler struct {
	got chan MessageType
}

func (h *echoHandler) HandleWebSocketMessage(_ context.Context, _ *Client, msg *Message) error {
	h.got <- msg.Type
	return nil
}

func TestManager_RunDispatchesMessages(t *testing.T) {
	m := newTestManager(10)
	handler := &echoHandler{got: make(chan MessageType, 1)}
	m.SetMessageHandler(handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	client := newTestClient(m, "c1", "biz-1", "pos-a")
	m.Register <- client

	raw, err := json.Marshal(&Message{Type: TypePing, Timestamp: time.Now()})
	require.NoError(t, err)
	m.HandleMessage <- &ClientMessage{Client: client, Message: raw}

	select {
	case typ := <-handler.got:
		assert.Equal(t, TypePing, typ)
	case <-time.After(time.Second):
		t.Fatal("message was not dispatched")
	}

	cancel()
	<-done
	_, open := <-client.Send
	assert.False(t, open)
}

type replyHandler struct {
	handled chan string
}

func (h *replyHandler) HandleWebSocketMessage(_ context.Context, client *Client, msg *Message) error {
	pong, err := NewMessage(TypePong, nil)
	if err != nil {
		return err
	}
	err = client.Manager.Reply(client, pong)
	h.handled <- client.ID
	return err
}

func TestManager_DropsMessagesFromUnregisteredClients(t *testing.T) {
	m := newTestManager(10)
	handler := &replyHandler{handled: make(chan string, 2)}
	m.SetMessageHandler(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	raw, err := json.Marshal(&Message{Type: TypePing, Timestamp: time.Now()})
	require.NoError(t, err)

	gone := newTestClient(m, "c1", "biz-1", "pos-a")
	m.Register <- gone
	m.Unregister <- gone
	m.HandleMessage <- &ClientMessage{Client: gone, Message: raw}

	live := newTestClient(m, "c2", "biz-1", "pos-b")
	m.Register <- live
	m.HandleMessage <- &ClientMessage{Client: live, Message: raw}

	select {
	case id := <-handler.handled:
		assert.Equal(t, "c2", id)
	case <-time.After(time.Second):
		t.Fatal("manager stopped dispatching")
	}
	assert.Equal(t, TypePong, receive(t, live).Type)
	assert.Empty(t, handler.handled)
}

func TestManager_ReplySkipsClosedConnections(t *testing.T) {
	m := newTestManager(10)
	client := newTestClient(m, "c1", "biz-1", "pos-a")
	m.registerClient(client)

	pong, err := NewMessage(TypePong, nil)
	require.NoError(t, err)
	require.NoError(t, m.Reply(client, pong))
	assert.Equal(t, TypePong, receive(t, client).Type)

	m.unregisterClient(client)
	assert.ErrorIs(t, m.Reply(client, pong), ErrClientGone)

	rejected := newTestClient(m, "c2", "biz-1", "pos-b")
	full := newTestManager(0)
	full.registerClient(rejected)
	for i := 0; i < cap(rejected.Send); i++ {
		rejected.Send <- []byte("{}")
	}
	assert.ErrorIs(t, full.Reply(rejected, pong), ErrSendBufferFull)
}

func TestManager_DoneClosesAfterRun(t *testing.T) {
	m := newTestManager(10)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	cancel()

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("Done was not closed")
	}

	// senders guarded by Done never block once the loop is gone
	client := newTestClient(m, "c1", "biz-1", "pos-a")
	select {
	case m.Unregister <- client:
		t.Fatal("unregister accepted after shutdown")
	case <-m.Done():
	}
}
