package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/middleware"
	"pos-sync-server/internal/service"
	"pos-sync-server/internal/websocket"
	"pos-sync-server/pkg/jwt"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

type WebSocketHandler struct {
	manager     *websocket.Manager
	syncService *service.SyncService
	jwtSecret   string
	upgrader    ws.Upgrader
	logger      *slog.Logger
}

func NewWebSocketHandler(manager *websocket.Manager, syncService *service.SyncService, jwtSecret string, bufferSize int, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		manager:     manager,
		syncService: syncService,
		jwtSecret:   jwtSecret,
		upgrader: ws.Upgrader{
			ReadBufferSize:  bufferSize,
			WriteBufferSize: bufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// HandleConnection upgrades a registered POS client to the push channel.
// Browsers cannot set headers on upgrade, so token and client_id are also
// read from the query string.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	claims, err := jwt.ValidateToken(token, h.jwtSecret)
	if err != nil {
		h.logger.Debug("websocket token rejected", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = r.Header.Get(middleware.ClientIDHeader)
	}
	id := domain.Identity{UserID: claims.UserID, BusinessID: claims.BusinessID, ClientID: strings.TrimSpace(clientID)}

	if _, err := h.syncService.GetClientInfo(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "client_id", id.ClientID, "error", err)
		return
	}

	client := websocket.NewClient(uuid.NewString(), id.BusinessID, id.UserID, id.ClientID, conn, h.manager)
	select {
	case h.manager.Register <- client:
	case <-h.manager.Done():
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// WebSocketMessageHandler answers requests sent over the push channel.
type WebSocketMessageHandler struct {
	syncService *service.SyncService
}

func NewWebSocketMessageHandler(syncService *service.SyncService) *WebSocketMessageHandler {
	return &WebSocketMessageHandler{syncService: syncService}
}

func (h *WebSocketMessageHandler) HandleWebSocketMessage(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	switch msg.Type {
	case websocket.TypeSyncRequest:
		return h.handleSyncRequest(ctx, client, msg)

	case websocket.TypePing:
		return reply(client, websocket.TypePong, nil)

	default:
		return reply(client, websocket.TypeError, &websocket.ErrorPayload{Error: "unknown message type: " + string(msg.Type)})
	}
}

func (h *WebSocketMessageHandler) handleSyncRequest(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	payload := websocket.SyncRequestPayload{Since: -1}
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return reply(client, websocket.TypeError, &websocket.ErrorPayload{Error: "invalid sync_request payload"})
	}

	id := domain.Identity{UserID: client.UserID, BusinessID: client.BusinessID, ClientID: client.ClientID}
	delta, err := h.syncService.GetDeltaUpdates(ctx, id, payload.Since, payload.EntityTypes)
	if err != nil {
		if replyErr := reply(client, websocket.TypeError, &websocket.ErrorPayload{Error: err.Error()}); replyErr != nil {
			return replyErr
		}
		return err
	}

	return reply(client, websocket.TypeSyncResponse, &websocket.SyncResponsePayload{
		Changes:       delta.Changes,
		SyncTimestamp: delta.SyncTimestamp,
		HasMore:       delta.HasMore,
	})
}

// reply queues a message for the client without blocking the manager loop.
func reply(client *websocket.Client, msgType websocket.MessageType, payload interface{}) error {
	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return client.Manager.Reply(client, msg)
}
