package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"pos-sync-server/internal/domain"
)

var (
	ErrClientGone     = errors.New("websocket client is no longer registered")
	ErrSendBufferFull = errors.New("websocket send buffer full")
)

type ClientMessage struct {
	Client  *Client
	Message []byte
}

type Options struct {
	MaxConnPerBusiness int
	WriteWait          time.Duration
	PongWait           time.Duration
	PingPeriod         time.Duration
	MaxMessageSize     int64
}

// Manager tracks live connections per business and fans out sync notifications.
type Manager struct {
	clients            map[string]*Client
	businessIndex      map[string]map[string]bool
	clientsMutex       sync.RWMutex
	Register           chan *Client
	Unregister         chan *Client
	HandleMessage      chan *ClientMessage
	maxConnPerBusiness int
	writeWait          time.Duration
	pongWait           time.Duration
	pingPeriod         time.Duration
	maxMessageSize     int64
	messageHandler     MessageHandler
	logger             *slog.Logger
	done               chan struct{}
}

type MessageHandler interface {
	HandleWebSocketMessage(ctx context.Context, client *Client, msg *Message) error
}

func NewManager(opts Options, logger *slog.Logger) *Manager {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	return &Manager{
		clients:            make(map[string]*Client),
		businessIndex:      make(map[string]map[string]bool),
		Register:           make(chan *Client),
		Unregister:         make(chan *Client),
		HandleMessage:      make(chan *ClientMessage),
		maxConnPerBusiness: opts.MaxConnPerBusiness,
		writeWait:          opts.WriteWait,
		pongWait:           opts.PongWait,
		pingPeriod:         opts.PingPeriod,
		maxMessageSize:     opts.MaxMessageSize,
		logger:             logger,
		done:               make(chan struct{}),
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

// Run serves registrations and inbound messages until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return

		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)

		case clientMsg := <-m.HandleMessage:
			m.processMessage(ctx, clientMsg)
		}
	}
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if m.businessIndex[client.BusinessID] == nil {
		m.businessIndex[client.BusinessID] = make(map[string]bool)
	}

	if m.maxConnPerBusiness > 0 && len(m.businessIndex[client.BusinessID]) >= m.maxConnPerBusiness {
		m.logger.Warn("max connections reached for business", "business_id", client.BusinessID)
		close(client.Send)
		return
	}

	m.clients[client.ID] = client
	m.businessIndex[client.BusinessID][client.ID] = true

	m.logger.Info("websocket client registered",
		"conn_id", client.ID,
		"business_id", client.BusinessID,
		"client_id", client.ClientID,
	)
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; ok {
		delete(m.clients, client.ID)
		delete(m.businessIndex[client.BusinessID], client.ID)

		if len(m.businessIndex[client.BusinessID]) == 0 {
			delete(m.businessIndex, client.BusinessID)
		}

		close(client.Send)
		m.logger.Info("websocket client unregistered", "conn_id", client.ID)
	}
}

func (m *Manager) closeAll() {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	for id, client := range m.clients {
		close(client.Send)
		delete(m.clients, id)
	}
	m.businessIndex = make(map[string]map[string]bool)
}

// Done is closed once Run has returned.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) registered(client *Client) bool {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return m.clients[client.ID] == client
}

func (m *Manager) processMessage(ctx context.Context, clientMsg *ClientMessage) {
	// a message read before the connection was dropped
	if !m.registered(clientMsg.Client) {
		return
	}

	var msg Message
	if err := json.Unmarshal(clientMsg.Message, &msg); err != nil {
		m.logger.Warn("malformed websocket message", "conn_id", clientMsg.Client.ID, "error", err)
		return
	}

	if m.messageHandler != nil {
		if err := m.messageHandler.HandleWebSocketMessage(ctx, clientMsg.Client, &msg); err != nil {
			m.logger.Warn("failed to handle websocket message", "type", msg.Type, "conn_id", clientMsg.Client.ID, "error", err)
		}
	}
}

// BroadcastToBusiness sends message to every connection of the business
// except those of excludeClientID. Connections with a full buffer are dropped.
func (m *Manager) BroadcastToBusiness(businessID string, message *Message, excludeClientID string) error {
	return m.deliver(businessID, message, func(c *Client) bool {
		return c.ClientID != excludeClientID
	})
}

// SendToClient sends message to every connection of one POS client.
func (m *Manager) SendToClient(businessID, clientID string, message *Message) error {
	return m.deliver(businessID, message, func(c *Client) bool {
		return c.ClientID == clientID
	})
}

func (m *Manager) deliver(businessID string, message *Message, match func(*Client) bool) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	var slow []*Client
	m.clientsMutex.RLock()
	for connID := range m.businessIndex[businessID] {
		client := m.clients[connID]
		if !match(client) {
			continue
		}
		select {
		case client.Send <- messageBytes:
		default:
			slow = append(slow, client)
		}
	}
	m.clientsMutex.RUnlock()

	for _, client := range slow {
		m.logger.Warn("websocket send buffer full, closing connection", "conn_id", client.ID)
		go func(c *Client) {
			select {
			case m.Unregister <- c:
			case <-m.done:
			}
		}(client)
	}
	return nil
}

// Reply queues message for one connection. Connections that are no longer
// registered are skipped, as their send channel is closed.
func (m *Manager) Reply(client *Client, message *Message) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	if m.clients[client.ID] != client {
		return ErrClientGone
	}
	select {
	case client.Send <- messageBytes:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (m *Manager) BusinessConnections(businessID string) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.businessIndex[businessID])
}

// ChangesAvailable tells the other clients of the business to pull the delta feed.
func (m *Manager) ChangesAvailable(businessID, originClientID string, seq int64) {
	msg, err := NewMessage(TypeChangesAvailable, &ChangesAvailablePayload{
		SyncTimestamp:  seq,
		OriginClientID: originClientID,
	})
	if err != nil {
		m.logger.Error("failed to build changes message", "error", err)
		return
	}
	if err := m.BroadcastToBusiness(businessID, msg, originClientID); err != nil {
		m.logger.Error("failed to broadcast changes", "business_id", businessID, "error", err)
	}
}

// ConflictDetected pushes a deferred conflict to the client that caused it.
func (m *Manager) ConflictDetected(businessID, clientID string, c *domain.ConflictRecord) {
	msg, err := NewMessage(TypeConflict, &ConflictPayload{
		ConflictID:    c.ID,
		MutationID:    c.MutationID,
		EntityType:    c.EntityType,
		EntityID:      c.EntityID,
		ServerVersion: c.ServerVersion,
		ClientVersion: c.ClientVersion,
		ServerData:    c.ServerPayload,
		Reason:        c.Reason,
	})
	if err != nil {
		m.logger.Error("failed to build conflict message", "error", err)
		return
	}
	if err := m.SendToClient(businessID, clientID, msg); err != nil {
		m.logger.Error("failed to send conflict", "client_id", clientID, "error", err)
	}
}
