package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// Client is one live connection of a registered POS client.
type Client struct {
	ID         string
	BusinessID string
	UserID     string
	ClientID   string
	Conn       *websocket.Conn
	Manager    *Manager
	Send       chan []byte
}

func NewClient(id, businessID, userID, clientID string, conn *websocket.Conn, manager *Manager) *Client {
	return &Client{
		ID:         id,
		BusinessID: businessID,
		UserID:     userID,
		ClientID:   clientID,
		Conn:       conn,
		Manager:    manager,
		Send:       make(chan []byte, 256),
	}
}

func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Manager.Unregister <- c:
		case <-c.Manager.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Manager.logger.Warn("websocket read failed", "conn_id", c.ID, "client_id", c.ClientID, "error", err)
			}
			break
		}

		select {
		case c.Manager.HandleMessage <- &ClientMessage{Client: c, Message: message}:
		case <-c.Manager.done:
			return
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Manager.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// one JSON message per frame
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
