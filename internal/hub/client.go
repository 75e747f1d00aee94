package hub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"alpaca-scalper/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// clientMsg is the client-to-server frame. Unknown actions are ignored.
type clientMsg struct {
	Action  string   `json:"action"` // "subscribe" or "unsubscribe"
	Symbols []string `json:"symbols"`
}

// Attach wraps an upgraded connection in a Client and starts its pumps.
func (h *Hub) Attach(conn *websocket.Conn) *Client {
	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.cfg.OutboxSize),
		symbols: make(map[string]bool),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()

	return client
}

// writePump drains the outbox to the connection and pings on idle.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub dropped us
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes subscription messages until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var msg clientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.updateFilter(msg.Symbols, true)
		case "unsubscribe":
			c.updateFilter(msg.Symbols, false)
		}
	}
}

// updateFilter applies a subscription change on the hub goroutine, which
// owns client filter state after registration.
func (c *Client) updateFilter(symbols []string, add bool) {
	select {
	case c.hub.control <- func() {
		for _, s := range symbols {
			canon := types.CanonicalSymbol(s)
			if add {
				c.symbols[canon] = true
			} else {
				delete(c.symbols, canon)
			}
		}
	}:
	case <-time.After(time.Second):
	}
}
