// Package hub fans trading events out to client WebSocket sessions.
//
// One Run goroutine owns the subscriber set and the ring of recent trades.
// Every subscriber gets a bounded outbox; a subscriber whose outbox fills
// is disconnected so a slow client can never stall the producers. New
// subscribers receive a state snapshot on connect and the server emits a
// heartbeat status event every 20 seconds.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"alpaca-scalper/internal/config"
	"alpaca-scalper/pkg/types"
)

const heartbeatInterval = 20 * time.Second

// Event is the server-to-client message envelope.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	TS   time.Time   `json:"ts"`
}

// Event types.
const (
	TypeSnapshot       = "snapshot"
	TypeTradeUpdate    = "trade_update"
	TypeOrderUpdate    = "order_update"
	TypePositionUpdate = "position_update"
	TypeAccountUpdate  = "account_update"
	TypeSignalUpdate   = "signal_update"
	TypeStatus         = "status"
	TypeError          = "error"
)

// SnapshotFunc builds the on-connect snapshot payload (account, positions,
// recent trades, metrics). Wired by the engine.
type SnapshotFunc func() interface{}

// message is an event pre-marshaled for fan-out, tagged with the symbol it
// concerns (empty for global events) so per-client filters apply.
type message struct {
	symbol string
	data   []byte
}

// Client is one connected WebSocket session.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// symbols the client asked for; empty means everything
	symbols map[string]bool
}

// Hub owns the subscriber set and the recent-trade ring.
type Hub struct {
	cfg      config.EventHubConfig
	snapshot SnapshotFunc

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan message
	control    chan func() // subscription changes, ring reads

	trades []types.TradeRecord // ring, newest last

	logger *slog.Logger
}

// NewHub creates the hub. snapshot may be nil until SetSnapshotFunc.
func NewHub(cfg config.EventHubConfig, snapshot SnapshotFunc, logger *slog.Logger) *Hub {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 256
	}
	if cfg.RecentTrades <= 0 {
		cfg.RecentTrades = 500
	}
	return &Hub{
		cfg:        cfg,
		snapshot:   snapshot,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan message, 256),
		control:    make(chan func()),
		logger:     logger.With("component", "hub"),
	}
}

// SetSnapshotFunc installs the snapshot builder. Must be called before Run.
func (h *Hub) SetSnapshotFunc(fn SnapshotFunc) { h.snapshot = fn }

// Run is the hub's main loop. Blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.sendSnapshot(client)
			h.logger.Info("client connected", "count", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("client disconnected", "count", len(h.clients))
			}

		case msg := <-h.broadcast:
			for client := range h.clients {
				if msg.symbol != "" && len(client.symbols) > 0 && !client.symbols[msg.symbol] {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Slow subscriber: drop it rather than stall
					delete(h.clients, client)
					close(client.send)
					h.logger.Warn("dropping slow subscriber", "count", len(h.clients))
				}
			}

		case fn := <-h.control:
			fn()

		case <-heartbeat.C:
			h.enqueue("", Event{
				Type: TypeStatus,
				Data: map[string]bool{"heartbeat": true},
				TS:   time.Now().UTC(),
			})
		}
	}
}

// Broadcast publishes a global event to all subscribers. Never blocks;
// drops the event when the hub's own queue is full.
func (h *Hub) Broadcast(evtType string, data interface{}) {
	h.BroadcastSymbol(evtType, "", data)
}

// BroadcastSymbol publishes an event scoped to one symbol; clients with a
// subscription filter only receive symbols they asked for.
func (h *Hub) BroadcastSymbol(evtType, symbol string, data interface{}) {
	h.enqueue(symbol, Event{Type: evtType, Data: data, TS: time.Now().UTC()})
}

// RecordTrade appends a trade to the ring and broadcasts it.
func (h *Hub) RecordTrade(rec types.TradeRecord) {
	done := make(chan struct{})
	select {
	case h.control <- func() {
		h.trades = append(h.trades, rec)
		if len(h.trades) > h.cfg.RecentTrades {
			h.trades = h.trades[len(h.trades)-h.cfg.RecentTrades:]
		}
		close(done)
	}:
		<-done
	default:
		h.logger.Warn("hub busy, trade not recorded in ring", "id", rec.ID)
	}
	h.BroadcastSymbol(TypeTradeUpdate, rec.Symbol, rec)
}

// RecentTrades returns up to limit trades, newest last.
func (h *Hub) RecentTrades(limit int) []types.TradeRecord {
	out := make(chan []types.TradeRecord, 1)
	select {
	case h.control <- func() {
		trades := h.trades
		if limit > 0 && len(trades) > limit {
			trades = trades[len(trades)-limit:]
		}
		cp := make([]types.TradeRecord, len(trades))
		copy(cp, trades)
		out <- cp
	}:
		return <-out
	case <-time.After(time.Second):
		return nil
	}
}

// enqueue marshals and queues an event for fan-out.
func (h *Hub) enqueue(symbol string, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("marshal event", "type", evt.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- message{symbol: symbol, data: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping event", "type", evt.Type)
	}
}

func (h *Hub) sendSnapshot(client *Client) {
	if h.snapshot == nil {
		return
	}
	evt := Event{Type: TypeSnapshot, Data: h.snapshot(), TS: time.Now().UTC()}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("marshal snapshot", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
	}
}
