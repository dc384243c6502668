// Package trade — WebSocket hub for real-time price and settlement broadcasts.
package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stocksim/market-engine/internal/metrics"
	"github.com/stocksim/market-engine/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients. Settlement
// outcomes of deferred trades arrive here, out-of-band: the original
// submitter is no longer waiting on the submission response by the time
// the intent matures.
type WSMessage struct {
	Type         string `json:"type"` // "price_tick", "trade_settled", "trade_failed"
	InstrumentID string `json:"instrument_id,omitempty"`
	Ticker       string `json:"ticker,omitempty"`
	Price        string `json:"price,omitempty"`
	DayHigh      string `json:"day_high,omitempty"`
	DayLow       string `json:"day_low,omitempty"`
	IntentID     string `json:"intent_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	Side         string `json:"side,omitempty"`
	Quantity     int64  `json:"quantity,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// WSHub manages WebSocket connections and broadcasts messages to all
// connected clients on every price tick and settlement outcome.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "total", len(h.clients))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				metrics.WebSocketClients.Dec()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			// Full lock: a failed write removes the client, and the per-conn
			// ping goroutines read the map under RLock concurrently.
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
					metrics.WebSocketClients.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of currently connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking the tick loop or settlement.
	}
}

// PriceTick implements market.PriceListener: every generator tick is pushed
// to connected clients.
func (h *WSHub) PriceTick(inst model.Instrument) {
	h.Broadcast(WSMessage{
		Type:         "price_tick",
		InstrumentID: inst.ID,
		Ticker:       inst.Ticker,
		Price:        inst.CurrentPrice.String(),
		DayHigh:      inst.DayHigh.String(),
		DayLow:       inst.DayLow.String(),
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
