package wizard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jdai/vault-engine/internal/ledger"
	"github.com/jdai/vault-engine/internal/metrics"
	"github.com/jdai/vault-engine/internal/model"
)

// Message types pushed to WebSocket clients.
const (
	MessagePosition = "position"
	MessageWizard   = "wizard"
)

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type     string              `json:"type"`
	Address  string              `json:"address"`
	Position *model.PositionView `json:"position,omitempty"`
	Wizard   *View               `json:"wizard,omitempty"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

type subscription struct {
	conn    *websocket.Conn
	address string // "" receives every address
}

// Hub manages WebSocket connections and pushes position and wizard views
// to clients subscribed to the matching address.
type Hub struct {
	clients    map[*websocket.Conn]string
	broadcast  chan Message
	register   chan subscription
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan Message, 256),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.address
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "address", sub.address, "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for conn, addr := range h.clients {
				if addr != "" && addr != msg.Address {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
		}
	}
}

// Broadcast queues msg for delivery.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		// Drop if buffer full to avoid blocking step execution.
	}
}

// PublishPosition pushes a position view.
func (h *Hub) PublishPosition(v model.PositionView) {
	h.Broadcast(Message{Type: MessagePosition, Address: v.Address, Position: &v})
}

// PublishWizard pushes a wizard view.
func (h *Hub) PublishWizard(v View) {
	h.Broadcast(Message{Type: MessageWizard, Address: v.Address, Wizard: &v})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. An
// optional ?address= limits the stream to one vault.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var address string
	if raw := r.URL.Query().Get("address"); raw != "" {
		addr, err := ledger.CheckAddress(raw)
		if err != nil {
			writeError(w, "invalid address", http.StatusBadRequest, "")
			return
		}
		address = addr
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- subscription{conn: conn, address: address}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies. WriteControl
	// may run concurrently with the hub's writes.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
			}
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()
}
