package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/spot-exchange/internal/metrics"
	"github.com/atmx/spot-exchange/internal/model"
)

// EventOrderMatched is the event name of a settled-trade message.
const EventOrderMatched = "order.matched"

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Event   string             `json:"event"`
	Channel string             `json:"channel"`
	Data    model.TradeSettled `json:"data"`
}

// Channel is the private channel name of an account.
func Channel(accountID string) string {
	return "user." + accountID
}

type subscription struct {
	conn      *websocket.Conn
	accountID string
}

type outbound struct {
	accountID string
	data      []byte
}

// WSHub manages WebSocket connections grouped by account and pushes each
// settled trade to the buyer's and seller's private channels.
type WSHub struct {
	clients    map[string]map[*websocket.Conn]bool
	broadcast  chan outbound
	register   chan subscription
	unregister chan subscription
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[string]map[*websocket.Conn]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan subscription),
		unregister: make(chan subscription),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx is cancelled. Must be
// called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, conns := range h.clients {
				for conn := range conns {
					conn.Close()
				}
			}
			h.clients = make(map[string]map[*websocket.Conn]bool)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			if h.clients[sub.accountID] == nil {
				h.clients[sub.accountID] = make(map[*websocket.Conn]bool)
			}
			h.clients[sub.accountID][sub.conn] = true
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "channel", Channel(sub.accountID))

		case sub := <-h.unregister:
			h.remove(sub.accountID, sub.conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients[msg.accountID] {
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.remove(msg.accountID, conn)
			}
		}
	}
}

func (h *WSHub) remove(accountID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.clients[accountID]
	if !ok || !conns[conn] {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.clients, accountID)
	}
	conn.Close()
	metrics.WebSocketClients.Dec()
}

// Clients returns the number of connections subscribed to an account.
func (h *WSHub) Clients(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[accountID])
}

// Name implements Sink.
func (h *WSHub) Name() string { return "websocket" }

// Deliver implements Sink. It queues the message for the buyer's and the
// seller's channels and drops it if the hub's buffer is full.
func (h *WSHub) Deliver(_ context.Context, p model.TradeSettled) error {
	for _, id := range []string{p.BuyerID, p.SellerID} {
		data, err := json.Marshal(WSMessage{Event: EventOrderMatched, Channel: Channel(id), Data: p})
		if err != nil {
			return err
		}
		select {
		case h.broadcast <- outbound{accountID: id, data: data}:
		default:
			// Drop if buffer full to avoid blocking the dispatcher.
			metrics.NotificationsDropped.WithLabelValues("ws_buffer_full").Inc()
		}
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Origin policy is enforced by the CORS layer.
	},
}

// HandleWS upgrades the request and subscribes the connection to the
// private channel of accountID. The caller is responsible for having
// authenticated the account.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request, accountID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	sub := subscription{conn: conn, accountID: accountID}
	select {
	case h.register <- sub:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- sub:
			case <-h.done:
			}
		}()
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
			if !h.subscribed(sub) {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}

func (h *WSHub) subscribed(sub subscription) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[sub.accountID][sub.conn]
}
