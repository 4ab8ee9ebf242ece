// Package stream — WebSocket hub for live quote broadcasting.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/quantdesk/paper-engine/internal/metrics"
	"github.com/quantdesk/paper-engine/internal/quote"
	"github.com/quantdesk/paper-engine/internal/symbol"
)

// DefaultPollInterval is how often the hub refreshes quotes for the
// union of all subscribed symbols.
const DefaultPollInterval = 5 * time.Second

// QuoteMessage is a JSON message sent to WebSocket clients.
type QuoteMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	At     string `json:"at"`
}

type client struct {
	conn    *websocket.Conn
	symbols map[string]bool
}

// Hub manages WebSocket connections and pushes quote updates to clients
// subscribed to the moved symbols.
type Hub struct {
	oracle     quote.Oracle
	interval   time.Duration
	register   chan *client
	unregister chan *client
	clients    map[*client]bool
	mu         sync.RWMutex
	last       map[string]decimal.Decimal
}

// NewHub creates a hub polling the oracle at the given interval. A
// non-positive interval falls back to DefaultPollInterval.
func NewHub(oracle quote.Oracle, interval time.Duration) *Hub {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Hub{
		oracle:     oracle,
		interval:   interval,
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    make(map[*client]bool),
		last:       make(map[string]decimal.Decimal),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
// Returns when ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.StreamClients.Inc()
			slog.Info("stream client connected", "total", total, "symbols", len(c.symbols))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
				metrics.StreamClients.Dec()
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.poll(ctx)
		}
	}
}

// poll fetches the union of subscribed symbols and pushes changed
// prices to the clients watching them.
func (h *Hub) poll(ctx context.Context) {
	h.mu.RLock()
	want := make(map[string]bool)
	for c := range h.clients {
		for sym := range c.symbols {
			want[sym] = true
		}
	}
	h.mu.RUnlock()
	if len(want) == 0 {
		return
	}

	symbols := make([]string, 0, len(want))
	for sym := range want {
		symbols = append(symbols, sym)
	}
	prices := h.oracle.LatestPrices(ctx, symbols)

	now := time.Now().UTC().Format(time.RFC3339)
	for sym, price := range prices {
		if prev, ok := h.last[sym]; ok && prev.Equal(price) {
			continue
		}
		h.last[sym] = price

		data, err := json.Marshal(QuoteMessage{
			Type:   "quote",
			Symbol: sym,
			Price:  price.Round(6).String(),
			At:     now,
		})
		if err != nil {
			continue
		}

		h.mu.RLock()
		for c := range h.clients {
			if !c.symbols[sym] {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.conn.Close()
			}
		}
		h.mu.RUnlock()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/stream.
// Subscribed symbols come from the comma-separated ?symbols= query
// parameter; unresolvable symbols are dropped silently.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	symbols := make(map[string]bool)
	for _, raw := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		sym := symbol.Clean(raw)
		if sym == "" {
			continue
		}
		symbols[sym] = true
	}
	if len(symbols) == 0 {
		http.Error(w, "symbols query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, symbols: symbols}
	h.register <- c

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- c }()
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
			_, ok := h.clients[c]
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
