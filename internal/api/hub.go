package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quotefeed/internal/model"
)

const (
	clientSendBuffer = 256
	clientPingPeriod = 30 * time.Second
	clientReadWait   = 60 * time.Second
	clientWriteWait  = 10 * time.Second
)

// Hub relays decoded ticks to WebSocket clients. Each client receives every
// tick unless it narrowed its feed with a token filter.
type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	// OnClients is called with the client count after every join or leave.
	OnClients func(n int)
	// OnDrop is called when a slow client misses a tick.
	OnDrop func()
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin:       func(r *http.Request) bool { return true },
			EnableCompression: true,
		},
		log:     logger,
		clients: make(map[*client]struct{}),
	}
}

// client is one WebSocket peer.
type client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu     sync.RWMutex
	tokens map[model.Token]struct{} // empty means all
}

// hubMessage is what clients send: SUBSCRIBE/UNSUBSCRIBE with tokens, or
// a bare {"ping": n}.
type hubMessage struct {
	Type   string        `json:"type"`
	Tokens []model.Token `json:"tokens"`
	Ping   int64         `json:"ping"`
}

func (c *client) wants(t model.Token) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.tokens) == 0 {
		return true
	}
	_, ok := c.tokens[t]
	return ok
}

func (c *client) setFilter(add bool, tokens []model.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tokens {
		if add {
			c.tokens[t] = struct{}{}
		} else {
			delete(c.tokens, t)
		}
	}
}

// ServeWS upgrades the request and registers the client. An optional
// ?tokens=2885,1594 query sets the initial filter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var initial []model.Token
	if raw := r.URL.Query().Get("tokens"); raw != "" {
		toks, err := parseTokens(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		initial = toks
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("tick feed upgrade failed", "error", err)
		return
	}
	c := &client{
		conn:   conn,
		send:   make(chan []byte, clientSendBuffer),
		hub:    h,
		tokens: make(map[model.Token]struct{}),
	}
	c.setFilter(true, initial)
	h.add(c)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("tick feed client connected", "clients", n)
	if h.OnClients != nil {
		h.OnClients(n)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("tick feed client disconnected", "clients", n)
	if h.OnClients != nil {
		h.OnClients(n)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast encodes t once and queues it for every interested client.
// Clients whose queue is full miss the tick.
func (h *Hub) Broadcast(t model.Tick) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}
	var msg []byte
	for c := range h.clients {
		if !c.wants(t.Token) {
			continue
		}
		if msg == nil {
			var err error
			if msg, err = json.Marshal(t); err != nil {
				h.log.Warn("tick encode failed", "token", t.Token, "error", err)
				return
			}
		}
		select {
		case c.send <- msg:
		default:
			if h.OnDrop != nil {
				h.OnDrop()
			}
		}
	}
}

// Run broadcasts ticks from input until ctx ends or input closes, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context, input <-chan model.Tick) {
	defer h.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-input:
			if !ok {
				return
			}
			h.Broadcast(t)
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.remove(c)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(clientPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// Coalesce queued ticks into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 << 10)
	c.conn.SetReadDeadline(time.Now().Add(clientReadWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(clientReadWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg hubMessage
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		switch msg.Type {
		case "SUBSCRIBE":
			c.setFilter(true, msg.Tokens)
		case "UNSUBSCRIBE":
			c.setFilter(false, msg.Tokens)
		default:
			if msg.Ping > 0 {
				pong, _ := json.Marshal(map[string]int64{"ping": msg.Ping, "server_ts": time.Now().UnixMilli()})
				c.hub.mu.RLock()
				if _, live := c.hub.clients[c]; live {
					select {
					case c.send <- pong:
					default:
					}
				}
				c.hub.mu.RUnlock()
			}
		}
	}
}
