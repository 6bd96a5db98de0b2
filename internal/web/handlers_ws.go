package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"cellnode/internal/metrics"
	"cellnode/internal/node"

	"nhooyr.io/websocket"
)

// eventStatus is the type of the snapshot sent to each new stream client.
const eventStatus = "status"

// WSHub fans node events out to WebSocket clients.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	events     chan node.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	// types restricts the stream to these event types; nil means all.
	types map[string]bool
}

func newWSClient(conn *websocket.Conn, types map[string]bool) *wsClient {
	return &wsClient{conn: conn, send: make(chan []byte, 64), types: types}
}

func (c *wsClient) wants(eventType string) bool {
	return c.types == nil || c.types[eventType]
}

// parseTypes reads a comma-separated ?types= filter.
func parseTypes(q string) map[string]bool {
	var types map[string]bool
	for _, t := range strings.Split(q, ",") {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		if types == nil {
			types = make(map[string]bool)
		}
		types[t] = true
	}
	return types
}

// NewWSHub creates a hub; Run must be started to deliver events.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		events:     make(chan node.Event, 256),
		done:       make(chan struct{}),
	}
}

// Run delivers events until Stop. A client whose buffer is full is dropped
// rather than stalling the others.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				h.remove(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			metrics.WSClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "types", len(c.types))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.remove(c)
			}
			h.mu.Unlock()

		case ev := <-h.events:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("ws marshal", "type", ev.Type, "err", err)
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(ev.Type) {
					continue
				}
				select {
				case c.send <- data:
				default:
					h.remove(c)
					h.logger.Warn("ws client evicted (too slow)", "event", ev.Type)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove is called with h.mu held.
func (h *WSHub) remove(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
	metrics.WSClients.Set(float64(len(h.clients)))
}

// Stop shuts the hub down and closes every client. It may be called more
// than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues ev for delivery without blocking the event bus.
func (h *WSHub) Broadcast(ev node.Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("ws event queue full, dropping", "type", ev.Type)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// Without allowed origins, Accept only permits same-origin requests.
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := newWSClient(conn, parseTypes(r.URL.Query().Get("types")))
	if client.wants(eventStatus) {
		snapshot, err := json.Marshal(node.Event{Type: eventStatus, Time: time.Now(), Data: s.node.Status()})
		if err == nil {
			client.send <- snapshot
		}
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
		}
	}()

	// The stream is one-way: CloseRead discards client frames and cancels
	// ctx once the peer goes away.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.wsWritePump(conn.CloseRead(ctx), client)
}

func (s *Server) wsWritePump(ctx context.Context, client *wsClient) {
	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				client.conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := client.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			client.conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}
