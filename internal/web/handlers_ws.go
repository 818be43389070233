package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"duofern-go-home/internal/coordinator"
)

// EventSession is the type of the snapshot sent to every new client.
const EventSession = "session"

// WSHub manages WebSocket connections and broadcasts coordinator events.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan coordinator.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn  *websocket.Conn
	send  chan []byte
	types map[string]bool // nil = every event type
}

func (c *wsClient) wants(eventType string) bool {
	return c.types == nil || c.types[eventType]
}

// parseTypes reads the comma-separated ?types= filter.
func parseTypes(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	types := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = true
		}
	}
	if len(types) == 0 {
		return nil
	}
	return types
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan coordinator.Event, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("ws marshal", "type", event.Type, "err", err)
				continue
			}
			h.mu.Lock()
			var slow []*wsClient
			for client := range h.clients {
				if !client.wants(event.Type) {
					continue
				}
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				delete(h.clients, client)
				close(client.send)
				h.logger.Warn("ws client evicted (too slow)")
			}
			h.mu.Unlock()
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast sends an event to every interested client.
func (h *WSHub) Broadcast(event coordinator.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("ws broadcast channel full, dropping event", "type", event.Type)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// Without allowed origins nhooyr enforces same-origin.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(4096)

	client := &wsClient{
		conn:  conn,
		send:  make(chan []byte, 64),
		types: parseTypes(r.URL.Query().Get("types")),
	}

	// The snapshot goes first so the client can render before the next push.
	if client.wants(EventSession) {
		snapshot, err := json.Marshal(coordinator.Event{
			Type: EventSession,
			Time: time.Now(),
			Data: map[string]interface{}{
				"session": s.coord.Info(),
				"devices": s.coord.ListDevices(),
			},
		})
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

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// The stream is one-way; reads only detect the close.
	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
