package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bus-tracker/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one websocket connection. Only writePump writes to conn.
type client struct {
	id        string
	stream    string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	metrics   *observability.Collector
}

func newClient(conn *websocket.Conn, stream string, buffer int, metrics *observability.Collector) *client {
	return &client{
		id:      uuid.NewString(),
		stream:  stream,
		conn:    conn,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
		metrics: metrics,
	}
}

// enqueue queues data without blocking. A full buffer drops the message;
// the next frame carries the complete state again.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		c.metrics.FrameSent(c.stream)
		return true
	default:
		c.metrics.FrameDropped(c.stream)
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// hub tracks fleet stream clients for broadcast.
type hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	metrics *observability.Collector
	log     *slog.Logger
}

func newHub(metrics *observability.Collector, log *slog.Logger) *hub {
	return &hub{
		clients: make(map[*client]struct{}),
		metrics: metrics,
		log:     log,
	}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.enqueue(data)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump delivers client messages to onMessage until the connection
// fails, then runs onClose once.
func readPump(c *client, log *slog.Logger, onMessage func([]byte), onClose func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("websocket handler panic", slog.String("client", c.id), slog.Any("panic", rec))
		}
		c.close()
		onClose()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read error", slog.String("client", c.id), slog.String("error", err.Error()))
			}
			return
		}
		onMessage(data)
	}
}
