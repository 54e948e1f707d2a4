// Package broadcast pushes widget updates to websocket subscribers.
package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bigbes/netmeter/internal/metrics"
	"github.com/bigbes/netmeter/internal/monitor"
	"github.com/bigbes/netmeter/internal/protocol"
	"github.com/bigbes/netmeter/internal/settings"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	maxMessageSize = 4096

	// DefaultSendBuffer is the number of pending pushes a subscriber may
	// lag behind before it is dropped.
	DefaultSendBuffer = 16
)

// Source provides the pushed data and its cadence.
type Source interface {
	Data() monitor.Data
	Settings() settings.Settings
}

type subscriber struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	remote string
}

// Hub fans out updateWidgetData messages to connected widgets.
type Hub struct {
	src        Source
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	sendBuffer int

	mu   sync.Mutex
	subs map[string]*subscriber
}

// New creates a hub reading from src.
func New(src Source, logger *slog.Logger) *Hub {
	return &Hub{
		src:    src,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Widgets connect from arbitrary page origins on loopback.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sendBuffer: DefaultSendBuffer,
		subs:       make(map[string]*subscriber),
	}
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and serves the subscriber until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	sub := &subscriber{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, h.sendBuffer),
		remote: r.RemoteAddr,
	}
	h.add(sub)
	h.logger.Info("widget subscribed", "id", sub.id, "remote", sub.remote)

	// Greet with the current state so a new widget does not wait a tick.
	h.enqueue(sub, protocol.Encode(protocol.WidgetUpdate(h.src.Data())))

	go h.writePump(sub)
	h.readPump(sub)
}

// Broadcast queues msg for every subscriber and returns how many accepted
// it. Subscribers with a full queue are dropped.
func (h *Hub) Broadcast(msg []byte) int {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	n := 0
	for _, s := range subs {
		if h.enqueue(s, msg) {
			n++
		}
	}
	return n
}

// Run pushes the current data every update interval until ctx is done.
// The interval is re-read after every push.
func (h *Hub) Run(ctx context.Context) {
	timer := time.NewTimer(h.src.Settings().UpdateInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-timer.C:
			if h.Len() > 0 {
				h.Broadcast(protocol.Encode(protocol.WidgetUpdate(h.src.Data())))
			}
			timer.Reset(h.src.Settings().UpdateInterval())
		}
	}
}

func (h *Hub) enqueue(s *subscriber, msg []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.id]; !ok {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		h.logger.Warn("widget subscriber too slow, dropping", "id", s.id)
		h.removeLocked(s)
		return false
	}
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()
	metrics.WidgetSubscribers.Set(float64(n))
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

// removeLocked closes the send queue; the write pump then closes the
// connection.
func (h *Hub) removeLocked(s *subscriber) {
	if _, ok := h.subs[s.id]; !ok {
		return
	}
	delete(h.subs, s.id)
	close(s.send)
	metrics.WidgetSubscribers.Set(float64(len(h.subs)))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		h.removeLocked(s)
	}
}

func (h *Hub) readPump(s *subscriber) {
	defer func() {
		h.remove(s)
		s.conn.Close()
		h.logger.Info("widget unsubscribed", "id", s.id)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("widget websocket read error", "id", s.id, "err", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		req, err := protocol.Decode(raw, protocol.WidgetActions)
		if err != nil {
			pe := protocol.AsError(err)
			h.enqueue(s, protocol.Encode(protocol.ErrorResponse{Error: pe.Message}))
			continue
		}
		if req.Action == protocol.ActionPing {
			h.enqueue(s, protocol.Encode(protocol.SuccessResponse{Success: true}))
		}
	}
}

func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("widget websocket write failed", "id", s.id, "err", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
