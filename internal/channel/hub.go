// Package channel owns the live worker websockets: the push path for
// task assignments and a low-latency lane for worker status. Everything
// here is transport; durable truth stays on the HTTP endpoints, and a
// worker that loses its socket just reconnects and picks the queue back
// up.
package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomctl/loom/internal/coordinator"
	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/registry"
)

const (
	// writeWait bounds a single socket write.
	writeWait = 10 * time.Second
	// pongWait is how long a worker may stay silent before the read
	// side gives up; pings go out early enough to beat it.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames; worker messages are small
	// JSON, results travel over HTTP.
	maxMessageSize = 64 << 10

	sendBuffer = 16
)

// Message types on the worker channel.
const (
	msgConnected    = "connected"
	msgPing         = "ping"
	msgPong         = "pong"
	msgStatus       = "status"
	msgTaskComplete = "task_complete"
)

// inbound is one frame read from a worker socket.
type inbound struct {
	Type string `json:"type"`

	// status fields, mirroring the heartbeat request.
	Status         domain.WorkerStatus  `json:"status,omitempty"`
	Resources      domain.ResourceUsage `json:"resources,omitempty"`
	CurrentSubtask *domain.SubtaskID    `json:"current_subtask,omitempty"`

	// task_complete echo.
	SubtaskID domain.SubtaskID `json:"subtask_id,omitempty"`
}

// Hub tracks the live worker channels, at most one per worker. Each
// channel bridges the worker's coordinator task channel onto the socket
// and feeds socket messages back into the registry.
type Hub struct {
	registry *registry.Registry
	coord    coordinator.Coordinator
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[domain.WorkerID]*conn
}

// NewHub creates a Hub over the registry and coordinator.
func NewHub(reg *registry.Registry, coord coordinator.Coordinator, logger *slog.Logger) *Hub {
	return &Hub{
		registry: reg,
		coord:    coord,
		log:      log.ForComponent(logger, "channel"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Workers authenticate with API keys before Serve runs;
			// this is not a browser surface.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[domain.WorkerID]*conn),
	}
}

// conn is one live socket. Writes funnel through the writer pump; the
// reader enqueues frames instead of writing directly.
type conn struct {
	workerID domain.WorkerID
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

// close signals both pumps to stop. Safe to call repeatedly.
func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue hands a frame to the writer. Frames are dropped when the
// writer is gone or the buffer is full; a worker that stops draining
// loses pongs and echoes before it stalls the hub.
func (c *conn) enqueue(frame []byte) {
	if frame == nil {
		return
	}
	select {
	case c.send <- frame:
	case <-c.done:
	default:
	}
}

func (c *conn) write(messageType int, payload []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, payload)
}

// Serve upgrades the request into the worker's channel and blocks until
// it closes. The caller must already have resolved the credential to
// workerID; Serve only checks the worker exists.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, workerID domain.WorkerID) {
	if _, err := h.registry.Get(r.Context(), workerID); err != nil {
		if domain.IsNotFound(err) {
			http.Error(w, "unknown worker", http.StatusNotFound)
		} else {
			h.log.Error("failed to load worker", "worker_id", workerID, "error", err)
			http.Error(w, "failed to load worker", http.StatusInternalServerError)
		}
		return
	}

	sub, err := h.coord.Subscribe(r.Context(), coordinator.WorkerTaskChannel(workerID))
	if err != nil {
		h.log.Error("failed to subscribe to task channel", "worker_id", workerID, "error", err)
		http.Error(w, "failed to subscribe", http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		_ = sub.Close()
		h.log.Warn("websocket upgrade failed", "worker_id", workerID, "error", err)
		return
	}

	c := &conn{
		workerID: workerID,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
	h.register(c)

	if err := h.coord.SetAdd(r.Context(), coordinator.ConnectedSet, workerID.String()); err != nil {
		h.log.Warn("failed to join connected set", "worker_id", workerID, "error", err)
	}
	h.log.Info("worker channel open", "worker_id", workerID)

	c.enqueue(h.envelope(msgConnected, map[string]any{"worker_id": workerID}))

	go h.writePump(c, sub)
	h.readPump(r.Context(), c)
	h.drop(c, sub)
}

// register installs the conn, closing any previous channel for the same
// worker. At most one channel per worker is live.
func (h *Hub) register(c *conn) {
	h.mu.Lock()
	old := h.conns[c.workerID]
	h.conns[c.workerID] = c
	h.mu.Unlock()

	if old != nil {
		h.log.Info("worker channel replaced", "worker_id", c.workerID)
		old.close()
	}
}

// drop tears the conn down: subscription, map entry (when the conn is
// still the registered one) and connected-set membership.
func (h *Hub) drop(c *conn, sub coordinator.Subscription) {
	c.close()
	_ = sub.Close()

	h.mu.Lock()
	current := h.conns[c.workerID] == c
	if current {
		delete(h.conns, c.workerID)
	}
	h.mu.Unlock()

	if !current {
		return
	}

	// The request context is gone once the socket drops.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.coord.SetRemove(ctx, coordinator.ConnectedSet, c.workerID.String()); err != nil {
		h.log.Warn("failed to leave connected set", "worker_id", c.workerID, "error", err)
	}
	h.log.Info("worker channel closed", "worker_id", c.workerID)
}

// Connected reports how many channels this process is serving.
func (h *Hub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every live channel. The HTTP server is expected to
// have stopped accepting upgrades first.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// writePump is the only goroutine that writes to the socket. It forwards
// task-channel envelopes, drains queued frames and keeps the protocol
// ping going.
func (h *Hub) writePump(c *conn, sub coordinator.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if err := c.write(websocket.TextMessage, msg.Payload); err != nil {
				return
			}
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.write(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// readPump consumes worker frames until the socket dies.
func (h *Hub) readPump(ctx context.Context, c *conn) {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("worker channel read failed", "worker_id", c.workerID, "error", err)
			}
			return
		}
		h.handle(ctx, c, raw)
	}
}

func (h *Hub) handle(ctx context.Context, c *conn, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.log.Warn("undecodable worker message", "worker_id", c.workerID, "error", err)
		return
	}

	switch msg.Type {
	case msgPing:
		c.enqueue(h.envelope(msgPong, nil))

	case msgStatus:
		err := h.registry.Heartbeat(ctx, registry.HeartbeatRequest{
			WorkerID:       c.workerID,
			Status:         msg.Status,
			Resources:      msg.Resources,
			CurrentSubtask: msg.CurrentSubtask,
		})
		if err != nil {
			h.log.Warn("channel status update failed", "worker_id", c.workerID, "error", err)
		}

	case msgTaskComplete:
		// Advisory only: the durable result arrives on the idempotent
		// HTTP endpoint. Echo what the control plane believes so the
		// worker can tell whether its upload landed.
		status, ok, err := h.coord.Get(ctx, coordinator.SubtaskStatusKey(msg.SubtaskID))
		if err != nil || !ok {
			status = "unknown"
		}
		h.log.Info("task_complete received on channel",
			"worker_id", c.workerID, "subtask_id", msg.SubtaskID, "mirrored_status", status)
		c.enqueue(h.envelope(msgStatus, map[string]any{
			"subtask_id": msg.SubtaskID,
			"status":     status,
		}))

	default:
		h.log.Warn("unknown worker message type", "worker_id", c.workerID, "type", msg.Type)
	}
}

// envelope serializes one server frame in the shared event envelope
// shape.
func (h *Hub) envelope(eventType string, data any) []byte {
	payload, err := json.Marshal(events.Envelope[any]{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		h.log.Warn("failed to encode channel frame", "type", eventType, "error", err)
		return nil
	}
	return payload
}
