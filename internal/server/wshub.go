package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uesteibar/dispatchd/internal/store"
)

// Message types sent over the WebSocket feed.
const (
	MsgTaskStateChanged = "task_state_changed"
	MsgTaskLog          = "task_log"
)

// WSMessage is the envelope sent to WebSocket clients. TaskID scopes the
// message: clients subscribed to a single task only receive matching
// messages.
type WSMessage struct {
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

type taskStatePayload struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Status     string `json:"status"`
	Progress   string `json:"progress,omitempty"`
	StepsDone  int    `json:"steps_done"`
	StepsTotal int    `json:"steps_total"`
	Error      string `json:"error,omitempty"`
}

type taskLogPayload struct {
	TaskID string `json:"task_id"`
	Line   string `json:"line"`
}

func newWSMessage(msgType, taskID string, payload any) (WSMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return WSMessage{}, err
	}
	return WSMessage{
		Type:      msgType,
		TaskID:    taskID,
		Payload:   data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// TaskStateMessage builds the broadcast for a persisted task change.
func TaskStateMessage(task store.Task) (WSMessage, error) {
	return newWSMessage(MsgTaskStateChanged, task.ID, taskStatePayload{
		ID:         task.ID,
		ProjectID:  task.ProjectID,
		Status:     string(task.Status),
		Progress:   task.Progress,
		StepsDone:  task.StepsDone,
		StepsTotal: task.StepsTotal,
		Error:      task.ErrorMessage,
	})
}

// TaskLogMessage builds the broadcast for one line of agent output.
func TaskLogMessage(taskID, line string) (WSMessage, error) {
	return newWSMessage(MsgTaskLog, taskID, taskLogPayload{TaskID: taskID, Line: line})
}

// Hub fans task messages out to WebSocket clients. A client either follows
// the whole feed or, via the task query parameter, a single task. Safe for
// concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger
}

// NewHub creates a Hub ready to accept client connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
	}
}

// Broadcast delivers a message to every client whose subscription covers
// it. Clients whose send buffer is full are dropped.
func (h *Hub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshaling ws message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.taskID != "" && c.taskID != msg.TaskID {
			continue
		}
		select {
		case c.send <- data:
		default:
			go h.removeClient(c)
		}
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) addClient(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) removeClient(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the HTTP connection to a WebSocket and registers the
// client with the hub. A task query parameter narrows the subscription to
// that task's messages.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrading to websocket", "error", err)
		return
	}

	c := &wsClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 64),
		taskID: r.URL.Query().Get("task"),
	}
	h.addClient(c)

	go c.writePump()
	go c.readPump()
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	taskID string // empty subscribes to every task
}

// readPump reads messages from the WebSocket connection. We don't expect
// meaningful client-to-server messages; the pump exists to detect
// disconnects and respond to pings/pongs.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// writePump sends messages from the send channel to the WebSocket
// connection. It also sends periodic pings to keep the connection alive.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
