package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/common"
	"github.com/ternarybob/linewatch/internal/interfaces"
	"github.com/ternarybob/linewatch/internal/models"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope every hub message travels in.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// wsClient is one WebSocket subscriber. Writes are serialized through mu so
// fanout and pings cannot interleave frames.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ProgressHub fans task progress events out to WebSocket subscribers. Clients
// subscribe either to one task or to the history stream that sees every task.
// Delivery is lossy: a failed write prunes the subscriber, and non-terminal
// events may be throttled.
type ProgressHub struct {
	logger arbor.ILogger

	mu       sync.RWMutex
	perTask  map[string]map[*wsClient]bool
	history  map[*wsClient]bool
	limiters map[string]*rate.Limiter

	throttle bool
	interval rate.Limit
}

// NewProgressHub creates the hub. A configured throttle interval rate-limits
// non-terminal events per task; terminal events always go through.
func NewProgressHub(config *common.WebSocketConfig, logger arbor.ILogger) *ProgressHub {
	h := &ProgressHub{
		logger:   logger,
		perTask:  make(map[string]map[*wsClient]bool),
		history:  make(map[*wsClient]bool),
		limiters: make(map[string]*rate.Limiter),
	}
	if config != nil {
		if interval := config.ThrottleDuration(); interval > 0 {
			h.throttle = true
			h.interval = rate.Every(interval)
			logger.Debug().Str("interval", interval.String()).Msg("Progress throttling enabled")
		}
	}
	return h
}

// Run consumes the updates exchange until ctx is cancelled, feeding every
// event into the fanout.
func (h *ProgressHub) Run(ctx context.Context, queue interfaces.QueueService) error {
	h.logger.Info().Msg("Progress hub consuming updates exchange")
	return queue.ConsumeProgress(ctx, h.Fanout)
}

// TaskSocketHandler subscribes a client to one task's events.
// WS /ws/tasks/{id}
func (h *ProgressHub) TaskSocketHandler(w http.ResponseWriter, r *http.Request, taskID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	client := &wsClient{conn: conn}

	h.mu.Lock()
	if h.perTask[taskID] == nil {
		h.perTask[taskID] = make(map[*wsClient]bool)
	}
	h.perTask[taskID][client] = true
	h.mu.Unlock()

	h.logger.Debug().Str("task_id", taskID).Msg("WebSocket task subscriber connected")
	h.readUntilClosed(client)
	h.remove(client)
	h.logger.Debug().Str("task_id", taskID).Msg("WebSocket task subscriber disconnected")
}

// HistorySocketHandler subscribes a client to every task's events.
// WS /ws/history
func (h *ProgressHub) HistorySocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	client := &wsClient{conn: conn}

	h.mu.Lock()
	h.history[client] = true
	h.mu.Unlock()

	h.logger.Debug().Msg("WebSocket history subscriber connected")
	h.readUntilClosed(client)
	h.remove(client)
	h.logger.Debug().Msg("WebSocket history subscriber disconnected")
}

// readUntilClosed drains client frames to keep the connection alive and
// detect disconnects.
func (h *ProgressHub) readUntilClosed(client *wsClient) {
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
	}
}

// Fanout delivers one progress event to the task's subscribers and every
// history subscriber. Subscribers whose write fails are pruned.
func (h *ProgressHub) Fanout(progress models.TaskProgress) {
	if h.throttled(progress) {
		return
	}

	data, err := json.Marshal(WSMessage{Type: "task_progress", Payload: progress})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal progress event")
		return
	}

	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.perTask[progress.TaskID])+len(h.history))
	for client := range h.perTask[progress.TaskID] {
		targets = append(targets, client)
	}
	for client := range h.history {
		if !h.perTask[progress.TaskID][client] {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if err := client.send(data); err != nil {
			h.logger.Debug().Str("task_id", progress.TaskID).Err(err).Msg("Pruning dead WebSocket subscriber")
			h.remove(client)
		}
	}

	if progress.Status.IsTerminal() {
		h.dropLimiter(progress.TaskID)
	}
}

// throttled rate-limits non-terminal events per task. Terminal events are
// never dropped.
func (h *ProgressHub) throttled(progress models.TaskProgress) bool {
	if !h.throttle || progress.Status.IsTerminal() {
		return false
	}

	h.mu.Lock()
	limiter, ok := h.limiters[progress.TaskID]
	if !ok {
		limiter = rate.NewLimiter(h.interval, 1)
		h.limiters[progress.TaskID] = limiter
	}
	h.mu.Unlock()

	return !limiter.Allow()
}

func (h *ProgressHub) dropLimiter(taskID string) {
	if !h.throttle {
		return
	}
	h.mu.Lock()
	delete(h.limiters, taskID)
	h.mu.Unlock()
}

// remove unregisters a client from both registries and closes its socket.
func (h *ProgressHub) remove(client *wsClient) {
	h.mu.Lock()
	for taskID, clients := range h.perTask {
		if clients[client] {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.perTask, taskID)
			}
		}
	}
	delete(h.history, client)
	h.mu.Unlock()

	client.conn.Close()
}

// SubscriberCounts reports current registry sizes, used by the health
// endpoint.
func (h *ProgressHub) SubscriberCounts() (perTask, history int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, clients := range h.perTask {
		perTask += len(clients)
	}
	return perTask, len(h.history)
}
