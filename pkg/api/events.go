package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/freitascorp/modswap/pkg/broker"
	"github.com/freitascorp/modswap/pkg/deploy"
)

// CoordinationTopic carries deployment lifecycle events through the
// broker so in-cluster consumers can react to rollouts.
const CoordinationTopic = "coordination.events"

// Event is one coordination event, fanned out to websocket clients
// and published on CoordinationTopic.
type Event struct {
	Type        string    `json:"type"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	Status      string    `json:"status,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The event feed is read-only telemetry; any origin may watch.
	CheckOrigin: func(*http.Request) bool { return true },
}

// EventHub broadcasts coordination events to websocket subscribers.
// Slow clients are dropped rather than allowed to block the hub.
type EventHub struct {
	broker *broker.Broker
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

func NewEventHub(b *broker.Broker, logger *slog.Logger) *EventHub {
	return &EventHub{
		broker:  b,
		logger:  logger,
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// PipelineEvent implements deploy.EventSink.
func (h *EventHub) PipelineEvent(executionID, stage string, status deploy.PipelineStatus, message string) {
	h.Publish(Event{
		Type:        "deployment",
		ExecutionID: executionID,
		Stage:       stage,
		Status:      string(status),
		Message:     message,
		Timestamp:   time.Now().UTC(),
	})
}

// Publish fans an event out to websocket clients and onto the
// coordination topic. Broker publish failures are logged, not fatal.
func (h *EventHub) Publish(ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event marshal failed", "error", err)
		return
	}

	h.mu.Lock()
	for conn, ch := range h.clients {
		select {
		case ch <- raw:
		default:
			delete(h.clients, conn)
			close(ch)
			h.logger.Warn("dropping slow websocket client", "remote", conn.RemoteAddr())
		}
	}
	h.mu.Unlock()

	if h.broker != nil {
		msg := &broker.Message{
			TopicName: CoordinationTopic,
			Payload:   raw,
		}
		if err := h.broker.Publish(context.Background(), msg); err != nil {
			h.logger.Warn("coordination event publish failed", "error", err)
		}
	}
}

// ServeWS upgrades the request and streams events until the client
// disconnects.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	h.logger.Info("websocket client connected", "remote", conn.RemoteAddr())

	// Reader: drain and detect disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(conn)
				return
			}
		}
	}()

	// Writer.
	go func() {
		defer conn.Close()
		for raw := range ch {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				h.remove(conn)
				return
			}
		}
	}()
}

func (h *EventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
	conn.Close()
}

// ClientCount reports connected websocket clients.
func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
