// Package realtime streams committed decisions to WebSocket subscribers,
// for analysts watching the review queue live.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kshalu/fraudscope/internal/metrics"
	"github.com/kshalu/fraudscope/internal/pipeline"
	"github.com/kshalu/fraudscope/internal/policy"
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType for real-time events
type EventType string

const (
	EventDecision       EventType = "decision"
	EventDegraded       EventType = "degraded_decision"
	EventModelActivated EventType = "model_activated"
)

// Event is one message on the feed.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// DecisionEvent is the feed payload for a committed decision. It carries
// the reasons but not the full feature vector.
type DecisionEvent struct {
	TransactionID string         `json:"transactionId"`
	AccountID     string         `json:"accountId"`
	Amount        string         `json:"amount"`
	Outcome       policy.Outcome `json:"outcome"`
	Score         float64        `json:"score"`
	RiskPoints    int            `json:"riskPoints"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
	ReasonCodes   []string       `json:"reasonCodes"`
	Degraded      bool           `json:"degraded,omitempty"`
	FailureKind   string         `json:"failureKind,omitempty"`
	AuditID       string         `json:"auditId"`
	Stream        int            `json:"stream"`
	Sequence      int64          `json:"sequence"`
}

// Subscription filters for a client. Empty filters match everything.
type Subscription struct {
	AllEvents     bool             `json:"allEvents"`
	EventTypes    []EventType      `json:"eventTypes"`
	Outcomes      []policy.Outcome `json:"outcomes"`
	AccountIDs    []string         `json:"accountIds"`
	MinRiskPoints int              `json:"minRiskPoints"`
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 1000

// Hub fans events out to connected clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents  atomic.Int64
	droppedEvent atomic.Int64
	peakClients  atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With("component", "realtime"),
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("decision feed started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("decision feed stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("encode event", "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if !shouldSend(client, event) {
					continue
				}
				select {
				case client.send <- payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

func shouldSend(client *Client, event *Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	if len(sub.EventTypes) > 0 && !slices.Contains(sub.EventTypes, event.Type) {
		return false
	}

	d, ok := event.Data.(*DecisionEvent)
	if !ok {
		// Filters below only apply to decisions.
		return true
	}
	if len(sub.Outcomes) > 0 && !slices.Contains(sub.Outcomes, d.Outcome) {
		return false
	}
	if len(sub.AccountIDs) > 0 && !slices.Contains(sub.AccountIDs, d.AccountID) {
		return false
	}
	return d.RiskPoints >= sub.MinRiskPoints
}

// Broadcast queues an event. It never blocks the caller; when the queue is
// full the event is dropped.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.droppedEvent.Add(1)
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// PublishDecision implements pipeline.Publisher.
func (h *Hub) PublishDecision(r *pipeline.Result) {
	ev := &DecisionEvent{
		TransactionID: r.Decision.TransactionID,
		AccountID:     r.AccountID,
		Amount:        r.Amount,
		Outcome:       r.Decision.Outcome,
		Score:         r.Decision.Score,
		RiskPoints:    r.RiskPoints,
		ReasonCodes:   r.Decision.ReasonCodes,
		Degraded:      r.Decision.Degraded,
		FailureKind:   string(r.FailureKind),
		AuditID:       r.AuditID,
		Stream:        r.Stream,
		Sequence:      r.Sequence,
	}
	if r.Score != nil {
		ev.ModelVersion = r.Score.ModelVersion
	}
	typ := EventDecision
	if ev.Degraded {
		typ = EventDegraded
	}
	h.Broadcast(&Event{Type: typ, Timestamp: r.DecidedAt, Data: ev})
}

// PublishModelActivated announces a model swap.
func (h *Hub) PublishModelActivated(version, kind string) {
	h.Broadcast(&Event{
		Type:      EventModelActivated,
		Timestamp: time.Now().UTC(),
		Data:      map[string]string{"version": version, "kind": kind},
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"droppedEvents":    h.droppedEvent.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription updates sent by the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ pipeline.Publisher = (*Hub)(nil)
