// Package realtime pushes domain events to websocket subscribers and, when
// redis is configured, to the subscribers of every other instance.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/metrics"
	"github.com/aegisshield/patrol/shared/models"
	"github.com/aegisshield/patrol/shared/utils"
)

const (
	// DefaultChannel is the redis pub/sub channel shared by all instances
	DefaultChannel = "patrol-engine:events"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	sendBuffer     = 256
	fanOutBuffer   = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope is what travels over redis
type envelope struct {
	Origin     string          `json:"origin"`
	PropertyID string          `json:"property_id,omitempty"`
	Event      json.RawMessage `json:"event"`
}

// Hub maintains the set of live clients and broadcasts events to them
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex
	redis   redis.UniversalClient
	// outbound holds envelopes waiting for Run to publish them to redis
	outbound chan []byte
	channel  string
	origin   string
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// Client is one websocket subscriber. An empty property filter receives
// events for every property.
type Client struct {
	ID         string
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	mu         sync.RWMutex
	propertyID string
}

// subscription is the only message clients send
type subscription struct {
	PropertyID string `json:"property_id"`
}

// NewHub creates a hub. rdb may be nil, in which case events stay local.
func NewHub(rdb redis.UniversalClient, channel string, m *metrics.Collector, logger *zap.Logger) *Hub {
	if channel == "" {
		channel = DefaultChannel
	}
	h := &Hub{
		clients: make(map[*Client]bool),
		redis:   rdb,
		channel: channel,
		origin:  utils.GenerateID(),
		metrics: m,
		logger:  logger.Named("realtime"),
	}
	if rdb != nil {
		h.outbound = make(chan []byte, fanOutBuffer)
	}
	return h
}

// Publish delivers an event to local clients and queues it for the other
// instances. It never waits on redis; when the queue is full the event only
// reaches local clients.
func (h *Hub) Publish(_ context.Context, event models.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.String("type", string(event.Type)), zap.Error(err))
		return
	}
	h.broadcast(event.PropertyID, data)

	if h.redis == nil {
		return
	}
	payload, err := json.Marshal(envelope{Origin: h.origin, PropertyID: event.PropertyID, Event: data})
	if err != nil {
		h.logger.Error("Failed to marshal event envelope", zap.Error(err))
		return
	}
	select {
	case h.outbound <- payload:
	default:
		h.logger.Warn("Fan-out queue full, event stays local", zap.String("type", string(event.Type)))
	}
}

// Run publishes queued events to redis and relays events published by other
// instances until ctx is done. Without a redis client it just waits for ctx.
func (h *Hub) Run(ctx context.Context) error {
	if h.redis == nil {
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.forward(gctx)
		return nil
	})
	g.Go(func() error {
		return h.relay(gctx)
	})
	return g.Wait()
}

func (h *Hub) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-h.outbound:
			pubCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := h.redis.Publish(pubCtx, h.channel, payload).Err()
			cancel()
			if err != nil && ctx.Err() == nil {
				h.logger.Warn("Failed to fan out event", zap.Error(err))
			}
		}
	}
}

func (h *Hub) relay(ctx context.Context) error {
	pubsub := h.redis.Subscribe(ctx, h.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", h.channel, err)
	}
	h.logger.Info("Relaying events from peers", zap.String("channel", h.channel))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.logger.Warn("Dropping malformed peer event", zap.Error(err))
				continue
			}
			if env.Origin == h.origin {
				continue
			}
			h.broadcast(env.PropertyID, env.Event)
		}
	}
}

// HandleWebSocket upgrades the request and registers the client. The
// property_id query parameter sets the initial filter.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:         utils.GenerateID(),
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		propertyID: c.Query("property_id"),
	}
	h.register(client)

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	h.metrics.SetLiveClients(0)
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetLiveClients(count)
	h.logger.Debug("Client connected", zap.String("client_id", client.ID), zap.String("property_id", client.filter()))
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetLiveClients(count)
	h.logger.Debug("Client disconnected", zap.String("client_id", client.ID))
}

// broadcast queues data for matching clients and drops clients that cannot keep up
func (h *Hub) broadcast(propertyID string, data []byte) {
	var slow []*Client

	h.mu.RLock()
	for client := range h.clients {
		if f := client.filter(); f != "" && f != propertyID {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("Dropping slow client", zap.String("client_id", client.ID))
		h.unregister(client)
	}
}

func (c *Client) filter() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.propertyID
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("Websocket read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}

		var sub subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		c.mu.Lock()
		c.propertyID = sub.PropertyID
		c.mu.Unlock()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
