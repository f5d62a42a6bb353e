package services

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/medsync/engine/internal/models"
	"github.com/medsync/engine/internal/observability"
)

// EventClient represents one connected event stream subscriber
type EventClient struct {
	ID         string
	Topics     map[string]bool
	Conn       *websocket.Conn
	Send       chan []byte
	hub        *EventHub
	closedOnce sync.Once
}

// EventHub fans sync lifecycle events out to WebSocket subscribers.
// Clients may subscribe to specific event types; with no subscription they
// receive everything.
type EventHub struct {
	clients    map[*EventClient]bool
	topics     map[string]map[*EventClient]bool
	register   chan *EventClient
	unregister chan *EventClient
	broadcast  chan *eventBroadcast
	logger     *observability.Logger
	mu         sync.RWMutex
}

type eventBroadcast struct {
	topic   string
	message []byte
}

// NewEventHub creates a new event hub
func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[*EventClient]bool),
		topics:     make(map[string]map[*EventClient]bool),
		register:   make(chan *EventClient),
		unregister: make(chan *EventClient),
		broadcast:  make(chan *eventBroadcast, 256),
		logger:     observability.GetLogger().WithField("component", "event_hub"),
	}
}

// Run starts the hub's main loop
func (h *EventHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debugf("Event client connected: %s", client.ID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for topic := range client.Topics {
					if topicClients, ok := h.topics[topic]; ok {
						delete(topicClients, client)
						if len(topicClients) == 0 {
							delete(h.topics, topic)
						}
					}
				}
				close(client.Send)
			}
			h.mu.Unlock()
			h.logger.Debugf("Event client disconnected: %s", client.ID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if len(client.Topics) > 0 && msg.topic != "" && !client.Topics[msg.topic] {
					continue
				}
				select {
				case client.Send <- msg.message:
				default:
					// Client buffer full, drop the connection
					go func(c *EventClient) {
						h.unregister <- c
					}(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish broadcasts a sync event to subscribers
func (h *EventHub) Publish(eventType string, payload interface{}) {
	msg := models.EventMessage{
		Type:    eventType,
		At:      time.Now().UTC(),
		Payload: payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorf("Failed to marshal event %s: %v", eventType, err)
		return
	}

	select {
	case h.broadcast <- &eventBroadcast{topic: eventType, message: data}:
	default:
		// Broadcast buffer full; events are advisory, drop rather than
		// block the publisher
		h.logger.Warn("Event broadcast buffer full, dropping event")
	}
}

// Register adds a client to the hub
func (h *EventHub) Register(client *EventClient) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *EventHub) Unregister(client *EventClient) {
	h.unregister <- client
}

// Subscribe limits a client to one event type
func (h *EventHub) Subscribe(client *EventClient, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.Topics[topic] = true
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*EventClient]bool)
	}
	h.topics[topic][client] = true
}

// ClientCount returns the number of connected clients
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient creates a new client connected to this hub
func (h *EventHub) NewClient(id string, conn *websocket.Conn) *EventClient {
	return &EventClient{
		ID:     id,
		Topics: make(map[string]bool),
		Conn:   conn,
		Send:   make(chan []byte, 256),
		hub:    h,
	}
}

// Close closes the client connection
func (c *EventClient) Close() {
	c.closedOnce.Do(func() {
		c.hub.Unregister(c)
		c.Conn.Close()
	})
}

// WritePump pushes queued messages to the connection
func (c *EventClient) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump drains inbound messages (subscriptions) until the connection
// closes
func (c *EventClient) ReadPump(handler func(*EventClient, int, []byte)) {
	defer c.Close()
	c.Conn.SetReadLimit(4096)

	for {
		messageType, data, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		if handler != nil {
			handler(c, messageType, data)
		}
	}
}
