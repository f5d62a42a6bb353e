package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/medsync/engine/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon binds to loopback in the expected deployment
		return true
	},
}

// subscribeMessage is the inbound control message on the event stream
type subscribeMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// WebSocketHandler handles event stream connections
type WebSocketHandler struct {
	hub *services.EventHub
}

// NewWebSocketHandler creates a new WebSocketHandler
func NewWebSocketHandler(hub *services.EventHub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// HandleConnection upgrades HTTP to WebSocket and streams sync events.
// Clients receive all events unless they subscribe to specific types.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := h.hub.NewClient(uuid.New().String(), conn)
	h.hub.Register(client)

	// Optional topic filter from the query string
	if topic := r.URL.Query().Get("topic"); topic != "" {
		h.hub.Subscribe(client, topic)
	}

	go client.WritePump()
	client.ReadPump(h.handleMessage)
}

// handleMessage processes inbound subscription messages
func (h *WebSocketHandler) handleMessage(client *services.EventClient, messageType int, data []byte) {
	if messageType != websocket.TextMessage {
		return
	}

	var msg subscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Invalid WebSocket message: %v", err)
		return
	}

	if msg.Type == "subscribe" && msg.Topic != "" {
		h.hub.Subscribe(client, msg.Topic)
	}
}
