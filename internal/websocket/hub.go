// internal/websocket/hub.go
package websocket

import (
	"encoding/json"
	"log/slog"
)

// Hub maintains the set of active clients and broadcasts telemetry events
// and alerts to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	log        *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		log:        log,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.log.Info("websocket client registered", "addr", client.Conn.RemoteAddr())

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				h.log.Info("websocket client unregistered", "addr", client.Conn.RemoteAddr())
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.Send <- message:
				default:
					// Slow or gone; drop the client rather than block.
					h.log.Warn("websocket client send buffer full, removing", "addr", client.Conn.RemoteAddr())
					close(client.Send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// RegisterClient hands a new client to the hub loop.
func (h *Hub) RegisterClient(client *Client) {
	h.register <- client
}

// BroadcastTelemetry sends an ingested telemetry event to all clients.
func (h *Hub) BroadcastTelemetry(event interface{}) {
	h.send("telemetry", event)
}

// BroadcastAlert sends an alert to all clients.
func (h *Hub) BroadcastAlert(alert interface{}) {
	h.send("alert", alert)
}

func (h *Hub) send(kind string, payload interface{}) {
	messageBytes, err := json.Marshal(map[string]interface{}{"type": kind, "payload": payload})
	if err != nil {
		h.log.Error("failed to marshal broadcast payload", "type", kind, "error", err)
		return
	}
	select {
	case h.broadcast <- messageBytes:
	default:
		// Hub loop saturated; live feed is best-effort.
	}
}
