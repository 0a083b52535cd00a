// Package sse fans server-sent events out to subscribed HTTP clients.
package sse

import (
	"encoding/json"
	"sync"
)

// Event is one server-sent event
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Client is a subscribed connection
type Client struct {
	ID       string
	Channel  chan Event
	Resource string // e.g. owner:<id>
}

// NewClient creates a client with a buffered channel
func NewClient(id, resource string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 32
	}
	return &Client{ID: id, Resource: resource, Channel: make(chan Event, buffer)}
}

// Hub tracks clients per resource
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*Client]struct{})}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.Resource] == nil {
		h.clients[client.Resource] = make(map[*Client]struct{})
	}
	h.clients[client.Resource][client] = struct{}{}
}

// Unregister removes the client and closes its channel
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.clients[client.Resource]
	if !ok {
		return
	}
	if _, exists := clients[client]; !exists {
		return
	}
	delete(clients, client)
	close(client.Channel)
	if len(clients) == 0 {
		delete(h.clients, client.Resource)
	}
}

// Broadcast delivers to every client of resource and returns how many
// received it. Clients with a full buffer are skipped.
func (h *Hub) Broadcast(resource string, event Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.clients[resource] {
		select {
		case client.Channel <- event:
			sent++
		default:
		}
	}
	return sent
}

// ClientCount returns the number of clients subscribed to resource
func (h *Hub) ClientCount(resource string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[resource])
}

// FormatSSE renders the event in text/event-stream framing
func (e Event) FormatSSE() string {
	data, err := json.Marshal(e.Data)
	if err != nil {
		data = []byte("null")
	}
	return "event: " + e.Type + "\ndata: " + string(data) + "\n\n"
}
