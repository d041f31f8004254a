package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Message is a live update pushed to an account's open connections.
type Message struct {
	Type   string         `json:"type"`
	Entity string         `json:"entity"`
	Action string         `json:"action"`
	ID     int64          `json:"id,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// NewMessage creates a Message with the Type field derived from entity and action.
func NewMessage(entity, action string, id int64, extra map[string]any) Message {
	return Message{
		Type:   fmt.Sprintf("%s_%s", entity, action),
		Entity: entity,
		Action: action,
		ID:     id,
		Extra:  extra,
	}
}

// ConnectionGauge is notified as connections come and go.
type ConnectionGauge interface {
	ConnectionOpened()
	ConnectionClosed()
}

// Hub tracks open connections per account.
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]map[*Client]struct{}
	logger  *slog.Logger
	gauge   ConnectionGauge
}

type HubOption func(*Hub)

func WithGauge(g ConnectionGauge) HubOption {
	return func(h *Hub) { h.gauge = g }
}

func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		clients: make(map[int64]map[*Client]struct{}),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.accountID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.accountID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	if h.gauge != nil {
		h.gauge.ConnectionOpened()
	}
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	set := h.clients[c.accountID]
	_, ok := set[c]
	if ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.accountID)
		}
		close(c.send)
	}
	h.mu.Unlock()

	if ok && h.gauge != nil {
		h.gauge.ConnectionClosed()
	}
}

// Publish sends msg to every connection of one account.
func (h *Hub) Publish(accountID int64, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal live update", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[accountID] {
		select {
		case c.send <- data:
		default:
			// Slow reader; drop rather than block the publisher.
			h.logger.Debug("live update dropped", "account_id", accountID, "type", msg.Type)
		}
	}
}

// ClientCount returns the number of connected clients across all accounts.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}
