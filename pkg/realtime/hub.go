// Package realtime provides the in-process broadcast channel the plugin
// core announces lifecycle events on and hands to plugin initialize calls.
package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// Event is a single broadcast message.
type Event struct {
	Room    string      `json:"room"`
	Name    string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// Broadcaster is the publish interface consumed by the plugin core and by
// plugin code itself.
type Broadcaster interface {
	EmitToRoom(room, event string, payload interface{})
}

// Hub is an in-process Broadcaster with room-scoped subscriptions.
// Subscribers receive on buffered channels; a slow subscriber drops events
// rather than blocking the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[string]chan Event // room -> subscriber id -> channel
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[string]chan Event)}
}

// Subscribe registers a subscriber for a room and returns the event channel
// together with an unsubscribe function.
func (h *Hub) Subscribe(room string) (<-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, 32)

	h.mu.Lock()
	if h.subs[room] == nil {
		h.subs[room] = make(map[string]chan Event)
	}
	h.subs[room][id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.subs[room]; ok {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(h.subs, room)
			}
		}
	}
}

// EmitToRoom implements Broadcaster. Never blocks.
func (h *Hub) EmitToRoom(room, event string, payload interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[room] {
		select {
		case ch <- Event{Room: room, Name: event, Payload: payload}:
		default:
		}
	}
}

// SubscriberCount returns the number of subscribers in a room.
func (h *Hub) SubscriberCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[room])
}
