package events

import (
	"sync"
	"time"
)

// Event types published on the hub.
const (
	TypeServiceCreated   = "service_created"
	TypeServiceRemoved   = "service_removed"
	TypeServiceAdopted   = "service_adopted"
	TypeDescriptorUpload = "descriptor_upload"
	TypePublishRun       = "publish_run"
)

// Event is one gateway lifecycle notification.
type Event struct {
	Type     string    `json:"type"`
	Hostname string    `json:"hostname,omitempty"`
	Name     string    `json:"name,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

const subscriberBuffer = 16

// Hub fans lifecycle events out to subscribers. Publishing never
// blocks: a subscriber that stops draining loses events.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{
		subs: make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
// The channel is closed by Unsubscribe.
func (h *Hub) Subscribe() (int, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish delivers evt to every subscriber, stamping At when unset
func (h *Hub) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber backlog full, drop
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs)
}
