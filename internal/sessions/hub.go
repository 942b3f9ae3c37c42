package sessions

import (
	"sync"

	"github.com/metacog-lab/backend/internal/models"
)

// Hub fans live session events out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan models.LiveEvent]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan models.LiveEvent]struct{})}
}

// Subscribe registers for events of sessionID. The returned cancel func
// unregisters and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(sessionID string, buffer int) (<-chan models.LiveEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan models.LiveEvent, buffer)

	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[chan models.LiveEvent]struct{})
		h.subs[sessionID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() { h.remove(sessionID, ch) }
}

func (h *Hub) remove(sessionID string, ch chan models.LiveEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(h.subs, sessionID)
	}
}

// Publish delivers ev to every current subscriber of ev.SessionID.
func (h *Hub) Publish(ev models.LiveEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// CloseSession closes every subscription of sessionID.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[sessionID] {
		close(ch)
	}
	delete(h.subs, sessionID)
}

// Subscribers counts open subscriptions for sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}
