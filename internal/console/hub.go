// Package console is the local operator console: a small HTTP API that
// streams chat turn events over SSE, lets an operator pause the bot, and
// accepts test prompts without going through Discord.
package console

import (
	"sync"
	"time"

	"github.com/clawplaza/monody/internal/chat"
)

const maxHistory = 200

// EventHub fans chat events out to SSE clients. It implements chat.Publisher.
type EventHub struct {
	mu      sync.RWMutex
	clients map[chan chat.Event]struct{}
	history []chat.Event
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{
		clients: make(map[chan chat.Event]struct{}),
		history: make([]chat.Event, 0, maxHistory),
	}
}

// Publish records e and sends it to every subscriber. Subscribers that fall
// behind miss events; Publish never blocks a chat turn.
func (h *EventHub) Publish(e chat.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.history) >= maxHistory {
		h.history = h.history[1:]
	}
	h.history = append(h.history, e)

	for ch := range h.clients {
		select {
		case ch <- e:
		default:
		}
	}
}

// Recent returns a copy of the replay buffer, oldest first.
func (h *EventHub) Recent() []chat.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]chat.Event, len(h.history))
	copy(out, h.history)
	return out
}

// Subscribe returns the buffered history and a channel of live events.
// Call the returned function to unsubscribe.
func (h *EventHub) Subscribe() ([]chat.Event, <-chan chat.Event, func()) {
	ch := make(chan chat.Event, 64)

	h.mu.Lock()
	h.clients[ch] = struct{}{}
	snapshot := make([]chat.Event, len(h.history))
	copy(snapshot, h.history)
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return snapshot, ch, unsubscribe
}

// Subscribers reports how many clients are attached.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
