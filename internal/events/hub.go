// Package events fans named notifications out to observers: websocket
// clients and in-process subscribers. Delivery is best-effort; a subscriber
// that falls behind loses events rather than slowing the publisher.
package events

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	Time time.Time `json:"time"`
}

type Subscriber struct {
	C <-chan Event

	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
	hub     *Hub
}

// Dropped counts events lost because C was full.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes C.
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s)
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscriber]struct{}
	bufSize int

	// greeting builds the events a new websocket client receives first
	greeting func() []Event
	upgrader websocket.Upgrader
}

// NewHub creates a hub whose websocket endpoint accepts the given origins.
// An empty list or "*" accepts any origin.
func NewHub(bufSize int, allowedOrigins ...string) *Hub {
	if bufSize <= 0 {
		bufSize = 64
	}
	h := &Hub{
		subs:    make(map[*Subscriber]struct{}),
		bufSize: bufSize,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

func (h *Hub) SetGreeting(f func() []Event) {
	h.mu.Lock()
	h.greeting = f
	h.mu.Unlock()
}

func (h *Hub) Subscribe() *Subscriber {
	ch := make(chan Event, h.bufSize)
	s := &Subscriber{C: ch, ch: ch, hub: h}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) unsubscribe(s *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if ok {
		s.once.Do(func() { close(s.ch) })
	}
}

// Publish never blocks.
func (h *Hub) Publish(typ string, data any) {
	ev := Event{Type: typ, Data: data, Time: time.Now().UTC()}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) greet() []Event {
	h.mu.RLock()
	f := h.greeting
	h.mu.RUnlock()
	if f == nil {
		return nil
	}
	return f()
}
