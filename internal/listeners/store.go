package listeners

import (
	"sync"
	"time"

	"github.com/samber/lo"
)

// Store keeps active and recently disconnected sessions until they are
// reported and pruned.
type Store struct {
	mu        sync.RWMutex
	listeners map[string]*Listener
}

func NewStore() *Store {
	return &Store{
		listeners: make(map[string]*Listener),
	}
}

func (s *Store) Add(l *Listener) {
	s.mu.Lock()
	s.listeners[l.ID] = l
	s.mu.Unlock()
}

func (s *Store) Get(id string) (*Listener, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listeners[id]
	return l, ok
}

// Disconnect marks the session ended but keeps it for reporting.
func (s *Store) Disconnect(id string) {
	s.mu.RLock()
	l, ok := s.listeners[id]
	s.mu.RUnlock()
	if ok {
		l.MarkDisconnected()
	}
}

func (s *Store) All() []*Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Values(s.listeners)
}

func (s *Store) Active() []*Listener {
	return lo.Filter(s.All(), func(l *Listener, _ int) bool {
		return l.Connected()
	})
}

// Prune drops sessions that ended before cutoff and returns how many were removed.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, l := range s.listeners {
		if t := l.DisconnectedAt.Load(); t != nil && t.Before(cutoff) {
			delete(s.listeners, id)
			removed++
		}
	}
	return removed
}

// Remove drops the given sessions and returns how many were present.
func (s *Store) Remove(ids ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, id := range ids {
		if _, ok := s.listeners[id]; ok {
			delete(s.listeners, id)
			removed++
		}
	}
	return removed
}
