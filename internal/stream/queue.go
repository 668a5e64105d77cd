package stream

import "sync"

// Queue is the ordered list of tracks waiting to be played. Insertion order
// is play order; indices shift down after a removal.
type Queue struct {
	mu     sync.RWMutex
	tracks []Track
}

func NewQueue() *Queue {
	return &Queue{tracks: make([]Track, 0)}
}

func (q *Queue) Enqueue(t Track) {
	q.mu.Lock()
	q.tracks = append(q.tracks, t)
	q.mu.Unlock()
}

// DequeueNext removes and returns the head. The boolean is false when the
// queue is empty.
func (q *Queue) DequeueNext() (Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tracks) == 0 {
		return Track{}, false
	}
	t := q.tracks[0]
	q.tracks[0] = Track{}
	q.tracks = q.tracks[1:]
	return t, true
}

func (q *Queue) RemoveAt(i int) (Track, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i >= len(q.tracks) {
		return Track{}, ErrIndexOutOfRange
	}
	t := q.tracks[i]
	q.tracks = append(q.tracks[:i:i], q.tracks[i+1:]...)
	return t, nil
}

func (q *Queue) Clear() {
	q.mu.Lock()
	q.tracks = make([]Track, 0)
	q.mu.Unlock()
}

func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tracks)
}

// Snapshot returns a copy safe to hand to observers.
func (q *Queue) Snapshot() []Track {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Track, len(q.tracks))
	copy(out, q.tracks)
	return out
}
