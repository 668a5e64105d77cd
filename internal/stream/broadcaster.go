package stream

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/ivugurura/radio-sync/internal/listeners"
)

// Conn is the write side of a listener connection.
type Conn interface {
	Write(p []byte) (int, error)
	Flush() error
	SetWriteDeadline(t time.Time) error
}

var errSlowListener = errors.New("listener queue overflow")

// Broadcaster keeps the resync buffer for the current track and fans every
// new chunk out to the attached listeners. Each listener has its own queue,
// drained by its own goroutine, so a slow connection never blocks Push.
type Broadcaster struct {
	mu      sync.Mutex
	active  bool
	epoch   uint64
	trackID string

	chunks  [][]byte
	size    int   // bytes retained in chunks
	evicted int64 // bytes dropped from the front of the track
	limit   int

	subs      map[*Subscription]struct{}
	queueSize int

	writeTimeout time.Duration
	store        *listeners.Store
	onCount      func(count int)
}

type BroadcasterOption func(*Broadcaster)

func WithListenerQueueSize(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

func WithWriteTimeout(d time.Duration) BroadcasterOption {
	return func(b *Broadcaster) { b.writeTimeout = d }
}

// WithListenerStore records every attached listener session in s.
func WithListenerStore(s *listeners.Store) BroadcasterOption {
	return func(b *Broadcaster) { b.store = s }
}

// WithCountHook is called, outside the lock, whenever the listener count changes.
func WithCountHook(f func(count int)) BroadcasterOption {
	return func(b *Broadcaster) { b.onCount = f }
}

func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		subs:         make(map[*Subscription]struct{}),
		queueSize:    256,
		writeTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Begin resets the buffer for a new track and returns the epoch that chunks
// and joins for this track must carry.
func (b *Broadcaster) Begin(trackID string, limitBytes int) uint64 {
	b.mu.Lock()
	closed := b.resetLocked()
	b.active = true
	b.epoch++
	b.trackID = trackID
	b.limit = limitBytes
	epoch := b.epoch
	b.mu.Unlock()

	b.finish(closed, nil)
	return epoch
}

// End clears the buffer and disconnects every listener.
func (b *Broadcaster) End() {
	b.mu.Lock()
	closed := b.resetLocked()
	b.active = false
	b.epoch++
	b.trackID = ""
	b.mu.Unlock()

	b.finish(closed, nil)
}

func (b *Broadcaster) resetLocked() []*Subscription {
	closed := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		closed = append(closed, s)
	}
	b.subs = make(map[*Subscription]struct{})
	b.chunks = nil
	b.size = 0
	b.evicted = 0
	return closed
}

// Push appends chunk to the buffer and queues it for every listener. It
// reports false when the epoch is no longer current and the chunk was dropped.
func (b *Broadcaster) Push(epoch uint64, chunk []byte) bool {
	if len(chunk) == 0 {
		return true
	}
	b.mu.Lock()
	if !b.active || epoch != b.epoch {
		b.mu.Unlock()
		return false
	}
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
	for b.limit > 0 && b.size > b.limit && len(b.chunks) > 1 {
		head := b.chunks[0]
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
		b.size -= len(head)
		b.evicted += int64(len(head))
	}

	var slow []*Subscription
	for s := range b.subs {
		select {
		case s.ch <- chunk:
		default:
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		delete(b.subs, s)
	}
	b.mu.Unlock()

	if len(slow) > 0 {
		b.finish(slow, errSlowListener)
	}
	return true
}

// Attach joins a listener elapsed into the current track. The replay starts
// at byte floor(elapsed * bytesPerSec) of the track so it lines up with
// wall-clock playback; a target past the buffered end joins at the live edge.
func (b *Broadcaster) Attach(epoch uint64, elapsed time.Duration, bytesPerSec int, l *listeners.Listener) (*Subscription, error) {
	target := int64(math.Floor(elapsed.Seconds() * float64(bytesPerSec)))
	if target < 0 {
		target = 0
	}
	return b.attach(epoch, target, false, l)
}

// AttachLive joins at the live edge with no replay.
func (b *Broadcaster) AttachLive(epoch uint64, l *listeners.Listener) (*Subscription, error) {
	return b.attach(epoch, 0, true, l)
}

func (b *Broadcaster) attach(epoch uint64, target int64, live bool, l *listeners.Listener) (*Subscription, error) {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return nil, ErrNoActiveTrack
	}
	if epoch != b.epoch {
		b.mu.Unlock()
		return nil, ErrStaleTrack
	}
	if b.size == 0 {
		b.mu.Unlock()
		return nil, ErrBufferEmpty
	}

	var replay [][]byte
	if !live {
		if target < b.evicted {
			b.mu.Unlock()
			return nil, ErrOutsideWindow
		}
		replay = b.replayFromLocked(target)
	}

	s := &Subscription{
		Listener: l,
		TrackID:  b.trackID,
		replay:   replay,
		ch:       make(chan []byte, b.queueSize),
		done:     make(chan struct{}),
		b:        b,
	}
	b.subs[s] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()

	if l != nil {
		l.JoinedTrackID = s.TrackID
		if b.store != nil {
			b.store.Add(l)
		}
	}
	b.notify(count)
	return s, nil
}

// replayFromLocked returns the buffered bytes from absolute offset target on.
// The first chunk is re-sliced, never copied, since chunks are immutable.
func (b *Broadcaster) replayFromLocked(target int64) [][]byte {
	pos := b.evicted
	for i, c := range b.chunks {
		end := pos + int64(len(c))
		if end > target {
			out := make([][]byte, 0, len(b.chunks)-i)
			out = append(out, c[target-pos:])
			return append(out, b.chunks[i+1:]...)
		}
		pos = end
	}
	return nil
}

// Detach removes s from the listener set. It is safe to call more than once.
func (b *Broadcaster) Detach(s *Subscription) {
	b.detach(s, nil)
}

func (b *Broadcaster) detach(s *Subscription, reason error) {
	b.mu.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	b.mu.Unlock()
	if ok {
		b.finish([]*Subscription{s}, reason)
	} else {
		s.close(reason)
	}
}

// finish closes subscriptions already removed from the set and reports the new count.
func (b *Broadcaster) finish(subs []*Subscription, reason error) {
	if len(subs) == 0 {
		return
	}
	for _, s := range subs {
		s.close(reason)
		if reason != nil && s.Listener != nil {
			log.Printf("Broadcaster: dropping listener %s: %v", s.Listener.ID, reason)
		}
	}
	b.notify(b.Count())
}

func (b *Broadcaster) notify(count int) {
	if b.onCount != nil {
		b.onCount(count)
	}
}

func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Buffered returns the retained byte count and how many bytes were evicted.
func (b *Broadcaster) Buffered() (retained int, evicted int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size, b.evicted
}

// Subscription is one attached listener.
type Subscription struct {
	Listener *listeners.Listener
	TrackID  string

	replay [][]byte
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
	err    error
	b      *Broadcaster
}

func (s *Subscription) close(reason error) {
	s.once.Do(func() {
		s.err = reason
		if s.Listener != nil {
			s.Listener.MarkDisconnected()
		}
		close(s.done)
	})
}

// Done is closed once the subscription leaves the listener set.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Stream writes the replay and then every live chunk to conn until the
// track changes, ctx ends or a write fails. Failures detach the listener.
func (s *Subscription) Stream(ctx context.Context, conn Conn) error {
	defer s.b.Detach(s)

	for _, chunk := range s.replay {
		if err := s.write(conn, chunk); err != nil {
			return err
		}
	}
	s.replay = nil

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk := <-s.ch:
			if err := s.write(conn, chunk); err != nil {
				return err
			}
		case <-s.done:
			// drain what was queued before the track ended
			for {
				select {
				case chunk := <-s.ch:
					if err := s.write(conn, chunk); err != nil {
						return err
					}
				default:
					return s.err
				}
			}
		}
	}
}

func (s *Subscription) write(conn Conn, chunk []byte) error {
	if s.b.writeTimeout > 0 {
		// connections that cannot set deadlines still get queue-overflow eviction
		_ = conn.SetWriteDeadline(time.Now().Add(s.b.writeTimeout))
	}
	n, err := conn.Write(chunk)
	if s.Listener != nil {
		s.Listener.BytesSent.Add(int64(n))
	}
	if err != nil {
		return err
	}
	return conn.Flush()
}
