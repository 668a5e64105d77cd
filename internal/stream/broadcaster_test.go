package stream

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ivugurura/radio-sync/internal/listeners"
)

type fakeConn struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	flushes int
	failAt  int // fail once this many bytes were written; 0 disables
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAt > 0 && c.buf.Len()+len(p) > c.failAt {
		return 0, errors.New("broken pipe")
	}
	return c.buf.Write(p)
}

func (c *fakeConn) Flush() error {
	c.mu.Lock()
	c.flushes++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func pushAll(t *testing.T, b *Broadcaster, epoch uint64, parts ...string) {
	t.Helper()
	for _, p := range parts {
		if !b.Push(epoch, []byte(p)) {
			t.Fatalf("push %q rejected", p)
		}
	}
}

// streamUntilDone runs s.Stream in the background and returns its result channel.
func streamUntilDone(s *Subscription, conn Conn) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- s.Stream(context.Background(), conn) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not return")
		return nil
	}
}

func TestAttachReplaysFromElapsedOffset(t *testing.T) {
	b := NewBroadcaster()
	epoch := b.Begin("X", 0)
	pushAll(t, b, epoch, "0123", "4567", "89")

	tests := []struct {
		name    string
		elapsed time.Duration
		want    string
	}{
		{"start of track", 0, "0123456789"},
		{"mid chunk", 500 * time.Millisecond, "56789"},
		{"chunk boundary", 400 * time.Millisecond, "456789"},
		{"floor of fractional byte", 290 * time.Millisecond, "23456789"},
		{"past buffered end", 3 * time.Second, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := b.Attach(epoch, tt.elapsed, 10, listeners.New(net.ParseIP("10.0.0.1"), "test", "web"))
			if err != nil {
				t.Fatalf("Attach: %v", err)
			}
			conn := &fakeConn{}
			errc := streamUntilDone(sub, conn)
			b.Detach(sub)
			if err := waitErr(t, errc); err != nil {
				t.Fatalf("Stream: %v", err)
			}
			if got := conn.String(); got != tt.want {
				t.Errorf("replay = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAttachErrors(t *testing.T) {
	b := NewBroadcaster()
	if _, err := b.Attach(0, 0, 10, nil); !errors.Is(err, ErrNoActiveTrack) {
		t.Errorf("inactive: got %v, want ErrNoActiveTrack", err)
	}

	epoch := b.Begin("X", 0)
	if _, err := b.Attach(epoch, 0, 10, nil); !errors.Is(err, ErrBufferEmpty) {
		t.Errorf("empty buffer: got %v, want ErrBufferEmpty", err)
	}
	pushAll(t, b, epoch, "abc")
	if _, err := b.Attach(epoch-1, 0, 10, nil); !errors.Is(err, ErrStaleTrack) {
		t.Errorf("stale epoch: got %v, want ErrStaleTrack", err)
	}
	if b.Push(epoch+1, []byte("zzz")) {
		t.Error("push with a future epoch should be rejected")
	}
}

func TestBufferCapEvictsFromFront(t *testing.T) {
	b := NewBroadcaster()
	epoch := b.Begin("X", 6)
	pushAll(t, b, epoch, "0123", "4567", "89")

	retained, evicted := b.Buffered()
	if retained != 6 || evicted != 4 {
		t.Fatalf("Buffered() = %d, %d; want 6, 4", retained, evicted)
	}

	if _, err := b.Attach(epoch, 200*time.Millisecond, 10, nil); !errors.Is(err, ErrOutsideWindow) {
		t.Errorf("evicted offset: got %v, want ErrOutsideWindow", err)
	}

	sub, err := b.Attach(epoch, 500*time.Millisecond, 10, nil)
	if err != nil {
		t.Fatalf("Attach inside window: %v", err)
	}
	conn := &fakeConn{}
	errc := streamUntilDone(sub, conn)
	b.Detach(sub)
	waitErr(t, errc)
	if got := conn.String(); got != "56789" {
		t.Errorf("replay = %q, want 56789", got)
	}
}

func TestLiveChunksReachEveryListener(t *testing.T) {
	b := NewBroadcaster()
	epoch := b.Begin("X", 0)
	pushAll(t, b, epoch, "ab")

	subA, _ := b.AttachLive(epoch, nil)
	subB, _ := b.Attach(epoch, 0, 10, nil)
	connA, connB := &fakeConn{}, &fakeConn{}
	errA := streamUntilDone(subA, connA)
	errB := streamUntilDone(subB, connB)

	pushAll(t, b, epoch, "cd")
	b.Detach(subA)
	waitErr(t, errA)

	pushAll(t, b, epoch, "ef")
	b.End()
	waitErr(t, errB)

	if got := connA.String(); got != "cd" {
		t.Errorf("live listener got %q, want cd", got)
	}
	if got := connB.String(); got != "abcdef" {
		t.Errorf("replaying listener got %q, want abcdef", got)
	}
}

func TestSlowListenerIsEvicted(t *testing.T) {
	var counts []int
	var mu sync.Mutex
	b := NewBroadcaster(WithListenerQueueSize(2), WithCountHook(func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	}))
	epoch := b.Begin("X", 0)
	pushAll(t, b, epoch, "a")

	slow, _ := b.AttachLive(epoch, listeners.New(net.ParseIP("10.0.0.2"), "test", "web"))
	fast, _ := b.AttachLive(epoch, nil)
	fastConn := &fakeConn{}
	fastErr := streamUntilDone(fast, fastConn)

	// nobody drains slow, so its queue fills after two chunks
	for i := 0; i < 4; i++ {
		pushAll(t, b, epoch, "x")
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow listener should have been dropped")
	}
	if b.Count() != 1 {
		t.Errorf("Count() = %d, want 1", b.Count())
	}
	if slow.Listener.Connected() {
		t.Error("dropped listener should be marked disconnected")
	}

	b.End()
	waitErr(t, fastErr)
	if got := fastConn.String(); got != "xxxx" {
		t.Errorf("fast listener got %q, want xxxx", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(counts) == 0 || counts[len(counts)-1] != 0 {
		t.Errorf("count hook history %v should end at 0", counts)
	}
}

func TestWriteFailureDetaches(t *testing.T) {
	b := NewBroadcaster()
	epoch := b.Begin("X", 0)
	pushAll(t, b, epoch, "abcd")

	sub, _ := b.Attach(epoch, 0, 10, nil)
	errc := streamUntilDone(sub, &fakeConn{failAt: 2})
	if err := waitErr(t, errc); err == nil {
		t.Fatal("expected write error")
	}
	if b.Count() != 0 {
		t.Errorf("Count() = %d after failed write, want 0", b.Count())
	}
}

func TestBeginResetsPreviousTrack(t *testing.T) {
	store := listeners.NewStore()
	b := NewBroadcaster(WithListenerStore(store))
	first := b.Begin("X", 0)
	pushAll(t, b, first, "old")
	l := listeners.New(net.ParseIP("10.0.0.3"), "test", "web")
	sub, _ := b.Attach(first, 0, 10, l)
	if l.JoinedTrackID != "X" {
		t.Errorf("JoinedTrackID = %q, want X", l.JoinedTrackID)
	}
	if _, ok := store.Get(l.ID); !ok {
		t.Error("attached listener should be recorded in the store")
	}

	second := b.Begin("Y", 0)
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription of the previous track should be closed")
	}
	if b.Push(first, []byte("late")) {
		t.Error("chunk from the previous track should be rejected")
	}
	pushAll(t, b, second, "new")
	if retained, evicted := b.Buffered(); retained != 3 || evicted != 0 {
		t.Errorf("Buffered() = %d, %d; want 3, 0", retained, evicted)
	}
}
