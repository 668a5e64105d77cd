package events

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestPublishFansOut(t *testing.T) {
	h := NewHub(4)
	a := h.Subscribe()
	b := h.Subscribe()
	defer a.Close()
	defer b.Close()

	h.Publish("queueChanged", map[string]int{"length": 1})

	for _, s := range []*Subscriber{a, b} {
		select {
		case ev := <-s.C:
			if ev.Type != "queueChanged" {
				t.Errorf("Expected queueChanged, got %s", ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	h := NewHub(1)
	s := h.Subscribe()
	defer s.Close()

	h.Publish("progress", 1)
	h.Publish("progress", 2)
	h.Publish("progress", 3)

	if got := s.Dropped(); got != 2 {
		t.Errorf("Expected 2 dropped events, got %d", got)
	}
	ev := <-s.C
	if ev.Data != 1 {
		t.Errorf("Expected the first event to be kept, got %v", ev.Data)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := NewHub(1)
	s := h.Subscribe()
	s.Close()
	s.Close()

	if _, ok := <-s.C; ok {
		t.Error("channel should be closed")
	}
	if h.Subscribers() != 0 {
		t.Errorf("Expected 0 subscribers, got %d", h.Subscribers())
	}
	h.Publish("progress", nil) // must not panic on a closed subscriber
}

func TestServeWSGreetsAndStreams(t *testing.T) {
	h := NewHub(8)
	h.SetGreeting(func() []Event {
		return []Event{{Type: "stateChanged", Data: "idle"}}
	})
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var greeting Event
	if err := conn.ReadJSON(&greeting); err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if greeting.Type != "stateChanged" {
		t.Errorf("Expected stateChanged greeting, got %s", greeting.Type)
	}

	deadline := time.Now().Add(time.Second)
	for h.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.Publish("trackStarted", map[string]string{"id": "abc"})

	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != "trackStarted" {
		t.Errorf("Expected trackStarted, got %s", ev.Type)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)

	r.Header.Set("Origin", "http://localhost:3000")
	if !check(r) {
		t.Error("configured origin should be accepted")
	}
	r.Header.Set("Origin", "http://evil.example")
	if check(r) {
		t.Error("unknown origin should be rejected")
	}
}
