package observer

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"worldkeep.dev/internal/diag"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(h.WSHandler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, kinds ...string) {
	t.Helper()
	msg := subscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: Version, Kinds: kinds}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) diag.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var m eventMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m.Type != "EVENT" {
		t.Fatalf("message type = %q, want EVENT", m.Type)
	}
	return m.Event
}

func waitSubscribers(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.Subscribers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", h.Subscribers(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	h := NewHub("main", nil)
	conn := dialHub(t, h)
	subscribe(t, conn)
	waitSubscribers(t, h, 1)

	if err := h.WriteEvent(diag.Event{At: time.Now(), Kind: diag.KindSaveCommitted, Pass: "p1"}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	e := readEvent(t, conn)
	if e.Kind != diag.KindSaveCommitted || e.Pass != "p1" {
		t.Fatalf("event = %+v", e)
	}
}

func TestKindFilter(t *testing.T) {
	h := NewHub("main", nil)
	conn := dialHub(t, h)
	subscribe(t, conn, string(diag.KindDanglingRef))
	waitSubscribers(t, h, 1)

	_ = h.WriteEvent(diag.Event{At: time.Now(), Kind: diag.KindTruncatedRecord})
	_ = h.WriteEvent(diag.Event{At: time.Now(), Kind: diag.KindDanglingRef, Serial: 0x40000001})

	e := readEvent(t, conn)
	if e.Kind != diag.KindDanglingRef {
		t.Fatalf("filter let through %q", e.Kind)
	}
}

func TestBadSubscribeClosesConn(t *testing.T) {
	h := NewHub("main", nil)
	conn := dialHub(t, h)
	if err := conn.WriteJSON(subscribeMsg{Type: "HELLO", ProtocolVersion: Version}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection survived a bad handshake")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("subscriber registered despite bad handshake")
	}
}

func TestWrongProtocolVersionRejected(t *testing.T) {
	h := NewHub("main", nil)
	conn := dialHub(t, h)
	if err := conn.WriteJSON(subscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: Version + 1}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection survived a version mismatch")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	h := NewHub("main", nil)
	s := &subscriber{id: 1, out: make(chan []byte, 1)}
	h.add(s)

	_ = h.WriteEvent(diag.Event{Kind: diag.KindSaveStarted})
	_ = h.WriteEvent(diag.Event{Kind: diag.KindSaveCommitted})

	if h.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", h.Dropped())
	}
	if len(s.out) != 1 {
		t.Fatalf("buffered = %d, want 1", len(s.out))
	}
}

func TestBootstrapHandler(t *testing.T) {
	h := NewHub("felucca", nil)
	ts := httptest.NewServer(h.BootstrapHandler())
	t.Cleanup(ts.Close)

	resp, err := ts.Client().Get(ts.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	var b BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if b.ProtocolVersion != Version || b.World != "felucca" {
		t.Fatalf("bootstrap = %+v", b)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:5000", true},
		{"[::1]:5000", true},
		{"10.1.2.3:5000", false},
		{"example.com:80", false},
		{"garbage", false},
	}
	for _, c := range cases {
		if got := isLoopbackRemote(c.addr); got != c.want {
			t.Fatalf("isLoopbackRemote(%q) = %v, want %v", c.addr, got, c.want)
		}
	}
}
