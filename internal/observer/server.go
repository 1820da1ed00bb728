// Package observer serves the live diagnostics feed to loopback
// websocket clients. It is an ops window, not a public surface: slow
// subscribers lose events rather than ever blocking a save or load.
package observer

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"worldkeep.dev/internal/diag"
)

// Version of the subscribe protocol.
const Version = 1

type subscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion int      `json:"protocol_version"`
	Kinds           []string `json:"kinds,omitempty"` // empty means everything
}

type eventMsg struct {
	Type  string     `json:"type"`
	Event diag.Event `json:"event"`
}

// BootstrapResponse describes the feed to a client before it subscribes.
type BootstrapResponse struct {
	ProtocolVersion int    `json:"protocol_version"`
	World           string `json:"world"`
	Subscribers     int    `json:"subscribers"`
	EventsDropped   uint64 `json:"events_dropped"`
}

type subscriber struct {
	id    uint64
	out   chan []byte
	kinds map[diag.Kind]bool // nil means all
}

func (s *subscriber) wants(k diag.Kind) bool {
	return s.kinds == nil || s.kinds[k]
}

// Hub fans diagnostic events out to websocket subscribers. It
// implements the diagnostics sink.
type Hub struct {
	world string
	log   *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	dropped  atomic.Uint64

	mu   sync.Mutex
	subs map[uint64]*subscriber
}

func NewHub(world string, logger *log.Logger) *Hub {
	return &Hub{
		world: world,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
		subs: make(map[uint64]*subscriber),
	}
}

// WriteEvent fans e out to every interested subscriber without blocking.
func (h *Hub) WriteEvent(e diag.Event) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) == 0 {
		return nil
	}
	b, err := json.Marshal(eventMsg{Type: "EVENT", Event: e})
	if err != nil {
		return err
	}
	for _, s := range h.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.out <- b:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	h.subs[s.id] = s
	h.mu.Unlock()
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

func (h *Hub) setKinds(id uint64, kinds map[diag.Kind]bool) {
	h.mu.Lock()
	if s, ok := h.subs[id]; ok {
		s.kinds = kinds
	}
	h.mu.Unlock()
}

func parseKinds(names []string) map[diag.Kind]bool {
	if len(names) == 0 {
		return nil
	}
	m := make(map[diag.Kind]bool, len(names))
	for _, n := range names {
		m[diag.Kind(n)] = true
	}
	return m
}

func (h *Hub) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := BootstrapResponse{
			ProtocolVersion: Version,
			World:           h.world,
			Subscribers:     h.Subscribers(),
			EventsDropped:   h.Dropped(),
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (h *Hub) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub subscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		s := &subscriber{
			id:    h.nextID.Add(1),
			out:   make(chan []byte, 4096),
			kinds: parseKinds(sub.Kinds),
		}
		h.add(s)
		defer h.remove(s.id)
		if h.log != nil {
			h.log.Printf("observer %d subscribed (%d active)", s.id, h.Subscribers())
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-s.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates to change the kind filter.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var sub subscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				continue
			}
			if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != Version {
				continue
			}
			h.setKinds(s.id, parseKinds(sub.Kinds))
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
