package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"icnaas/pkg/model"
)

const (
	subscriberBuffer = 64
	writeWait        = 5 * time.Second
)

// EventHub fans committed topology events out to websocket subscribers.
// A subscriber that cannot keep up is disconnected.
type EventHub struct {
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	conn  *websocket.Conn
	types map[model.EventType]bool
	out   chan model.Event
	once  sync.Once
}

func (s *subscriber) wants(t model.EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

func NewEventHub(log zerolog.Logger) *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:  log.With().Str("component", "events").Logger(),
		subs: map[*subscriber]struct{}{},
	}
}

// Publish queues ev for every interested subscriber without blocking.
func (h *EventHub) Publish(ev model.Event) {
	h.mu.RLock()
	var slow []*subscriber
	for s := range h.subs {
		if !s.wants(ev.Type) {
			continue
		}
		select {
		case s.out <- ev:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range slow {
		h.log.Warn().Str("remote", s.conn.RemoteAddr().String()).Msg("event subscriber too slow, dropping")
		h.drop(s)
	}
}

// Subscribers is the number of connected subscribers.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and streams events as JSON messages.
// Repeated ?type= parameters restrict the stream to those event types.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("event subscriber upgrade failed")
		return
	}
	s := &subscriber{conn: c, out: make(chan model.Event, subscriberBuffer)}
	if ts := r.URL.Query()["type"]; len(ts) > 0 {
		s.types = map[model.EventType]bool{}
		for _, t := range ts {
			s.types[model.EventType(t)] = true
		}
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = c.Close()
		return
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	h.log.Info().Str("remote", c.RemoteAddr().String()).Msg("event subscriber connected")

	go h.writeLoop(s)
	go h.readLoop(s)
}

func (h *EventHub) writeLoop(s *subscriber) {
	defer h.drop(s)
	for ev := range s.out {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// readLoop discards client frames and notices when the peer goes away.
func (h *EventHub) readLoop(s *subscriber) {
	defer h.drop(s)
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *EventHub) drop(s *subscriber) {
	s.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
		close(s.out)
		_ = s.conn.Close()
		h.log.Info().Str("remote", s.conn.RemoteAddr().String()).Msg("event subscriber disconnected")
	})
}

// Close disconnects every subscriber and refuses new ones.
func (h *EventHub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		h.drop(s)
	}
}
