package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kinetix-coach/internal/coach"
)

type EventKind string

const (
	EventStatus         EventKind = "status"
	EventTranscript     EventKind = "transcript"
	EventUserTranscript EventKind = "user_transcript"
	EventMicrophone     EventKind = "microphone"
	EventCamera         EventKind = "camera"
)

// Event is a push notification for the presentation layer.
type Event struct {
	Kind      EventKind   `json:"kind"`
	SessionID string      `json:"session_id"`
	State     coach.State `json:"state"`
	Text      string      `json:"text,omitempty"`
	Enabled   bool        `json:"enabled"`
	Error     string      `json:"error,omitempty"`
	At        time.Time   `json:"at"`
}

// Hub fans events out to subscribers. A subscriber that is not keeping up
// misses events; publishing never blocks.
type Hub struct {
	buf int

	mu   sync.Mutex
	subs map[chan Event]struct{}

	dropped atomic.Int64
}

func NewHub(buf int) *Hub {
	if buf <= 0 {
		buf = 32
	}
	return &Hub{buf: buf, subs: make(map[chan Event]struct{})}
}

// Subscribe returns an event channel and a function that cancels the
// subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buf)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped counts events lost to slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
