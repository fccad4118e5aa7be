package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// TypeProgress is the event type used for call progress.
const TypeProgress = "call.progress"

type Event struct {
	ID      int64     `json:"id"`
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Session string    `json:"session,omitempty"`
	Data    []byte    `json:"data"` // JSON payload
}

type subscriber struct {
	ch      chan Event
	session string
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
//
// Lifecycle events are broadcast to every subscriber and kept in the ring.
// Progress events are delivered only to subscribers of the active UI session
// and are never buffered; with no active session they are dropped.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]*subscriber
	nextSubID int

	active  string
	history []string
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]*subscriber),
	}
}

func (h *Hub) Publish(eventType string, data any) {
	ev := h.newEvent(eventType, data)

	h.mu.Lock()
	ev.ID = h.nextID.Add(1)
	h.pushLocked(ev)
	for _, sub := range h.subs {
		// Don't let slow clients block producers.
		select {
		case sub.ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// PublishProgress delivers a progress event to the active session. It reports
// whether a session was there to receive it.
func (h *Hub) PublishProgress(data any) bool {
	ev := h.newEvent(TypeProgress, data)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.active == "" {
		return false
	}
	ev.ID = h.nextID.Add(1)
	ev.Session = h.active
	for _, sub := range h.subs {
		if sub.session != h.active {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
	return true
}

// newEvent encodes data. The caller assigns ID while holding h.mu so IDs
// follow ring and delivery order.
func (h *Hub) newEvent(eventType string, data any) Event {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}
	return Event{
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
}

// Subscribe registers a lifecycle-only subscriber.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	return h.Attach("")
}

// Attach registers a subscriber for session. A non-empty session becomes the
// active UI session; the most recent attach wins. When the active session's
// last subscriber leaves, the previously attached session still connected
// (if any) becomes active again.
func (h *Hub) Attach(session string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = &subscriber{ch: ch, session: session}
	if session != "" {
		h.active = session
		h.history = append(h.history, session)
	}

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub.ch)
			if sub.session != "" {
				h.dropSessionLocked(sub.session)
			}
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

func (h *Hub) dropSessionLocked(session string) {
	for _, sub := range h.subs {
		if sub.session == session {
			return
		}
	}
	kept := h.history[:0]
	for _, s := range h.history {
		if s != session {
			kept = append(kept, s)
		}
	}
	h.history = kept
	if h.active == session {
		h.active = ""
		if n := len(h.history); n > 0 {
			h.active = h.history[n-1]
		}
	}
}

// ActiveSession returns the session receiving progress, or "".
func (h *Hub) ActiveSession() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Subscribers counts live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
