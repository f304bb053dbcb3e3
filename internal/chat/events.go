package chat

import (
	"sync"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventRooms         EventKind = "rooms"
	EventTimeline      EventKind = "timeline"
	EventConnection    EventKind = "connection"
	EventNotice        EventKind = "notice"
	EventNoticeCleared EventKind = "notice_cleared"
)

// Event is a state-change signal for the UI layer. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind          EventKind  `json:"kind"`
	Rooms         []RoomView `json:"rooms,omitempty"`
	Current       string     `json:"current,omitempty"`
	Messages      []Message  `json:"messages,omitempty"`
	AwaitingReply bool       `json:"awaiting_reply,omitempty"`
	Connection    string     `json:"connection,omitempty"`
	Notice        *Notice    `json:"notice,omitempty"`
}

type Subscriber struct {
	ID     string
	Events chan Event
}

// Hub fans events out to subscribers. A subscriber whose buffer is full
// misses the event; the core never blocks on a slow reader.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*Subscriber
}

func NewHub() *Hub {
	return &Hub{subs: map[string]*Subscriber{}}
}

func (h *Hub) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &Subscriber{ID: uuid.NewString(), Events: make(chan Event, buffer)}
	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.ID]; ok {
		delete(h.subs, sub.ID)
		close(sub.Events)
	}
}

func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.Events <- ev:
		default:
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
