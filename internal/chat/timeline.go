package chat

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// HistorySource returns the ordered exchanges stored for a persisted room.
type HistorySource interface {
	History(ctx context.Context, roomID string) ([]Exchange, error)
}

// Timeline is the ordered message sequence of the current room.
type Timeline struct {
	source HistorySource

	mu     sync.RWMutex
	roomID string
	msgs   []Message
}

func NewTimeline(source HistorySource) *Timeline {
	return &Timeline{source: source}
}

// LoadHistory fetches and expands the room's exchanges. It does not touch the
// in-memory sequence; callers install the result with Replace.
func (t *Timeline) LoadHistory(ctx context.Context, roomID string) ([]Message, error) {
	exchanges, err := t.source.History(ctx, roomID)
	if err != nil {
		return nil, errors.Wrapf(err, "load history for room %s", roomID)
	}
	return ExpandExchanges(roomID, exchanges), nil
}

// ExpandExchanges turns each exchange into a user message followed by an
// assistant message, both stamped with the exchange timestamp.
func ExpandExchanges(roomID string, exchanges []Exchange) []Message {
	out := make([]Message, 0, len(exchanges)*2)
	for _, ex := range exchanges {
		out = append(out,
			newMessage(RoleUser, roomID, ex.Query, ex.Timestamp),
			newMessage(RoleAssistant, roomID, ex.Response, ex.Timestamp),
		)
	}
	return out
}

func (t *Timeline) Replace(roomID string, msgs []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roomID = roomID
	t.msgs = append([]Message(nil), msgs...)
}

// Reset empties the timeline and assigns it to roomID.
func (t *Timeline) Reset(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roomID = roomID
	t.msgs = nil
}

func (t *Timeline) Clear() {
	t.Reset("")
}

// Rebind moves the timeline to a new room id without dropping messages. Used
// when an ephemeral room is promoted in place.
func (t *Timeline) Rebind(fromID, toID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.roomID != fromID {
		return
	}
	t.roomID = toID
	for i := range t.msgs {
		t.msgs[i].RoomID = toID
	}
}

// Append adds m at the end. Messages for another room are refused.
func (t *Timeline) Append(m Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.RoomID != t.roomID {
		return false
	}
	t.msgs = append(t.msgs, m)
	return true
}

// ToggleFeedback applies the tri-state toggle to an assistant message.
// Unknown ids and user messages are left alone.
func (t *Timeline) ToggleFeedback(id string, value Feedback) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.msgs {
		m := &t.msgs[i]
		if m.ID != id {
			continue
		}
		if m.Role != RoleAssistant {
			return *m, false
		}
		if m.Feedback == value {
			m.Feedback = FeedbackNone
		} else {
			m.Feedback = value
		}
		return *m, true
	}
	return Message{}, false
}

func (t *Timeline) RoomID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.roomID
}

func (t *Timeline) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Message(nil), t.msgs...)
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}
