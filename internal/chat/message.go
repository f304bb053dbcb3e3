package chat

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Feedback is a client-side annotation on assistant messages.
type Feedback string

const (
	FeedbackNone Feedback = ""
	FeedbackUp   Feedback = "up"
	FeedbackDown Feedback = "down"
)

// ParseFeedback accepts "up" and "down"; anything else is rejected.
func ParseFeedback(s string) (Feedback, bool) {
	switch Feedback(s) {
	case FeedbackUp, FeedbackDown:
		return Feedback(s), true
	}
	return FeedbackNone, false
}

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	RoomID    string    `json:"room_id"`
	Feedback  Feedback  `json:"feedback,omitempty"`
}

func newMessage(role Role, roomID, content string, ts time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: ts,
		RoomID:    roomID,
	}
}

// Exchange is one stored query/response pair returned by the history service.
type Exchange struct {
	ConversationID int64
	Query          string
	Response       string
	Timestamp      time.Time
	Sender         string // empty when the server recorded none
	Rating         *int
}
