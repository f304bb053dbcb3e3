package api

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/pelusa-v/natachat/internal/chat"
)

// flexID accepts both "id": "abc" and "id": 42.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Wrap(err, "room id")
	}
	*f = flexID(n.String())
	return nil
}

// timestamp parses the backend's datetimes. Values without a zone are UTC.
type timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (t *timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = ts
			return nil
		}
	}
	return errors.Errorf("unrecognized timestamp %q", s)
}

type roomDTO struct {
	ID        flexID     `json:"id"`
	RoomName  string     `json:"roomName"`
	Owner     string     `json:"owner"`
	CreatedAt *timestamp `json:"createdAt,omitempty"`
}

func (r roomDTO) room() *chat.PersistedRoom {
	p := &chat.PersistedRoom{ID: string(r.ID), Name: r.RoomName, Owner: r.Owner}
	if r.CreatedAt != nil {
		p.CreatedAt = r.CreatedAt.Time
	}
	return p
}

type exchangeDTO struct {
	ConversationID int64     `json:"conversation_id"`
	Query          string    `json:"query"`
	Response       string    `json:"response"`
	Timestamp      timestamp `json:"timestamp"`
	SenderUsername *string   `json:"senderUsername"`
	Rating         *int      `json:"rating"`
}

func (e exchangeDTO) exchange() chat.Exchange {
	ex := chat.Exchange{
		ConversationID: e.ConversationID,
		Query:          e.Query,
		Response:       e.Response,
		Timestamp:      e.Timestamp.Time,
		Rating:         e.Rating,
	}
	if e.SenderUsername != nil {
		ex.Sender = *e.SenderUsername
	}
	return ex
}

type historyDTO struct {
	ChatroomID   string        `json:"chatroom_id"`
	ChatroomName string        `json:"chatroom_name"`
	Owner        string        `json:"owner"`
	Messages     []exchangeDTO `json:"messages"`
}
