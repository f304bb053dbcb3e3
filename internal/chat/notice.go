package chat

import (
	"time"

	"github.com/pkg/errors"
)

const DefaultNoticeTTL = 3 * time.Second

type NoticeKind string

const (
	NoticeDirectory      NoticeKind = "directory"
	NoticeHistory        NoticeKind = "history"
	NoticeCreate         NoticeKind = "create"
	NoticeRename         NoticeKind = "rename"
	NoticeDelete         NoticeKind = "delete"
	NoticeSend           NoticeKind = "send"
	NoticeTimeout        NoticeKind = "timeout"
	NoticeConnectionLost NoticeKind = "connection_lost"
)

// Notice is a transient, user-visible report of a recoverable failure.
type Notice struct {
	ID        uint64     `json:"id"`
	Kind      NoticeKind `json:"kind"`
	Message   string     `json:"message"`
	Detail    string     `json:"detail,omitempty"`
	At        time.Time  `json:"at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

func sendNoticeKind(err error) NoticeKind {
	if errors.Is(err, ErrSendTimeout) {
		return NoticeTimeout
	}
	return NoticeSend
}
