package chat

import "github.com/pkg/errors"

var (
	ErrEmptyMessage     = errors.New("message is empty")
	ErrEmptyName        = errors.New("room name is empty")
	ErrNoRoom           = errors.New("no current room")
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomChanged      = errors.New("current room changed while the request was in flight")
	ErrSendTimeout      = errors.New("timed out waiting for the connection to open")
	ErrConnectionClosed = errors.New("connection is closed")
	ErrNotBound         = errors.New("no room is bound to the connection")
	ErrStaleBinding     = errors.New("connection binding changed")
	ErrAwaitingReply    = errors.New("still waiting for a reply")
	ErrNotConnected     = errors.New("not connected")
	ErrClosed           = errors.New("session is closed")
)
