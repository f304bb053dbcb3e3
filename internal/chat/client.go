package chat

import (
	"context"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
)

// ConnLike is the socket a link drives. *websocket.Conn satisfies it.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// Dialer opens one transport connection keyed by room and identity.
type Dialer interface {
	Dial(ctx context.Context, roomID, identity string) (ConnLike, error)
}

// ConnState is the state of a single link. Closed and Failed are terminal.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s ConnState) terminal() bool {
	return s == StateClosed || s == StateFailed
}

// link is one transport connection instance. A new bind always makes a new
// link; a link never goes back to open once it has closed or failed.
type link struct {
	binding  uint64
	roomID   string
	identity string

	mu    sync.Mutex
	state ConnState
	conn  ConnLike
	err   error

	ready chan struct{} // closed on open
	done  chan struct{} // closed on closed/failed

	dialCtx    context.Context
	cancelDial context.CancelFunc

	// deliverMu orders a send's completion callback against inbound frames.
	deliverMu sync.Mutex
}

func newLink(binding uint64, roomID, identity string) *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		binding:    binding,
		roomID:     roomID,
		identity:   identity,
		state:      StateConnecting,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		dialCtx:    ctx,
		cancelDial: cancel,
	}
}

func (l *link) State() ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *link) markOpen(conn ConnLike) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateConnecting {
		return false
	}
	l.state = StateOpen
	l.conn = conn
	close(l.ready)
	return true
}

// finish moves the link to a terminal state. It reports false when the link
// had already terminated.
func (l *link) finish(state ConnState, err error) bool {
	l.mu.Lock()
	if l.state.terminal() {
		l.mu.Unlock()
		return false
	}
	l.state = state
	l.err = err
	conn := l.conn
	close(l.done)
	l.mu.Unlock()

	l.cancelDial()
	if conn != nil {
		_ = conn.Close()
	}
	return true
}

func (l *link) waitOpen(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.ready:
	case <-l.done:
	case <-timer.C:
		return ErrSendTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	if st := l.State(); st != StateOpen {
		return errors.Wrapf(ErrConnectionClosed, "connection is %s", st)
	}
	return nil
}

func (l *link) write(text string) error {
	l.mu.Lock()
	if l.state != StateOpen {
		st := l.state
		l.mu.Unlock()
		return errors.Wrapf(ErrConnectionClosed, "connection is %s", st)
	}
	conn := l.conn
	l.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (l *link) readPump(m *ConnManager, conn ConnLike) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.linkDown(l, err)
			return
		}
		m.deliver(l, string(data))
	}
}

// closeState classifies a read error: a close handshake from the server is
// a close, anything else a failure.
func closeState(err error) ConnState {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return StateClosed
	}
	return StateFailed
}
