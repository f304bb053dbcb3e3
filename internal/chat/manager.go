package chat

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/pelusa-v/natachat/internal/metrics"
)

const (
	DefaultSendTimeout = 5 * time.Second
	GuestIdentity      = "guest"
)

// IdentityProvider returns the current user identity, or "" when nobody is
// signed in.
type IdentityProvider interface {
	Identity() string
}

// Frame is one inbound or outbound text frame on a binding.
type Frame struct {
	Binding uint64
	RoomID  string
	Text    string
	At      time.Time
}

// StateChange reports a link transition. Lost is set when a bound link
// closed or failed without being unbound.
type StateChange struct {
	Binding uint64
	RoomID  string
	State   ConnState
	Lost    bool
	Err     error
}

// ConnManager owns at most one live link, bound to a persisted room.
//
// Handlers run on the link's goroutine, never from Bind or Unbind, so callers
// may hold their own locks while rebinding.
type ConnManager struct {
	dialer      Dialer
	identity    IdentityProvider
	SendTimeout time.Duration

	mu        sync.Mutex
	seq       uint64
	cur       *link
	closed    bool
	onMessage func(Frame)
	onState   func(StateChange)
}

func NewConnManager(dialer Dialer, identity IdentityProvider) *ConnManager {
	return &ConnManager{
		dialer:      dialer,
		identity:    identity,
		SendTimeout: DefaultSendTimeout,
	}
}

func (m *ConnManager) OnMessage(h func(Frame)) {
	m.mu.Lock()
	m.onMessage = h
	m.mu.Unlock()
}

func (m *ConnManager) OnStateChange(h func(StateChange)) {
	m.mu.Lock()
	m.onState = h
	m.mu.Unlock()
}

func (m *ConnManager) currentIdentity() string {
	if m.identity == nil {
		return GuestIdentity
	}
	if id := m.identity.Identity(); id != "" {
		return id
	}
	return GuestIdentity
}

// Bind closes the current link, if any, and opens a new one for a persisted
// room. A nil or ephemeral room only closes. It returns the new binding
// number, or 0 when nothing was opened.
func (m *ConnManager) Bind(room Room) uint64 {
	p, _ := room.(*PersistedRoom)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0
	}
	old := m.cur
	m.cur = nil
	var l *link
	if p != nil {
		m.seq++
		l = newLink(m.seq, p.ID, m.currentIdentity())
		m.cur = l
	}
	m.mu.Unlock()

	if old != nil {
		if old.finish(StateClosed, nil) {
			metrics.ConnectionTransitions.WithLabelValues(StateClosed.String()).Inc()
		}
		log.Debug().Str("component", "conn").Uint64("binding", old.binding).Str("room_id", old.roomID).Msg("link closed")
	}
	if l == nil {
		return 0
	}
	metrics.ConnectionTransitions.WithLabelValues(StateConnecting.String()).Inc()
	log.Debug().Str("component", "conn").Uint64("binding", l.binding).Str("room_id", l.roomID).Str("identity", l.identity).Msg("binding link")
	go m.run(l)
	return l.binding
}

func (m *ConnManager) Unbind() {
	m.Bind(nil)
}

// Close unbinds and refuses further binds.
func (m *ConnManager) Close() {
	m.Unbind()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Binding returns the current binding number, 0 when unbound.
func (m *ConnManager) Binding() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return 0
	}
	return m.cur.binding
}

// RoomID returns the id of the bound room.
func (m *ConnManager) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return ""
	}
	return m.cur.roomID
}

func (m *ConnManager) State() ConnState {
	m.mu.Lock()
	l := m.cur
	m.mu.Unlock()
	if l == nil {
		return StateIdle
	}
	return l.State()
}

func (m *ConnManager) Connected() bool {
	return m.State() == StateOpen
}

func (m *ConnManager) current() *link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

func (m *ConnManager) isCurrent(l *link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur == l
}

// WaitOpen suspends until the bound link is open, fails, or the timeout
// elapses.
func (m *ConnManager) WaitOpen(ctx context.Context, timeout time.Duration) error {
	l := m.current()
	if l == nil {
		return ErrNotBound
	}
	return l.waitOpen(ctx, timeout)
}

// Send writes text on the bound link, waiting up to SendTimeout for it to
// open.
func (m *ConnManager) Send(ctx context.Context, text string) error {
	return m.SendTo(ctx, "", text, nil)
}

// SendTo is Send restricted to the link bound to roomID ("" accepts any).
// onSent runs after a successful write and before any later inbound frame of
// the same link is delivered.
func (m *ConnManager) SendTo(ctx context.Context, roomID, text string, onSent func(Frame)) error {
	l := m.current()
	if l == nil {
		return ErrNotBound
	}
	if roomID != "" && l.roomID != roomID {
		return ErrStaleBinding
	}
	if err := l.waitOpen(ctx, m.SendTimeout); err != nil {
		return err
	}

	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()
	if !m.isCurrent(l) {
		return ErrStaleBinding
	}
	if err := l.write(text); err != nil {
		if !errors.Is(err, ErrConnectionClosed) {
			m.linkDown(l, err)
		}
		return errors.Wrap(err, "write frame")
	}
	metrics.FramesSent.Inc()
	if onSent != nil {
		onSent(Frame{Binding: l.binding, RoomID: l.roomID, Text: text, At: time.Now()})
	}
	return nil
}

func (m *ConnManager) run(l *link) {
	conn, err := m.dialer.Dial(l.dialCtx, l.roomID, l.identity)
	if err != nil {
		m.linkDown(l, errors.Wrap(err, "dial"))
		return
	}
	if !l.markOpen(conn) {
		// unbound while dialing
		_ = conn.Close()
		return
	}
	metrics.ConnectionTransitions.WithLabelValues(StateOpen.String()).Inc()
	log.Debug().Str("component", "conn").Uint64("binding", l.binding).Str("room_id", l.roomID).Msg("link open")
	m.emit(StateChange{Binding: l.binding, RoomID: l.roomID, State: StateOpen})
	l.readPump(m, conn)
}

func (m *ConnManager) deliver(l *link, text string) {
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()
	if !m.isCurrent(l) {
		metrics.FramesDiscarded.Inc()
		log.Debug().Str("component", "conn").Uint64("binding", l.binding).Msg("discarding frame from stale link")
		return
	}
	metrics.FramesReceived.Inc()
	m.mu.Lock()
	h := m.onMessage
	m.mu.Unlock()
	if h != nil {
		h(Frame{Binding: l.binding, RoomID: l.roomID, Text: text, At: time.Now()})
	}
}

func (m *ConnManager) linkDown(l *link, err error) {
	state := closeState(err)
	if !l.finish(state, err) {
		// already closed on purpose
		return
	}
	metrics.ConnectionTransitions.WithLabelValues(state.String()).Inc()
	lost := m.isCurrent(l)
	log.Warn().Err(err).Str("component", "conn").Uint64("binding", l.binding).Str("room_id", l.roomID).
		Str("state", state.String()).Bool("lost", lost).Msg("link down")
	m.emit(StateChange{Binding: l.binding, RoomID: l.roomID, State: state, Lost: lost, Err: err})
}

func (m *ConnManager) emit(c StateChange) {
	m.mu.Lock()
	h := m.onState
	m.mu.Unlock()
	if h != nil {
		h(c)
	}
}
