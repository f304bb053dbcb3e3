package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type fakeDirectory struct {
	mu         sync.Mutex
	rooms      []*PersistedRoom
	nextID     int
	creates    int
	createGate chan struct{}
	deleteGate chan struct{}
	listErr    error
	createErr  error
	renameErr  error
	deleteErr  error
}

func (d *fakeDirectory) List(ctx context.Context) ([]*PersistedRoom, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	out := make([]*PersistedRoom, 0, len(d.rooms))
	for _, r := range d.rooms {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (d *fakeDirectory) Create(ctx context.Context, name string) (*PersistedRoom, error) {
	d.mu.Lock()
	gate := d.createGate
	d.creates++
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return nil, d.createErr
	}
	d.nextID++
	p := &PersistedRoom{ID: fmt.Sprintf("room-%d", d.nextID), Name: name, Owner: "alice"}
	d.rooms = append(d.rooms, p)
	cp := *p
	return &cp, nil
}

func (d *fakeDirectory) Rename(ctx context.Context, id, name string) (*PersistedRoom, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.renameErr != nil {
		return nil, d.renameErr
	}
	for _, r := range d.rooms {
		if r.ID == id {
			r.Name = name
			cp := *r
			return &cp, nil
		}
	}
	return nil, errors.New("not found")
}

func (d *fakeDirectory) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	gate := d.deleteGate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleteErr != nil {
		return d.deleteErr
	}
	for i, r := range d.rooms {
		if r.ID == id {
			d.rooms = append(d.rooms[:i], d.rooms[i+1:]...)
			return nil
		}
	}
	return errors.New("not found")
}

func (d *fakeDirectory) createCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creates
}

type fakeHistory struct {
	mu    sync.Mutex
	data  map[string][]Exchange
	errs  map[string]error
	gates map[string]chan struct{}
	calls int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		data:  map[string][]Exchange{},
		errs:  map[string]error{},
		gates: map[string]chan struct{}{},
	}
}

func (h *fakeHistory) History(ctx context.Context, roomID string) ([]Exchange, error) {
	h.mu.Lock()
	h.calls++
	gate := h.gates[roomID]
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.errs[roomID]; err != nil {
		return nil, err
	}
	return h.data[roomID], nil
}

func (h *fakeHistory) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	default:
	}
	select {
	case b := <-c.inbound:
		return 1, b, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, string(data))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the server going away.
func (c *fakeConn) drop() {
	_ = c.Close()
}

func (c *fakeConn) reply(text string) {
	c.inbound <- []byte(text)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

type dialCall struct {
	roomID   string
	identity string
}

type fakeDialer struct {
	mu      sync.Mutex
	calls   []dialCall
	conns   []*fakeConn
	gate    chan struct{}
	err     error
	overlap bool // a previous conn was still open when a new dial started
}

func (d *fakeDialer) Dial(ctx context.Context, roomID, identity string) (ConnLike, error) {
	d.mu.Lock()
	d.calls = append(d.calls, dialCall{roomID: roomID, identity: identity})
	for _, c := range d.conns {
		if !c.isClosed() {
			d.overlap = true
		}
	}
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) lastCall() dialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[len(d.calls)-1]
}

type staticIdentity string

func (s staticIdentity) Identity() string { return string(s) }

type testEnv struct {
	dir     *fakeDirectory
	history *fakeHistory
	dialer  *fakeDialer
	conn    *ConnManager
	session *Session
}

func newTestEnv(t *testing.T, rooms ...*PersistedRoom) *testEnv {
	t.Helper()
	env := &testEnv{
		dir:     &fakeDirectory{rooms: rooms, nextID: 100},
		history: newFakeHistory(),
		dialer:  &fakeDialer{},
	}
	env.conn = NewConnManager(env.dialer, staticIdentity("alice"))
	env.session = NewSession(env.dir, env.history, env.conn, Config{
		SendTimeout: 200 * time.Millisecond,
		NoticeTTL:   time.Minute,
	})
	t.Cleanup(env.session.Close)
	return env
}
