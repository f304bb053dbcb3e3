package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/pelusa-v/natachat/internal/metrics"
)

// Directory is the room directory service.
type Directory interface {
	Create(ctx context.Context, name string) (*PersistedRoom, error)
	List(ctx context.Context) ([]*PersistedRoom, error)
	Rename(ctx context.Context, id, name string) (*PersistedRoom, error)
	Delete(ctx context.Context, id string) error
}

type Config struct {
	SendTimeout time.Duration
	NoticeTTL   time.Duration
	Suggestions []string
}

var DefaultSuggestions = []string{"About Company", "About Role Responsibility", "About Project"}

// Session coordinates rooms, the timeline and the live connection.
//
// mu serializes every state transition. Collaborator calls run outside it;
// their results are applied only if gen still matches the generation that
// was current when the call started.
type Session struct {
	dir        Directory
	timeline   *Timeline
	conn       *ConnManager
	hub        *Hub
	cfg        Config
	promotions singleflight.Group
	now        func() time.Time

	mu          sync.Mutex
	rooms       *RoomSet
	current     Room
	gen         uint64
	awaiting    bool
	draft       string
	promoted    map[string]*PersistedRoom // ephemeral local id -> created room
	notice      *Notice
	noticeSeq   uint64
	noticeTimer *time.Timer
	closed      bool
}

func NewSession(dir Directory, history HistorySource, conn *ConnManager, cfg Config) *Session {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.NoticeTTL <= 0 {
		cfg.NoticeTTL = DefaultNoticeTTL
	}
	if len(cfg.Suggestions) == 0 {
		cfg.Suggestions = DefaultSuggestions
	}
	conn.SendTimeout = cfg.SendTimeout
	s := &Session{
		dir:      dir,
		timeline: NewTimeline(history),
		conn:     conn,
		hub:      NewHub(),
		cfg:      cfg,
		now:      time.Now,
		rooms:    NewRoomSet(nil),
		promoted: map[string]*PersistedRoom{},
	}
	conn.OnMessage(s.onFrame)
	conn.OnStateChange(s.onConnState)
	return s
}

func (s *Session) Subscribe(buffer int) *Subscriber { return s.hub.Subscribe(buffer) }
func (s *Session) Unsubscribe(sub *Subscriber)      { s.hub.Unsubscribe(sub) }

// Initialize loads the persisted rooms and starts on a fresh ephemeral room.
// When the directory is unreachable the session still starts, with only the
// ephemeral room, and the error is returned and surfaced as a notice.
func (s *Session) Initialize(ctx context.Context) error {
	persisted, err := s.dir.List(ctx)
	eph := NewEphemeralRoom(RandomRoomName())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err != nil {
		persisted = nil
	}
	s.rooms = NewRoomSet(persisted)
	s.rooms.InsertFront(eph)
	s.gen++
	s.setCurrentLocked(eph, nil)
	if err != nil {
		s.noticeLocked(NoticeDirectory, "Failed to load chat rooms.", err)
		return errors.Wrap(err, "list rooms")
	}
	log.Info().Str("component", "session").Int("rooms", len(persisted)).Msg("session initialized")
	return nil
}

// SelectRoom makes the room under key current. Persisted rooms load their
// history first; a failed load leaves the previous room current.
func (s *Session) SelectRoom(ctx context.Context, key string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	room, ok := s.rooms.Find(key)
	if !ok {
		s.mu.Unlock()
		return ErrRoomNotFound
	}
	s.gen++
	gen := s.gen
	if room.Ephemeral() {
		s.setCurrentLocked(room, nil)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	msgs, err := s.timeline.LoadHistory(ctx, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if gen != s.gen {
		metrics.HistoryLoads.WithLabelValues("stale").Inc()
		log.Debug().Str("component", "session").Str("room_id", key).Msg("discarding stale history load")
		return ErrRoomChanged
	}
	if err != nil {
		metrics.HistoryLoads.WithLabelValues("error").Inc()
		s.noticeLocked(NoticeHistory, "Failed to load message history.", err)
		return err
	}
	metrics.HistoryLoads.WithLabelValues("ok").Inc()
	room, ok = s.rooms.Find(key)
	if !ok {
		return ErrRoomNotFound
	}
	s.setCurrentLocked(room, msgs)
	return nil
}

// NewChat adds an ephemeral room at the front and selects it. With an
// ephemeral room already present it does nothing and returns false; a closed
// session returns a nil room.
func (s *Session) NewChat() (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	if e, ok := s.rooms.Ephemeral(); ok {
		return e, false
	}
	e := NewEphemeralRoom(RandomRoomName())
	s.rooms.InsertFront(e)
	s.gen++
	s.setCurrentLocked(e, nil)
	return e, true
}

// PromoteCurrentRoom registers the current ephemeral room with the
// directory. Concurrent and repeated calls for the same room share one
// create call. A persisted current room is returned as is.
func (s *Session) PromoteCurrentRoom(ctx context.Context) (*PersistedRoom, error) {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()

	switch r := cur.(type) {
	case nil:
		return nil, ErrNoRoom
	case *PersistedRoom:
		return r, nil
	case *EphemeralRoom:
		v, err, _ := s.promotions.Do(r.LocalID, func() (interface{}, error) {
			return s.promote(ctx, r.LocalID)
		})
		if err != nil {
			return nil, err
		}
		return v.(*PersistedRoom), nil
	}
	return nil, ErrNoRoom
}

func (s *Session) promote(ctx context.Context, localID string) (*PersistedRoom, error) {
	s.mu.Lock()
	if p, ok := s.promoted[localID]; ok {
		s.mu.Unlock()
		return p, nil
	}
	room, ok := s.rooms.Find(localID)
	if !ok {
		s.mu.Unlock()
		return nil, ErrRoomNotFound
	}
	name := room.Title()
	s.mu.Unlock()

	p, err := s.dir.Create(ctx, name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err != nil {
		s.noticeLocked(NoticeCreate, "Failed to create room.", err)
		return nil, errors.Wrap(err, "create room")
	}
	metrics.RoomsCreated.Inc()
	s.promoted[localID] = p
	if !s.rooms.Replace(localID, p) {
		s.rooms.InsertFront(p)
	}
	// replaced in place; a pending selection still applies
	if s.current != nil && s.current.Key() == localID {
		s.current = p
		s.timeline.Rebind(localID, p.ID)
		s.conn.Bind(p)
	}
	log.Info().Str("component", "session").Str("room_id", p.ID).Str("name", p.Name).Msg("room promoted")
	s.publishRoomsLocked()
	return p, nil
}

// RenameRoom renames locally for ephemeral rooms, and through the directory
// (local state changes only on success) for persisted ones.
func (s *Session) RenameRoom(ctx context.Context, key, name string) error {
	name = normalizeName(name)
	if name == "" {
		return ErrEmptyName
	}
	s.mu.Lock()
	room, ok := s.rooms.Find(key)
	if !ok {
		s.mu.Unlock()
		return ErrRoomNotFound
	}
	if room.Ephemeral() {
		defer s.mu.Unlock()
		s.renameLocked(key, name)
		return nil
	}
	s.mu.Unlock()

	updated, err := s.dir.Rename(ctx, key, name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.noticeLocked(NoticeRename, "Failed to rename room.", err)
		return errors.Wrap(err, "rename room")
	}
	if updated != nil && updated.Name != "" {
		name = updated.Name
	}
	if !s.renameLocked(key, name) {
		return ErrRoomNotFound
	}
	return nil
}

func (s *Session) renameLocked(key, name string) bool {
	renamed, ok := s.rooms.Rename(key, name)
	if !ok {
		return false
	}
	if s.current != nil && s.current.Key() == key {
		s.current = renamed
	}
	s.publishRoomsLocked()
	return true
}

// DeleteRoom removes a room. Persisted rooms stay in place until the
// directory confirms the delete. Deleting the current room leaves none
// current.
func (s *Session) DeleteRoom(ctx context.Context, key string) error {
	s.mu.Lock()
	room, ok := s.rooms.Find(key)
	if !ok {
		s.mu.Unlock()
		return ErrRoomNotFound
	}
	if room.Ephemeral() {
		defer s.mu.Unlock()
		s.removeLocked(key)
		return nil
	}
	s.mu.Unlock()

	err := s.dir.Delete(ctx, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.noticeLocked(NoticeDelete, "Failed to delete room.", err)
		return errors.Wrap(err, "delete room")
	}
	s.removeLocked(key)
	return nil
}

func (s *Session) removeLocked(key string) {
	s.rooms.Remove(key)
	if s.current != nil && s.current.Key() == key {
		s.setCurrentLocked(nil, nil)
		return
	}
	s.publishRoomsLocked()
}

func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Submit sends the current draft.
func (s *Session) Submit(ctx context.Context) error {
	return s.Send(ctx, s.Draft())
}

// Send runs the send protocol: promote an ephemeral room if needed, wait for
// the connection, write the frame, then append the user message and wait for
// the reply. On failure nothing is appended and the draft keeps the text.
func (s *Session) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.draft = text
	cur := s.current
	s.mu.Unlock()

	if cur == nil {
		return ErrNoRoom
	}
	target := cur.Key()
	if cur.Ephemeral() {
		p, err := s.PromoteCurrentRoom(ctx)
		if err != nil {
			return err
		}
		target = p.ID
	}

	err := s.conn.SendTo(ctx, target, text, func(f Frame) {
		s.onSent(f, text)
	})
	if err != nil {
		s.mu.Lock()
		s.noticeLocked(sendNoticeKind(err), "Failed to send message.", err)
		s.mu.Unlock()
		return err
	}
	return nil
}

// SendSuggestion is the automatic send behind a suggested question. Unlike a
// manual send it is refused while a reply is pending or the current room's
// connection is not open.
func (s *Session) SendSuggestion(ctx context.Context, text string) error {
	s.mu.Lock()
	awaiting := s.awaiting
	cur := s.current
	s.mu.Unlock()

	if awaiting {
		return ErrAwaitingReply
	}
	if cur != nil && !cur.Ephemeral() && !s.conn.Connected() {
		return ErrNotConnected
	}
	return s.Send(ctx, text)
}

func (s *Session) Suggestions() []string {
	return append([]string(nil), s.cfg.Suggestions...)
}

func (s *Session) onSent(f Frame, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn.Binding() != f.Binding {
		return
	}
	if !s.timeline.Append(newMessage(RoleUser, f.RoomID, text, f.At)) {
		return
	}
	s.awaiting = true
	s.draft = ""
	s.publishTimelineLocked()
}

func (s *Session) onFrame(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn.Binding() != f.Binding {
		metrics.FramesDiscarded.Inc()
		return
	}
	if !s.timeline.Append(newMessage(RoleAssistant, f.RoomID, f.Text, f.At)) {
		return
	}
	s.awaiting = false
	s.publishTimelineLocked()
}

func (s *Session) onConnState(c StateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn.Binding() != c.Binding {
		return
	}
	s.hub.Publish(Event{Kind: EventConnection, Connection: c.State.String(), Current: c.RoomID})
	if c.Lost {
		s.awaiting = false
		s.noticeLocked(NoticeConnectionLost, "Connection lost.", c.Err)
	}
}

// ToggleFeedback applies the up/down toggle to an assistant message.
func (s *Session) ToggleFeedback(messageID string, value Feedback) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.timeline.ToggleFeedback(messageID, value)
	if ok {
		s.publishTimelineLocked()
	}
	return m, ok
}

// Snapshot is the full UI-facing state.
type Snapshot struct {
	Rooms         []RoomView `json:"rooms"`
	Current       *RoomView  `json:"current,omitempty"`
	Messages      []Message  `json:"messages"`
	AwaitingReply bool       `json:"awaiting_reply"`
	Connection    string     `json:"connection"`
	Draft         string     `json:"draft"`
	Notice        *Notice    `json:"notice,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Rooms:         s.roomViewsLocked(),
		Messages:      s.timeline.Messages(),
		AwaitingReply: s.awaiting,
		Connection:    s.conn.State().String(),
		Draft:         s.draft,
	}
	if s.current != nil {
		v := viewOf(s.current, s.current.Key())
		snap.Current = &v
	}
	if s.notice != nil {
		n := *s.notice
		snap.Notice = &n
	}
	return snap
}

func (s *Session) Current() Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) Rooms() []Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms.List()
}

func (s *Session) Messages() []Message {
	return s.timeline.Messages()
}

func (s *Session) AwaitingReply() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaiting
}

func (s *Session) Connected() bool {
	return s.conn.Connected()
}

// Notice returns the active notice until its dismiss timer fires.
func (s *Session) Notice() (Notice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notice == nil {
		return Notice{}, false
	}
	return *s.notice, true
}

// Close drops the live connection and any never-promoted room.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if e, ok := s.rooms.Ephemeral(); ok {
		s.rooms.Remove(e.LocalID)
	}
	s.current = nil
	s.timeline.Clear()
	s.conn.Close()
	if s.noticeTimer != nil {
		s.noticeTimer.Stop()
	}
}

func (s *Session) setCurrentLocked(room Room, msgs []Message) {
	s.current = room
	s.awaiting = false
	if room == nil {
		s.timeline.Clear()
	} else {
		s.timeline.Replace(room.Key(), msgs)
	}
	s.conn.Bind(room)
	s.publishRoomsLocked()
	s.publishTimelineLocked()
}

func (s *Session) roomViewsLocked() []RoomView {
	currentKey := ""
	if s.current != nil {
		currentKey = s.current.Key()
	}
	rooms := s.rooms.List()
	out := make([]RoomView, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, viewOf(r, currentKey))
	}
	return out
}

func (s *Session) publishRoomsLocked() {
	ev := Event{Kind: EventRooms, Rooms: s.roomViewsLocked()}
	if s.current != nil {
		ev.Current = s.current.Key()
	}
	s.hub.Publish(ev)
}

func (s *Session) publishTimelineLocked() {
	s.hub.Publish(Event{
		Kind:          EventTimeline,
		Current:       s.timeline.RoomID(),
		Messages:      s.timeline.Messages(),
		AwaitingReply: s.awaiting,
	})
}

func (s *Session) noticeLocked(kind NoticeKind, msg string, err error) {
	now := s.now()
	s.noticeSeq++
	n := &Notice{
		ID:        s.noticeSeq,
		Kind:      kind,
		Message:   msg,
		At:        now,
		ExpiresAt: now.Add(s.cfg.NoticeTTL),
	}
	if err != nil {
		n.Detail = err.Error()
	}
	s.notice = n
	metrics.Notices.WithLabelValues(string(kind)).Inc()
	log.Warn().Err(err).Str("component", "session").Str("kind", string(kind)).Msg(msg)
	s.hub.Publish(Event{Kind: EventNotice, Notice: n})

	if s.noticeTimer != nil {
		s.noticeTimer.Stop()
	}
	id := n.ID
	s.noticeTimer = time.AfterFunc(s.cfg.NoticeTTL, func() { s.dismissNotice(id) })
}

func (s *Session) dismissNotice(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notice == nil || s.notice.ID != id {
		return
	}
	s.notice = nil
	s.hub.Publish(Event{Kind: EventNoticeCleared})
}
