package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestInitializeStartsOnEphemeralRoom(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	env := newTestEnv(t,
		&PersistedRoom{ID: "old", Name: "Old", CreatedAt: t0},
		&PersistedRoom{ID: "new", Name: "New", CreatedAt: t0.Add(time.Hour)},
	)
	require.NoError(t, env.session.Initialize(ctx))

	rooms := env.session.Rooms()
	require.Len(t, rooms, 3)
	require.True(t, rooms[0].Ephemeral())
	require.Equal(t, "new", rooms[1].Key())
	require.Equal(t, "old", rooms[2].Key())

	cur := env.session.Current()
	require.Equal(t, rooms[0].Key(), cur.Key())
	require.Empty(t, env.session.Messages())
	require.Equal(t, 0, env.dialer.dialCount())
	require.Equal(t, 0, env.history.callCount())
}

func TestInitializeDirectoryFailure(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "p1"})
	env.dir.listErr = errors.New("directory down")

	err := env.session.Initialize(ctx)
	require.Error(t, err)

	rooms := env.session.Rooms()
	require.Len(t, rooms, 1)
	require.True(t, rooms[0].Ephemeral())

	n, ok := env.session.Notice()
	require.True(t, ok)
	require.Equal(t, NoticeDirectory, n.Kind)
	require.Equal(t, "Failed to load chat rooms.", n.Message)
}

func TestSelectEphemeralTouchesNoCollaborator(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "p1"})
	env.history.data["p1"] = []Exchange{{Query: "q", Response: "a", Timestamp: time.Now()}}
	require.NoError(t, env.session.Initialize(ctx))
	eph := env.session.Rooms()[0]

	require.NoError(t, env.session.SelectRoom(ctx, "p1"))
	require.Eventually(t, env.session.Connected, waitFor, tick)
	require.NoError(t, env.session.SelectRoom(ctx, eph.Key()))

	require.Equal(t, 1, env.history.callCount())
	require.Equal(t, eph.Key(), env.session.Current().Key())
	require.Empty(t, env.session.Messages())
	require.Equal(t, StateIdle, env.conn.State())
	require.Equal(t, 1, env.dialer.dialCount())
	require.True(t, env.dialer.last().isClosed())
}

func TestSelectPersistedLoadsHistoryAndBinds(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "p1", Name: "One"})
	env.history.data["p1"] = []Exchange{{Query: "hi", Response: "hello", Timestamp: time.Now()}}
	require.NoError(t, env.session.Initialize(ctx))

	require.NoError(t, env.session.SelectRoom(ctx, "p1"))

	msgs := env.session.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "hi", msgs[0].Content)
	require.Equal(t, "hello", msgs[1].Content)
	require.Eventually(t, env.session.Connected, waitFor, tick)
	require.Equal(t, dialCall{roomID: "p1", identity: "alice"}, env.dialer.lastCall())

	// the untouched ephemeral room is still offered
	_, ok := env.session.rooms.Ephemeral()
	require.True(t, ok)
}

func TestSelectFailureKeepsCurrentRoom(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "p1"})
	env.history.errs["p1"] = errors.New("history down")
	require.NoError(t, env.session.Initialize(ctx))
	before := env.session.Current().Key()

	require.Error(t, env.session.SelectRoom(ctx, "p1"))
	require.Equal(t, before, env.session.Current().Key())
	require.Equal(t, 0, env.dialer.dialCount())

	n, ok := env.session.Notice()
	require.True(t, ok)
	require.Equal(t, NoticeHistory, n.Kind)
}

func TestSelectUnknownRoom(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.session.Initialize(ctx))
	require.ErrorIs(t, env.session.SelectRoom(ctx, "nope"), ErrRoomNotFound)
}

func TestLaterSelectionWins(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "slow"}, &PersistedRoom{ID: "fast"})
	env.history.data["slow"] = []Exchange{{Query: "slow q", Response: "slow a", Timestamp: time.Now()}}
	env.history.data["fast"] = []Exchange{{Query: "fast q", Response: "fast a", Timestamp: time.Now()}}
	gate := make(chan struct{})
	env.history.gates["slow"] = gate
	require.NoError(t, env.session.Initialize(ctx))

	errc := make(chan error, 1)
	go func() { errc <- env.session.SelectRoom(ctx, "slow") }()
	require.Eventually(t, func() bool { return env.history.callCount() == 1 }, waitFor, tick)

	require.NoError(t, env.session.SelectRoom(ctx, "fast"))
	close(gate)
	require.ErrorIs(t, <-errc, ErrRoomChanged)

	require.Equal(t, "fast", env.session.Current().Key())
	msgs := env.session.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "fast q", msgs[0].Content)
	require.Equal(t, "fast", env.conn.RoomID())
}

func TestNewChatKeepsSingleEphemeral(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "p1"})
	require.NoError(t, env.session.Initialize(ctx))
	first := env.session.Rooms()[0]

	require.NoError(t, env.session.SelectRoom(ctx, "p1"))
	room, created := env.session.NewChat()
	require.False(t, created)
	require.Equal(t, first.Key(), room.Key())
	require.Len(t, env.session.Rooms(), 2)

	// once the ephemeral room is gone a new one may be created
	require.NoError(t, env.session.DeleteRoom(ctx, first.Key()))
	room, created = env.session.NewChat()
	require.True(t, created)
	require.NotEqual(t, first.Key(), room.Key())
	require.Equal(t, room.Key(), env.session.Current().Key())
	require.Equal(t, room.Key(), env.session.Rooms()[0].Key())
}

func TestConcurrentPromotionCreatesOnce(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.session.Initialize(ctx))
	eph := env.session.Current()
	env.dir.createGate = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]*PersistedRoom, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.session.PromoteCurrentRoom(ctx)
		}(i)
	}
	require.Eventually(t, func() bool { return env.dir.createCount() == 1 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	close(env.dir.createGate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, results[0].ID, results[1].ID)
	require.Equal(t, 1, env.dir.createCount())

	rooms := env.session.Rooms()
	require.Len(t, rooms, 1)
	require.False(t, rooms[0].Ephemeral())
	require.Equal(t, eph.Title(), rooms[0].Title())
	require.Equal(t, results[0].ID, env.session.Current().Key())

	// repeated promotion returns the persisted room without another create
	p, err := env.session.PromoteCurrentRoom(ctx)
	require.NoError(t, err)
	require.Equal(t, results[0].ID, p.ID)
	require.Equal(t, 1, env.dir.createCount())
}

func TestSendFromEphemeralRoom(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.session.Initialize(ctx))
	env.session.SetDraft("hi")

	require.NoError(t, env.session.Submit(ctx))

	require.Equal(t, 1, env.dir.createCount())
	require.Equal(t, 1, env.dialer.dialCount())
	conn := env.dialer.last()
	require.Equal(t, []string{"hi"}, conn.written())

	cur := env.session.Current()
	require.False(t, cur.Ephemeral())
	require.Equal(t, cur.Key(), env.dialer.lastCall().roomID)

	msgs := env.session.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, RoleUser, msgs[0].Role)
	require.Equal(t, "hi", msgs[0].Content)
	require.Equal(t, cur.Key(), msgs[0].RoomID)
	require.True(t, env.session.AwaitingReply())
	require.Equal(t, "", env.session.Draft())

	conn.reply("hello")
	require.Eventually(t, func() bool { return len(env.session.Messages()) == 2 }, waitFor, tick)
	reply := env.session.Messages()[1]
	require.Equal(t, RoleAssistant, reply.Role)
	require.Equal(t, "hello", reply.Content)
	require.False(t, env.session.AwaitingReply())
}

func TestSendRejectsBlankText(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.session.Initialize(ctx))

	require.ErrorIs(t, env.session.Send(ctx, "   "), ErrEmptyMessage)
	require.Equal(t, 0, env.dir.createCount())
	require.Equal(t, 0, env.dialer.dialCount())
	require.Empty(t, env.session.Messages())
}

func TestSendCreateFailureSendsNothing(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.session.Initialize(ctx))
	env.dir.createErr = errors.New("create failed")

	require.Error(t, env.session.Send(ctx, "hi"))
	require.Equal(t, 0, env.dialer.dialCount())
	require.Empty(t, env.session.Messages())
	require.True(t, env.session.Current().Ephemeral())
	require.Equal(t, "hi", env.session.Draft())

	n, ok := env.session.Notice()
	require.True(t, ok)
	require.Equal(t, NoticeCreate, n.Kind)
}

func TestSendTimeoutKeepsDraft(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "p1"})
	env.dialer.gate = make(chan struct{})
	env.conn.SendTimeout = 30 * time.Millisecond
	require.NoError(t, env.session.Initialize(ctx))
	require.NoError(t, env.session.SelectRoom(ctx, "p1"))

	err := env.session.Send(ctx, "anyone there?")
	require.ErrorIs(t, err, ErrSendTimeout)
	require.Empty(t, env.session.Messages())
	require.False(t, env.session.AwaitingReply())
	require.Equal(t, "anyone there?", env.session.Draft())

	n, ok := env.session.Notice()
	require.True(t, ok)
	require.Equal(t, NoticeTimeout, n.Kind)
}

func TestConnectionLostClearsAwaiting(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "p1"})
	require.NoError(t, env.session.Initialize(ctx))
	require.NoError(t, env.session.SelectRoom(ctx, "p1"))
	require.NoError(t, env.session.Send(ctx, "hi"))
	require.True(t, env.session.AwaitingReply())

	env.dialer.last().drop()

	require.Eventually(t, func() bool {
		n, ok := env.session.Notice()
		return ok && n.Kind == NoticeConnectionLost
	}, waitFor, tick)
	require.False(t, env.session.AwaitingReply())
	require.False(t, env.session.Connected())
	require.Equal(t, 1, env.dialer.dialCount())
}

func TestSuggestionRefusedWhileAwaiting(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "p1"})
	require.NoError(t, env.session.Initialize(ctx))
	require.NoError(t, env.session.SelectRoom(ctx, "p1"))
	require.Eventually(t, env.session.Connected, waitFor, tick)

	suggestion := env.session.Suggestions()[0]
	require.NoError(t, env.session.SendSuggestion(ctx, suggestion))
	require.ErrorIs(t, env.session.SendSuggestion(ctx, suggestion), ErrAwaitingReply)
	require.Equal(t, []string{suggestion}, env.dialer.last().written())
}

func TestSuggestionRefusedWhenDisconnected(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "p1"})
	env.dialer.gate = make(chan struct{})
	require.NoError(t, env.session.Initialize(ctx))
	require.NoError(t, env.session.SelectRoom(ctx, "p1"))

	require.ErrorIs(t, env.session.SendSuggestion(ctx, "About Project"), ErrNotConnected)
}

func TestLateReplyAfterSwitchIsDropped(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "p1"}, &PersistedRoom{ID: "p2"})
	require.NoError(t, env.session.Initialize(ctx))
	require.NoError(t, env.session.SelectRoom(ctx, "p1"))
	require.NoError(t, env.session.Send(ctx, "hi"))
	first := env.dialer.last()

	old := env.conn.current()

	require.NoError(t, env.session.SelectRoom(ctx, "p2"))
	require.True(t, first.isClosed())
	require.False(t, env.session.AwaitingReply())

	// a frame on the closed socket is never read
	first.reply("late")
	// a frame read just before the switch reaches delivery on the old link
	env.conn.deliver(old, "in flight")
	// and a handler call carrying the old binding is ignored
	env.session.onFrame(Frame{Binding: old.binding, RoomID: "p1", Text: "stale"})

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, env.session.Messages())
	require.Equal(t, "p2", env.session.Current().Key())
}

func TestDeletePersistedWaitsForDirectory(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "p1"})
	require.NoError(t, env.session.Initialize(ctx))
	env.dir.deleteGate = make(chan struct{})
	env.dir.deleteErr = errors.New("forbidden")

	errc := make(chan error, 1)
	go func() { errc <- env.session.DeleteRoom(ctx, "p1") }()

	time.Sleep(20 * time.Millisecond)
	_, ok := env.session.rooms.Find("p1")
	require.True(t, ok)

	close(env.dir.deleteGate)
	require.Error(t, <-errc)
	require.Len(t, env.session.Rooms(), 2)
	require.NoError(t, env.session.SelectRoom(ctx, "p1"))

	n, ok := env.session.Notice()
	require.True(t, ok)
	require.Equal(t, NoticeDelete, n.Kind)
}

func TestDeleteCurrentRoomLeavesNoneCurrent(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "p1"})
	require.NoError(t, env.session.Initialize(ctx))
	require.NoError(t, env.session.SelectRoom(ctx, "p1"))
	require.Eventually(t, env.session.Connected, waitFor, tick)

	require.NoError(t, env.session.DeleteRoom(ctx, "p1"))
	require.Nil(t, env.session.Current())
	require.Empty(t, env.session.Messages())
	require.Equal(t, StateIdle, env.conn.State())
	require.ErrorIs(t, env.session.Send(ctx, "hi"), ErrNoRoom)
}

func TestRenamePersistedOnlyOnSuccess(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "p1", Name: "Before"})
	require.NoError(t, env.session.Initialize(ctx))

	env.dir.renameErr = errors.New("nope")
	require.Error(t, env.session.RenameRoom(ctx, "p1", "After"))
	r, _ := env.session.rooms.Find("p1")
	require.Equal(t, "Before", r.Title())

	env.dir.renameErr = nil
	require.NoError(t, env.session.RenameRoom(ctx, "p1", "  After   hours "))
	r, _ = env.session.rooms.Find("p1")
	require.Equal(t, "After hours", r.Title())
}

func TestRenameEphemeralIsLocal(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.session.Initialize(ctx))
	eph := env.session.Current()

	require.ErrorIs(t, env.session.RenameRoom(ctx, eph.Key(), " "), ErrEmptyName)
	require.NoError(t, env.session.RenameRoom(ctx, eph.Key(), "Mine"))
	require.Equal(t, "Mine", env.session.Current().Title())

	// the promoted room keeps the local name
	p, err := env.session.PromoteCurrentRoom(ctx)
	require.NoError(t, err)
	require.Equal(t, "Mine", p.Name)
}

func TestToggleFeedbackThroughSession(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "p1"})
	env.history.data["p1"] = []Exchange{{Query: "q", Response: "a", Timestamp: time.Now()}}
	require.NoError(t, env.session.Initialize(ctx))
	require.NoError(t, env.session.SelectRoom(ctx, "p1"))

	reply := env.session.Messages()[1]
	m, ok := env.session.ToggleFeedback(reply.ID, FeedbackDown)
	require.True(t, ok)
	require.Equal(t, FeedbackDown, m.Feedback)
	require.Equal(t, FeedbackDown, env.session.Snapshot().Messages[1].Feedback)
}

func TestNoticeDismissesItself(t *testing.T) {
	env := newTestEnv(t)
	env.session.cfg.NoticeTTL = 20 * time.Millisecond
	env.dir.listErr = errors.New("down")
	sub := env.session.Subscribe(64)
	defer env.session.Unsubscribe(sub)

	require.Error(t, env.session.Initialize(ctx))
	_, ok := env.session.Notice()
	require.True(t, ok)

	var kinds []EventKind
	require.Eventually(t, func() bool {
		for len(sub.Events) > 0 {
			kinds = append(kinds, (<-sub.Events).Kind)
		}
		for _, k := range kinds {
			if k == EventNoticeCleared {
				return true
			}
		}
		return false
	}, waitFor, tick)
	require.Contains(t, kinds, EventNotice)

	_, ok = env.session.Notice()
	require.False(t, ok)
	require.Nil(t, env.session.Snapshot().Notice)
}

func TestNoticeStaysUntilDismissed(t *testing.T) {
	env := newTestEnv(t)
	env.dir.listErr = errors.New("down")
	require.Error(t, env.session.Initialize(ctx))

	// the clock passing the expiry does not hide the notice; only the timer does
	env.session.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, ok := env.session.Notice()
	require.True(t, ok)
	require.NotNil(t, env.session.Snapshot().Notice)
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "p1", Name: "One"})
	require.NoError(t, env.session.Initialize(ctx))
	env.session.SetDraft("draft")

	snap := env.session.Snapshot()
	require.Len(t, snap.Rooms, 2)
	require.NotNil(t, snap.Current)
	require.True(t, snap.Current.Ephemeral)
	require.True(t, snap.Rooms[0].Current)
	require.False(t, snap.Rooms[1].Current)
	require.Equal(t, "idle", snap.Connection)
	require.Equal(t, "draft", snap.Draft)
	require.Nil(t, snap.Notice)
}

func TestCloseDropsEphemeralRoom(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "p1"})
	require.NoError(t, env.session.Initialize(ctx))
	require.NoError(t, env.session.SelectRoom(ctx, "p1"))
	require.Eventually(t, env.session.Connected, waitFor, tick)

	env.session.Close()
	rooms := env.session.Rooms()
	require.Len(t, rooms, 1)
	require.Equal(t, "p1", rooms[0].Key())
	require.True(t, env.dialer.last().isClosed())
	require.ErrorIs(t, env.session.Send(ctx, "hi"), ErrClosed)
}

func TestLaterSelectionBeatsEarlierPromotion(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "b"})
	env.history.data["b"] = []Exchange{{Query: "b q", Response: "b a", Timestamp: time.Now()}}
	require.NoError(t, env.session.Initialize(ctx))
	env.dir.createGate = make(chan struct{})
	historyGate := make(chan struct{})
	env.history.gates["b"] = historyGate

	sendc := make(chan error, 1)
	go func() { sendc <- env.session.Send(ctx, "hi") }()
	require.Eventually(t, func() bool { return env.dir.createCount() == 1 }, waitFor, tick)

	selc := make(chan error, 1)
	go func() { selc <- env.session.SelectRoom(ctx, "b") }()
	require.Eventually(t, func() bool { return env.history.callCount() == 1 }, waitFor, tick)

	close(env.dir.createGate)
	require.NoError(t, <-sendc)
	require.False(t, env.session.Current().Ephemeral())

	close(historyGate)
	require.NoError(t, <-selc)

	require.Equal(t, "b", env.session.Current().Key())
	msgs := env.session.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "b q", msgs[0].Content)
	require.Equal(t, "b", env.conn.RoomID())
}

func TestSelectionSurvivesDeletingCurrentRoom(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "p1"}, &PersistedRoom{ID: "b"})
	require.NoError(t, env.session.Initialize(ctx))
	require.NoError(t, env.session.SelectRoom(ctx, "p1"))
	gate := make(chan struct{})
	env.history.gates["b"] = gate

	selc := make(chan error, 1)
	go func() { selc <- env.session.SelectRoom(ctx, "b") }()
	require.Eventually(t, func() bool { return env.history.callCount() == 2 }, waitFor, tick)

	require.NoError(t, env.session.DeleteRoom(ctx, "p1"))
	require.Nil(t, env.session.Current())

	close(gate)
	require.NoError(t, <-selc)
	require.Equal(t, "b", env.session.Current().Key())
}

func TestSelectionInFlightDuringClose(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "b"})
	require.NoError(t, env.session.Initialize(ctx))
	gate := make(chan struct{})
	env.history.gates["b"] = gate

	selc := make(chan error, 1)
	go func() { selc <- env.session.SelectRoom(ctx, "b") }()
	require.Eventually(t, func() bool { return env.history.callCount() == 1 }, waitFor, tick)

	env.session.Close()
	close(gate)

	require.ErrorIs(t, <-selc, ErrClosed)
	require.Nil(t, env.session.Current())
	require.Equal(t, 0, env.dialer.dialCount())
}

func TestPromotionInFlightDuringClose(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.session.Initialize(ctx))
	env.dir.createGate = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		_, err := env.session.PromoteCurrentRoom(ctx)
		errc <- err
	}()
	require.Eventually(t, func() bool { return env.dir.createCount() == 1 }, waitFor, tick)

	env.session.Close()
	close(env.dir.createGate)

	require.ErrorIs(t, <-errc, ErrClosed)
	require.Nil(t, env.session.Current())
	require.Empty(t, env.session.Rooms())
}

func TestNewChatAfterClose(t *testing.T) {
	env := newTestEnv(t, &PersistedRoom{ID: "p1"})
	require.NoError(t, env.session.Initialize(ctx))
	env.session.Close()

	room, created := env.session.NewChat()
	require.Nil(t, room)
	require.False(t, created)
	require.Nil(t, env.session.Current())
	require.Len(t, env.session.Rooms(), 1)
}
