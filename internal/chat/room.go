package chat

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Room is either an *EphemeralRoom (never registered with the directory
// service) or a *PersistedRoom. Promotion is the only way to get from the
// first to the second.
type Room interface {
	Key() string
	Title() string
	Ephemeral() bool
	room()
}

type EphemeralRoom struct {
	LocalID string
	Name    string
}

func NewEphemeralRoom(name string) *EphemeralRoom {
	return &EphemeralRoom{LocalID: uuid.NewString(), Name: name}
}

func (r *EphemeralRoom) Key() string     { return r.LocalID }
func (r *EphemeralRoom) Title() string   { return r.Name }
func (r *EphemeralRoom) Ephemeral() bool { return true }
func (r *EphemeralRoom) room()           {}

type PersistedRoom struct {
	ID        string
	Name      string
	Owner     string
	CreatedAt time.Time // zero when the directory does not report it
}

func (r *PersistedRoom) Key() string     { return r.ID }
func (r *PersistedRoom) Title() string   { return r.Name }
func (r *PersistedRoom) Ephemeral() bool { return false }
func (r *PersistedRoom) room()           {}

// RoomView is the wire shape of a room handed to the UI layer.
type RoomView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Ephemeral bool   `json:"ephemeral"`
	Current   bool   `json:"current"`
}

func viewOf(r Room, currentKey string) RoomView {
	return RoomView{ID: r.Key(), Name: r.Title(), Ephemeral: r.Ephemeral(), Current: r.Key() == currentKey}
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// RoomSet is the ordered list of known rooms. It holds at most one
// ephemeral room. Not safe for concurrent use; Session serializes access.
type RoomSet struct {
	rooms []Room
}

func NewRoomSet(persisted []*PersistedRoom) *RoomSet {
	rs := &RoomSet{rooms: make([]Room, 0, len(persisted)+1)}
	for _, r := range persisted {
		rs.rooms = append(rs.rooms, r)
	}
	rs.Sort()
	return rs
}

// Sort orders persisted rooms most-recently-created first, tie-broken by id
// descending. An ephemeral room, if any, stays at the front.
func (rs *RoomSet) Sort() {
	sort.SliceStable(rs.rooms, func(i, j int) bool {
		a, b := rs.rooms[i], rs.rooms[j]
		if a.Ephemeral() != b.Ephemeral() {
			return a.Ephemeral()
		}
		pa, oka := a.(*PersistedRoom)
		pb, okb := b.(*PersistedRoom)
		if !oka || !okb {
			return false
		}
		if !pa.CreatedAt.Equal(pb.CreatedAt) {
			return pa.CreatedAt.After(pb.CreatedAt)
		}
		return pa.ID > pb.ID
	})
}

func (rs *RoomSet) Len() int { return len(rs.rooms) }

func (rs *RoomSet) List() []Room {
	out := make([]Room, len(rs.rooms))
	copy(out, rs.rooms)
	return out
}

func (rs *RoomSet) index(key string) int {
	for i, r := range rs.rooms {
		if r.Key() == key {
			return i
		}
	}
	return -1
}

func (rs *RoomSet) Find(key string) (Room, bool) {
	if i := rs.index(key); i >= 0 {
		return rs.rooms[i], true
	}
	return nil, false
}

// Ephemeral returns the single ephemeral room, if present.
func (rs *RoomSet) Ephemeral() (*EphemeralRoom, bool) {
	for _, r := range rs.rooms {
		if e, ok := r.(*EphemeralRoom); ok {
			return e, true
		}
	}
	return nil, false
}

// InsertFront adds r at the head of the ordering. Adding a second ephemeral
// room is refused.
func (rs *RoomSet) InsertFront(r Room) bool {
	if r.Ephemeral() {
		if _, ok := rs.Ephemeral(); ok {
			return false
		}
	}
	if rs.index(r.Key()) >= 0 {
		return false
	}
	rs.rooms = append([]Room{r}, rs.rooms...)
	return true
}

// Replace swaps the room stored under key for r, keeping its position.
func (rs *RoomSet) Replace(key string, r Room) bool {
	i := rs.index(key)
	if i < 0 {
		return false
	}
	rs.rooms[i] = r
	return true
}

func (rs *RoomSet) Remove(key string) bool {
	i := rs.index(key)
	if i < 0 {
		return false
	}
	rs.rooms = append(rs.rooms[:i], rs.rooms[i+1:]...)
	return true
}

// Rename stores a renamed copy of the room under key and returns it.
func (rs *RoomSet) Rename(key, name string) (Room, bool) {
	i := rs.index(key)
	if i < 0 {
		return nil, false
	}
	switch r := rs.rooms[i].(type) {
	case *EphemeralRoom:
		cp := *r
		cp.Name = name
		rs.rooms[i] = &cp
	case *PersistedRoom:
		cp := *r
		cp.Name = name
		rs.rooms[i] = &cp
	}
	return rs.rooms[i], true
}
