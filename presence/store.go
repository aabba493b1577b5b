// Package presence tracks which users are connected to which room and evicts
// members whose heartbeat has lapsed.
//
// A Store is not safe for concurrent use. It is owned by a single writer (the
// protocol engine) which serializes every mutation.
package presence

import (
	"sort"
	"time"

	"roomchat/domain"
)

// Membership is one user's presence in a room.
type Membership struct {
	Username        string
	Conn            domain.Connection
	JoinedAt        time.Time
	LastHeartbeatAt time.Time
}

type room struct {
	id        int
	members   map[string]*Membership
	createdAt time.Time
}

// RoomInfo is a read-only snapshot of a room.
type RoomInfo struct {
	ID        int
	Members   []string
	CreatedAt time.Time
}

type Store struct {
	rooms map[int]*room
	index map[string]int // username -> roomID
	now   func() time.Time
}

type Option func(*Store)

// WithClock overrides the time source used for join and heartbeat timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		rooms: make(map[int]*room),
		index: make(map[string]int),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Join makes the principal a member of roomID. If the user was a member of a
// different room that membership is removed first and its room id returned
// with moved set. Re-joining the same room refreshes the timestamps and
// connection handle.
func (s *Store) Join(roomID int, p domain.Principal, conn domain.Connection) (previous int, moved bool) {
	if current, ok := s.index[p.Username]; ok && current != roomID {
		s.remove(current, p.Username)
		previous, moved = current, true
	}

	r, ok := s.rooms[roomID]
	if !ok {
		r = &room{
			id:        roomID,
			members:   make(map[string]*Membership),
			createdAt: s.now(),
		}
		s.rooms[roomID] = r
	}

	now := s.now()
	r.members[p.Username] = &Membership{
		Username:        p.Username,
		Conn:            conn,
		JoinedAt:        now,
		LastHeartbeatAt: now,
	}
	s.index[p.Username] = roomID
	return previous, moved
}

// Leave removes username from roomID and reports whether anything was removed.
func (s *Store) Leave(roomID int, username string) bool {
	if current, ok := s.index[username]; !ok || current != roomID {
		return false
	}
	s.remove(roomID, username)
	return true
}

func (s *Store) remove(roomID int, username string) {
	delete(s.index, username)
	r, ok := s.rooms[roomID]
	if !ok {
		return
	}
	delete(r.members, username)
	if len(r.members) == 0 {
		delete(s.rooms, roomID)
	}
}

// TouchHeartbeat refreshes the user's heartbeat and returns the room it
// belongs to.
func (s *Store) TouchHeartbeat(username string) (int, bool) {
	m, roomID, ok := s.lookup(username)
	if !ok {
		return 0, false
	}
	m.LastHeartbeatAt = s.now()
	return roomID, true
}

func (s *Store) FindRoomOf(username string) (int, bool) {
	roomID, ok := s.index[username]
	return roomID, ok
}

// Membership returns a copy of the user's current membership.
func (s *Store) Membership(username string) (Membership, bool) {
	m, _, ok := s.lookup(username)
	if !ok {
		return Membership{}, false
	}
	return *m, true
}

func (s *Store) lookup(username string) (*Membership, int, bool) {
	roomID, ok := s.index[username]
	if !ok {
		return nil, 0, false
	}
	m, ok := s.rooms[roomID].members[username]
	return m, roomID, ok
}

// MembersOf returns the usernames in roomID, sorted. The result is never nil.
func (s *Store) MembersOf(roomID int) []string {
	r, ok := s.rooms[roomID]
	if !ok {
		return []string{}
	}
	users := make([]string, 0, len(r.members))
	for username := range r.members {
		users = append(users, username)
	}
	sort.Strings(users)
	return users
}

// Connections returns the broadcast set of roomID, ordered by username.
func (s *Store) Connections(roomID int) []domain.Connection {
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	conns := make([]domain.Connection, 0, len(r.members))
	for _, username := range s.MembersOf(roomID) {
		conns = append(conns, r.members[username].Conn)
	}
	return conns
}

// Stale lists members of roomID whose last heartbeat is older than timeout.
func (s *Store) Stale(roomID int, timeout time.Duration) []string {
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	now := s.now()
	var stale []string
	for username, m := range r.members {
		if now.Sub(m.LastHeartbeatAt) > timeout {
			stale = append(stale, username)
		}
	}
	sort.Strings(stale)
	return stale
}

func (s *Store) RoomIDs() []int {
	ids := make([]int, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *Store) Room(roomID int) (RoomInfo, bool) {
	r, ok := s.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	return RoomInfo{ID: r.id, Members: s.MembersOf(roomID), CreatedAt: r.createdAt}, true
}

// Stats returns the number of live rooms and members.
func (s *Store) Stats() (rooms, members int) {
	return len(s.rooms), len(s.index)
}
