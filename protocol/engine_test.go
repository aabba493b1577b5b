package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/domain"
	"roomchat/presence"
)

type mockConn struct {
	id      string
	frames  []Frame
	closed  bool
	sendErr error
	mu      sync.Mutex
}

func newConn(id string) *mockConn { return &mockConn{id: id} }

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	m.frames = append(m.frames, f)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.frames))
	for _, f := range m.frames {
		names = append(names, f.Type)
	}
	return names
}

func (m *mockConn) decode(t *testing.T, i int, v any) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Greater(t, len(m.frames), i)
	require.NoError(t, json.Unmarshal(m.frames[i].Data, v))
}

func (m *mockConn) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = nil
}

type fakeMessages struct {
	mu     sync.Mutex
	saved  []domain.ChatMessage
	err    error
	clock  func() time.Time
	nextID int
}

func (f *fakeMessages) PersistMessage(_ context.Context, content string, userID, roomID int) (*domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.nextID++
	msg := domain.ChatMessage{ID: f.nextID, Content: content, UserID: userID, RoomID: roomID, Timestamp: f.clock()}
	f.saved = append(f.saved, msg)
	return &msg, nil
}

func (f *fakeMessages) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type fakeRooms map[int]bool

func (f fakeRooms) RoomExists(_ context.Context, roomID int) (bool, error) {
	return f[roomID], nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	engine   *Engine
	store    *presence.Store
	messages *fakeMessages
	clock    *fakeClock
}

func newFixture(opts ...Option) *fixture {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := presence.NewStore(presence.WithClock(clock.Now))
	messages := &fakeMessages{clock: clock.Now}
	return &fixture{
		engine:   NewEngine(store, messages, opts...),
		store:    store,
		messages: messages,
		clock:    clock,
	}
}

func principal(id int, name string) *domain.Principal {
	return &domain.Principal{ID: id, Username: name}
}

func (f *fixture) apply(t *testing.T, ev Event) []Notification {
	t.Helper()
	out, err := f.engine.Apply(context.Background(), ev)
	require.NoError(t, err)
	return out
}

func (f *fixture) join(t *testing.T, conn *mockConn, p *domain.Principal, roomID int) {
	t.Helper()
	f.apply(t, Event{Kind: KindJoin, Conn: conn, Principal: p, RoomID: roomID})
}

func names(out []Notification) []string {
	result := make([]string, 0, len(out))
	for _, n := range out {
		result = append(result, n.Name)
	}
	return result
}

func recipientIDs(n Notification) []string {
	ids := make([]string, 0, len(n.Recipients))
	for _, c := range n.Recipients {
		ids = append(ids, c.ID())
	}
	return ids
}

// assertSingleMembership checks that no user is a member of two rooms and no
// empty room is kept.
func assertSingleMembership(t *testing.T, store *presence.Store) {
	t.Helper()
	seen := make(map[string]int)
	for _, roomID := range store.RoomIDs() {
		members := store.MembersOf(roomID)
		assert.NotEmpty(t, members, "room %d kept with no members", roomID)
		for _, username := range members {
			if prev, dup := seen[username]; dup {
				t.Errorf("%s is in rooms %d and %d", username, prev, roomID)
			}
			seen[username] = roomID
			got, ok := store.FindRoomOf(username)
			assert.True(t, ok)
			assert.Equal(t, roomID, got, "index disagrees for %s", username)
		}
	}
}

func TestEngine_Connect(t *testing.T) {
	f := newFixture()
	conn := newConn("c1")

	out := f.apply(t, Event{Kind: KindConnect, Conn: conn, Principal: principal(1, "alice")})

	assert.Equal(t, []string{EventConnectionResponse}, names(out))
	assert.Equal(t, []string{EventConnectionResponse}, conn.events())
	var resp ConnectionResponse
	conn.decode(t, 0, &resp)
	assert.Equal(t, "connected", resp.Status)
}

func TestEngine_UnauthenticatedIsDropped(t *testing.T) {
	kinds := []Kind{KindConnect, KindJoin, KindLeave, KindHeartbeat, KindDisconnect, KindSendMessage}

	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			f := newFixture()
			conn := newConn("c1")

			out, err := f.engine.Apply(context.Background(), Event{Kind: kind, Conn: conn, RoomID: 1, Text: "hi"})

			assert.ErrorIs(t, err, domain.ErrUnauthenticated)
			assert.Empty(t, out)
			assert.Empty(t, conn.events())
			assert.Zero(t, f.messages.count())
		})
	}
}

func TestEngine_JoinBroadcastsToNewRoom(t *testing.T) {
	f := newFixture()
	alice, bob := newConn("a"), newConn("b")
	f.join(t, alice, principal(1, "alice"), 1)
	alice.reset()

	out := f.apply(t, Event{Kind: KindJoin, Conn: bob, Principal: principal(2, "bob"), RoomID: 1})

	require.Equal(t, []string{EventUserJoined, EventRoomUsersUpdate}, names(out))
	assert.Equal(t, []string{"a", "b"}, recipientIDs(out[0]))

	for _, conn := range []*mockConn{alice, bob} {
		assert.Equal(t, []string{EventUserJoined, EventRoomUsersUpdate}, conn.events())
		var joined UserPresence
		conn.decode(t, 0, &joined)
		assert.Equal(t, UserPresence{Username: "bob", RoomID: 1}, joined)
		var users RoomUsers
		conn.decode(t, 1, &users)
		assert.Equal(t, []string{"alice", "bob"}, users.Users)
	}
}

func TestEngine_JoinReplacesPreviousRoom(t *testing.T) {
	f := newFixture()
	alice, bob, carol := newConn("a"), newConn("b"), newConn("c")
	f.join(t, alice, principal(1, "alice"), 1)
	f.join(t, bob, principal(2, "bob"), 1)
	f.join(t, carol, principal(3, "carol"), 2)
	alice.reset()
	bob.reset()
	carol.reset()

	out := f.apply(t, Event{Kind: KindJoin, Conn: alice, Principal: principal(1, "alice"), RoomID: 2})

	require.Equal(t, []string{EventUserLeft, EventRoomUsersUpdate, EventUserJoined, EventRoomUsersUpdate}, names(out))
	assert.Equal(t, 1, out[0].RoomID)
	assert.Equal(t, 1, out[1].RoomID)
	assert.Equal(t, 2, out[2].RoomID)
	assert.Equal(t, 2, out[3].RoomID)

	assert.Equal(t, []string{EventUserLeft, EventRoomUsersUpdate}, bob.events())
	var left UserPresence
	bob.decode(t, 0, &left)
	assert.Equal(t, UserPresence{Username: "alice", RoomID: 1}, left)
	var users RoomUsers
	bob.decode(t, 1, &users)
	assert.Equal(t, []string{"bob"}, users.Users)

	assert.Equal(t, []string{EventUserJoined, EventRoomUsersUpdate}, alice.events())
	assert.Equal(t, []string{EventUserJoined, EventRoomUsersUpdate}, carol.events())

	room, ok := f.store.FindRoomOf("alice")
	require.True(t, ok)
	assert.Equal(t, 2, room)
	assertSingleMembership(t, f.store)
}

func TestEngine_JoinFromOnlyMemberEvictsOldRoom(t *testing.T) {
	f := newFixture()
	alice := newConn("a")
	f.join(t, alice, principal(1, "alice"), 1)

	out := f.apply(t, Event{Kind: KindJoin, Conn: alice, Principal: principal(1, "alice"), RoomID: 2})

	require.Equal(t, []string{EventUserLeft, EventRoomUsersUpdate, EventUserJoined, EventRoomUsersUpdate}, names(out))
	assert.Empty(t, out[0].Recipients)
	assert.Equal(t, []int{2}, f.store.RoomIDs())
}

func TestEngine_JoinUnknownRoom(t *testing.T) {
	tests := []struct {
		name   string
		roomID int
	}{
		{name: "not in directory", roomID: 9},
		{name: "zero id", roomID: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(WithRoomDirectory(fakeRooms{1: true}))
			conn := newConn("a")

			out, err := f.engine.Apply(context.Background(), Event{Kind: KindJoin, Conn: conn, Principal: principal(1, "alice"), RoomID: tt.roomID})

			assert.ErrorIs(t, err, domain.ErrRoomNotFound)
			assert.Equal(t, []string{EventError}, names(out))
			assert.Equal(t, []string{EventError}, conn.events())
			var payload ErrorPayload
			conn.decode(t, 0, &payload)
			assert.Equal(t, "room not found", payload.Error)
			assert.Empty(t, f.store.RoomIDs())
		})
	}
}

func TestEngine_LeaveIsIdempotent(t *testing.T) {
	f := newFixture()
	alice, bob := newConn("a"), newConn("b")
	f.join(t, alice, principal(1, "alice"), 1)
	f.join(t, bob, principal(2, "bob"), 1)
	bob.reset()

	out := f.apply(t, Event{Kind: KindLeave, Conn: alice, Principal: principal(1, "alice"), RoomID: 1})
	assert.Equal(t, []string{EventUserLeft, EventRoomUsersUpdate}, names(out))
	assert.Equal(t, []string{"b"}, recipientIDs(out[0]))

	out, err := f.engine.Apply(context.Background(), Event{Kind: KindLeave, Conn: alice, Principal: principal(1, "alice"), RoomID: 1})
	assert.ErrorIs(t, err, domain.ErrNotInRoom)
	assert.Empty(t, out)
	assert.Equal(t, []string{EventUserLeft, EventRoomUsersUpdate}, bob.events())
}

func TestEngine_LeaveLastMemberEvictsRoom(t *testing.T) {
	f := newFixture()
	alice := newConn("a")
	f.join(t, alice, principal(1, "alice"), 4)

	f.apply(t, Event{Kind: KindLeave, Conn: alice, Principal: principal(1, "alice"), RoomID: 4})

	assert.Empty(t, f.store.RoomIDs())
	_, ok := f.store.FindRoomOf("alice")
	assert.False(t, ok)
}

func TestEngine_HeartbeatSweepsStaleMembers(t *testing.T) {
	f := newFixture()
	alice, bob := newConn("a"), newConn("b")
	f.join(t, alice, principal(1, "alice"), 1)
	f.join(t, bob, principal(2, "bob"), 1)
	alice.reset()

	f.clock.Advance(30 * time.Second)
	f.apply(t, Event{Kind: KindHeartbeat, Conn: alice, Principal: principal(1, "alice"), RoomID: 1})
	assert.Empty(t, alice.events())

	f.clock.Advance(31 * time.Second)
	out := f.apply(t, Event{Kind: KindHeartbeat, Conn: alice, Principal: principal(1, "alice"), RoomID: 1})

	require.Equal(t, []string{EventUserLeft, EventRoomUsersUpdate}, names(out))
	var left UserPresence
	alice.decode(t, 0, &left)
	assert.Equal(t, "bob", left.Username)
	assert.Equal(t, []string{"alice"}, f.store.MembersOf(1))
}

func TestEngine_HeartbeatOutsideRoom(t *testing.T) {
	f := newFixture()

	out, err := f.engine.Apply(context.Background(), Event{Kind: KindHeartbeat, Conn: newConn("a"), Principal: principal(1, "alice"), RoomID: 1})

	assert.ErrorIs(t, err, domain.ErrNotInRoom)
	assert.Empty(t, out)
}

func TestEngine_SweepTimeout(t *testing.T) {
	tests := []struct {
		name        string
		elapsed     time.Duration
		wantEvicted int
	}{
		{name: "59 seconds stays", elapsed: 59 * time.Second, wantEvicted: 0},
		{name: "61 seconds evicted", elapsed: 61 * time.Second, wantEvicted: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(WithTimeout(60 * time.Second))
			alice, bob := newConn("a"), newConn("b")
			f.join(t, alice, principal(1, "alice"), 1)
			f.clock.Advance(tt.elapsed)
			f.join(t, bob, principal(2, "bob"), 1)
			bob.reset()

			evicted := f.engine.Sweep(context.Background())

			assert.Equal(t, tt.wantEvicted, evicted)
			if tt.wantEvicted == 0 {
				assert.Empty(t, bob.events())
				assert.Equal(t, []string{"alice", "bob"}, f.store.MembersOf(1))
				return
			}
			assert.Equal(t, []string{EventUserLeft, EventRoomUsersUpdate}, bob.events())
			assert.Equal(t, []string{"bob"}, f.store.MembersOf(1))
		})
	}
}

func TestEngine_SweepEvictsEmptiedRoom(t *testing.T) {
	f := newFixture()
	f.join(t, newConn("a"), principal(1, "alice"), 1)
	f.join(t, newConn("b"), principal(2, "bob"), 2)
	f.clock.Advance(2 * time.Minute)

	assert.Equal(t, 2, f.engine.Sweep(context.Background()))
	assert.Empty(t, f.store.RoomIDs())
}

func TestEngine_Disconnect(t *testing.T) {
	f := newFixture()
	alice, bob := newConn("a"), newConn("b")
	f.join(t, alice, principal(1, "alice"), 1)
	f.join(t, bob, principal(2, "bob"), 1)
	bob.reset()

	out := f.apply(t, Event{Kind: KindDisconnect, Conn: alice, Principal: principal(1, "alice")})

	assert.Equal(t, []string{EventUserLeft, EventRoomUsersUpdate}, names(out))
	assert.Equal(t, []string{EventUserLeft, EventRoomUsersUpdate}, bob.events())
	assert.Equal(t, []string{"bob"}, f.store.MembersOf(1))
}

func TestEngine_DisconnectOfReplacedConnection(t *testing.T) {
	f := newFixture()
	oldTab, newTab := newConn("tab1"), newConn("tab2")
	f.join(t, oldTab, principal(1, "alice"), 1)
	f.join(t, newTab, principal(1, "alice"), 1)

	out := f.apply(t, Event{Kind: KindDisconnect, Conn: oldTab, Principal: principal(1, "alice")})

	assert.Empty(t, out)
	assert.Equal(t, []string{"alice"}, f.store.MembersOf(1))
}

func TestEngine_DisconnectWithoutRoom(t *testing.T) {
	f := newFixture()

	out := f.apply(t, Event{Kind: KindDisconnect, Conn: newConn("a"), Principal: principal(1, "alice")})

	assert.Empty(t, out)
}

func TestEngine_CloseRoom(t *testing.T) {
	f := newFixture()
	alice, bob, carol := newConn("a"), newConn("b"), newConn("c")
	f.join(t, alice, principal(1, "alice"), 1)
	f.join(t, bob, principal(2, "bob"), 1)
	f.join(t, carol, principal(3, "carol"), 2)
	alice.reset()
	bob.reset()
	carol.reset()

	f.engine.CloseRoom(context.Background(), 1)

	for _, conn := range []*mockConn{alice, bob} {
		assert.Equal(t, []string{EventRoomClosed}, conn.events())
		var closed RoomClosed
		conn.decode(t, 0, &closed)
		assert.Equal(t, 1, closed.RoomID)
	}
	assert.Empty(t, carol.events())
	assert.Equal(t, []int{2}, f.store.RoomIDs())
	_, ok := f.store.FindRoomOf("alice")
	assert.False(t, ok)
}

func TestEngine_SlowConnectionIsClosed(t *testing.T) {
	f := newFixture()
	alice, bob := newConn("a"), newConn("b")
	f.join(t, alice, principal(1, "alice"), 1)
	alice.sendErr = errors.New("send buffer full")

	f.join(t, bob, principal(2, "bob"), 1)

	assert.True(t, alice.closed)
	assert.Equal(t, []string{EventUserJoined, EventRoomUsersUpdate}, bob.events())
}

func TestEngine_MembersAndStats(t *testing.T) {
	f := newFixture()
	f.join(t, newConn("a"), principal(1, "alice"), 1)
	f.join(t, newConn("b"), principal(2, "bob"), 1)
	f.join(t, newConn("c"), principal(3, "carol"), 3)

	assert.Equal(t, []string{"alice", "bob"}, f.engine.Members(1))
	rooms, members := f.engine.Stats()
	assert.Equal(t, 2, rooms)
	assert.Equal(t, 3, members)
}

func TestEngine_RandomTransitionsKeepSingleMembership(t *testing.T) {
	f := newFixture()
	rng := rand.New(rand.NewSource(42))
	users := []*domain.Principal{principal(1, "alice"), principal(2, "bob"), principal(3, "carol"), principal(4, "dave")}
	conns := map[string]*mockConn{}
	for _, u := range users {
		conns[u.Username] = newConn(u.Username)
	}

	for i := 0; i < 500; i++ {
		u := users[rng.Intn(len(users))]
		ev := Event{Conn: conns[u.Username], Principal: u, RoomID: rng.Intn(4) + 1}
		switch rng.Intn(5) {
		case 0, 1:
			ev.Kind = KindJoin
		case 2:
			ev.Kind = KindLeave
		case 3:
			ev.Kind = KindHeartbeat
			f.clock.Advance(time.Duration(rng.Intn(40)) * time.Second)
		case 4:
			ev.Kind = KindDisconnect
		}
		_, _ = f.engine.Apply(context.Background(), ev)
		assertSingleMembership(t, f.store)
	}
}

func TestEngine_ConcurrentTransitions(t *testing.T) {
	f := newFixture()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := principal(i, fmt.Sprintf("user%d", i%5))
			conn := newConn(fmt.Sprintf("c%d", i))
			for j := 0; j < 50; j++ {
				roomID := (i+j)%3 + 1
				_, _ = f.engine.Apply(context.Background(), Event{Kind: KindJoin, Conn: conn, Principal: p, RoomID: roomID})
				_, _ = f.engine.Apply(context.Background(), Event{Kind: KindSendMessage, Conn: conn, Principal: p, Text: "hi"})
				if j%7 == 0 {
					_, _ = f.engine.Apply(context.Background(), Event{Kind: KindLeave, Conn: conn, Principal: p, RoomID: roomID})
				}
			}
		}(i)
	}
	wg.Wait()

	assertSingleMembership(t, f.store)
}

// closingRooms deletes the room while the engine is between its directory
// check and the store update.
type closingRooms struct {
	engine  *Engine
	closing bool
}

func (c *closingRooms) RoomExists(ctx context.Context, roomID int) (bool, error) {
	if c.closing {
		c.engine.CloseRoom(ctx, roomID)
	}
	return true, nil
}

func TestEngine_JoinDoesNotReviveClosedRoom(t *testing.T) {
	rooms := &closingRooms{}
	f := newFixture(WithRoomDirectory(rooms))
	rooms.engine = f.engine
	alice, bob := newConn("a"), newConn("b")
	f.join(t, bob, principal(2, "bob"), 1)
	bob.reset()
	rooms.closing = true

	out, err := f.engine.Apply(context.Background(), Event{Kind: KindJoin, Conn: alice, Principal: principal(1, "alice"), RoomID: 1})

	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.Equal(t, []string{EventError}, names(out))
	assert.Equal(t, []string{EventError}, alice.events())
	assert.Equal(t, []string{EventRoomClosed}, bob.events())
	assert.Empty(t, f.store.RoomIDs())
	_, ok := f.store.FindRoomOf("alice")
	assert.False(t, ok)
}

func TestEngine_JoinClosedRoomWithoutDirectory(t *testing.T) {
	f := newFixture()
	f.engine.CloseRoom(context.Background(), 5)
	alice := newConn("a")

	_, err := f.engine.Apply(context.Background(), Event{Kind: KindJoin, Conn: alice, Principal: principal(1, "alice"), RoomID: 5})

	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.Empty(t, f.store.RoomIDs())
}

func TestEngine_JoinWithoutConnection(t *testing.T) {
	f := newFixture()

	out, err := f.engine.Apply(context.Background(), Event{Kind: KindJoin, Principal: principal(1, "alice"), RoomID: 1})

	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, out)
	assert.Empty(t, f.store.RoomIDs())
}

func TestEngine_LeaveFromReplacedConnection(t *testing.T) {
	f := newFixture()
	oldTab, newTab := newConn("tab1"), newConn("tab2")
	f.join(t, oldTab, principal(1, "alice"), 1)
	f.join(t, newTab, principal(1, "alice"), 1)
	newTab.reset()

	out, err := f.engine.Apply(context.Background(), Event{Kind: KindLeave, Conn: oldTab, Principal: principal(1, "alice"), RoomID: 1})

	assert.ErrorIs(t, err, domain.ErrNotInRoom)
	assert.Empty(t, out)
	assert.Empty(t, newTab.events())
	m, ok := f.store.Membership("alice")
	require.True(t, ok)
	assert.Equal(t, "tab2", m.Conn.ID())
}

func TestEngine_HeartbeatFromReplacedConnection(t *testing.T) {
	f := newFixture()
	oldTab, newTab := newConn("tab1"), newConn("tab2")
	f.join(t, oldTab, principal(1, "alice"), 1)
	f.join(t, newTab, principal(1, "alice"), 1)

	f.clock.Advance(50 * time.Second)
	_, err := f.engine.Apply(context.Background(), Event{Kind: KindHeartbeat, Conn: oldTab, Principal: principal(1, "alice"), RoomID: 1})
	assert.ErrorIs(t, err, domain.ErrNotInRoom)

	f.clock.Advance(11 * time.Second)
	assert.Equal(t, 1, f.engine.Sweep(context.Background()))
	assert.Empty(t, f.store.RoomIDs())
}
