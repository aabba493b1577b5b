// Package protocol implements the room session state machine: it applies
// connection, room and message events to a presence.Store and delivers the
// resulting notifications to the affected room's members.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"roomchat/domain"
	"roomchat/presence"
)

type Kind int

const (
	KindConnect Kind = iota + 1
	KindJoin
	KindLeave
	KindHeartbeat
	KindDisconnect
	KindSendMessage
	KindSweep
	KindCloseRoom
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindJoin:
		return EventJoinRoom
	case KindLeave:
		return EventLeaveRoom
	case KindHeartbeat:
		return EventHeartbeat
	case KindDisconnect:
		return "disconnect"
	case KindSendMessage:
		return EventSendMessage
	case KindSweep:
		return "sweep"
	case KindCloseRoom:
		return "close_room"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is one unit of work for the engine. Conn and Principal are unset for
// sweeps and room closures.
type Event struct {
	Kind      Kind
	Conn      domain.Connection
	Principal *domain.Principal
	RoomID    int
	Text      string
}

// Notification is an event addressed either to a room's broadcast set
// (RoomID set) or to a single connection.
type Notification struct {
	Name       string
	Payload    any
	RoomID     int
	Recipients []domain.Connection
}

type Engine struct {
	mu       sync.Mutex
	store    *presence.Store
	messages domain.MessageStore
	rooms    domain.RoomDirectory
	timeout  time.Duration
	logger   *slog.Logger

	// closed holds rooms shut by CloseRoom. A join that passed the directory
	// check before the close must not bring them back.
	closed map[int]struct{}
}

type Option func(*Engine)

// WithRoomDirectory makes join reject rooms the directory does not know.
func WithRoomDirectory(rooms domain.RoomDirectory) Option {
	return func(e *Engine) {
		e.rooms = rooms
	}
}

// WithTimeout sets how long a member may go without a heartbeat.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func NewEngine(store *presence.Store, messages domain.MessageStore, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		messages: messages,
		timeout:  presence.DefaultTimeout,
		logger:   slog.Default(),
		closed:   make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply runs ev to completion, delivers the notifications it produces and
// returns them. Rejections visible to the client are delivered to ev.Conn and
// also reported through the error.
func (e *Engine) Apply(ctx context.Context, ev Event) ([]Notification, error) {
	switch ev.Kind {
	case KindSweep:
		return e.locked(e.sweepAll)
	case KindCloseRoom:
		return e.locked(func() ([]Notification, error) { return e.closeRoom(ev.RoomID), nil })
	}

	if ev.Principal == nil {
		return nil, domain.ErrUnauthenticated
	}

	switch ev.Kind {
	case KindConnect:
		out := []Notification{direct(ev.Conn, EventConnectionResponse, ConnectionResponse{Status: "connected"})}
		e.deliver(out)
		return out, nil
	case KindJoin:
		return e.join(ctx, ev)
	case KindLeave:
		return e.locked(func() ([]Notification, error) { return e.leave(ev) })
	case KindHeartbeat:
		return e.locked(func() ([]Notification, error) { return e.heartbeat(ev) })
	case KindDisconnect:
		return e.locked(func() ([]Notification, error) { return e.disconnect(ev), nil })
	case KindSendMessage:
		return e.sendMessage(ctx, ev)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind)
}

// Sweep evicts every stale member and returns how many were evicted.
func (e *Engine) Sweep(ctx context.Context) int {
	out, _ := e.Apply(ctx, Event{Kind: KindSweep})
	evicted := 0
	for _, n := range out {
		if n.Name == EventUserLeft {
			evicted++
		}
	}
	return evicted
}

// CloseRoom removes every member of roomID after telling them the room is gone.
func (e *Engine) CloseRoom(ctx context.Context, roomID int) {
	_, _ = e.Apply(ctx, Event{Kind: KindCloseRoom, RoomID: roomID})
}

// Reject sends err to conn as an error event.
func (e *Engine) Reject(conn domain.Connection, err error) []Notification {
	if conn == nil {
		return nil
	}
	out := []Notification{direct(conn, EventError, ErrorPayload{Error: clientError(err)})}
	e.deliver(out)
	return out
}

func (e *Engine) Members(roomID int) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.MembersOf(roomID)
}

// Room reports the live state of roomID; ok is false when nobody is in it.
func (e *Engine) Room(roomID int) (presence.RoomInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Room(roomID)
}

func (e *Engine) Stats() (rooms, members int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Stats()
}

// locked runs a transition under the store lock and delivers its notifications
// before releasing it, so broadcasts leave in the order the store changed.
func (e *Engine) locked(transition func() ([]Notification, error)) ([]Notification, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := transition()
	e.deliver(out)
	return out, err
}

func (e *Engine) join(ctx context.Context, ev Event) ([]Notification, error) {
	if ev.Conn == nil {
		return nil, fmt.Errorf("%w: join without a connection", domain.ErrValidation)
	}
	if err := e.checkRoom(ctx, ev.RoomID); err != nil {
		return e.Reject(ev.Conn, err), err
	}

	return e.locked(func() ([]Notification, error) {
		if _, gone := e.closed[ev.RoomID]; gone {
			err := domain.ErrRoomNotFound
			return []Notification{direct(ev.Conn, EventError, ErrorPayload{Error: clientError(err)})}, err
		}

		username := ev.Principal.Username
		var out []Notification
		if previous, moved := e.store.Join(ev.RoomID, *ev.Principal, ev.Conn); moved {
			e.logger.Info("user left room", "username", username, "room", previous, "reason", "joined another room")
			out = append(out, e.leftPair(previous, username)...)
		}
		e.logger.Info("user joined room", "username", username, "room", ev.RoomID)
		return append(out, e.joinedPair(ev.RoomID, username)...), nil
	})
}

func (e *Engine) checkRoom(ctx context.Context, roomID int) error {
	if roomID <= 0 {
		return domain.ErrRoomNotFound
	}
	if e.rooms == nil {
		return nil
	}
	ok, err := e.rooms.RoomExists(ctx, roomID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if !ok {
		return domain.ErrRoomNotFound
	}
	return nil
}

func (e *Engine) leave(ev Event) ([]Notification, error) {
	username := ev.Principal.Username
	if !e.heldBy(username, ev.Conn) || !e.store.Leave(ev.RoomID, username) {
		return nil, domain.ErrNotInRoom
	}
	e.logger.Info("user left room", "username", username, "room", ev.RoomID)
	return e.leftPair(ev.RoomID, username), nil
}

func (e *Engine) heartbeat(ev Event) ([]Notification, error) {
	if !e.heldBy(ev.Principal.Username, ev.Conn) {
		return nil, domain.ErrNotInRoom
	}
	roomID, ok := e.store.TouchHeartbeat(ev.Principal.Username)
	if !ok {
		return nil, domain.ErrNotInRoom
	}
	return e.sweepRoom(roomID), nil
}

// heldBy reports whether username has a membership owned by conn. A user who
// rejoined from another connection is not affected by the old one.
func (e *Engine) heldBy(username string, conn domain.Connection) bool {
	m, ok := e.store.Membership(username)
	if !ok {
		return false
	}
	return conn == nil || m.Conn == nil || m.Conn.ID() == conn.ID()
}

// disconnect drops the membership only if this connection still holds it.
func (e *Engine) disconnect(ev Event) []Notification {
	username := ev.Principal.Username
	if !e.heldBy(username, ev.Conn) {
		return nil
	}

	roomID, _ := e.store.FindRoomOf(username)
	e.store.Leave(roomID, username)
	e.logger.Info("user left room", "username", username, "room", roomID, "reason", "disconnected")
	return e.leftPair(roomID, username)
}

func (e *Engine) sweepAll() ([]Notification, error) {
	var out []Notification
	for _, roomID := range e.store.RoomIDs() {
		out = append(out, e.sweepRoom(roomID)...)
	}
	return out, nil
}

func (e *Engine) sweepRoom(roomID int) []Notification {
	var out []Notification
	for _, username := range e.store.Stale(roomID, e.timeout) {
		e.store.Leave(roomID, username)
		e.logger.Info("user left room", "username", username, "room", roomID, "reason", "heartbeat timeout")
		out = append(out, e.leftPair(roomID, username)...)
	}
	return out
}

func (e *Engine) closeRoom(roomID int) []Notification {
	e.closed[roomID] = struct{}{}
	recipients := e.store.Connections(roomID)
	if len(recipients) == 0 {
		return nil
	}
	for _, username := range e.store.MembersOf(roomID) {
		e.store.Leave(roomID, username)
	}
	e.logger.Info("room closed", "room", roomID, "members", len(recipients))
	return []Notification{{
		Name:       EventRoomClosed,
		Payload:    RoomClosed{RoomID: roomID},
		RoomID:     roomID,
		Recipients: recipients,
	}}
}

func (e *Engine) joinedPair(roomID int, username string) []Notification {
	return e.presencePair(EventUserJoined, roomID, username)
}

func (e *Engine) leftPair(roomID int, username string) []Notification {
	return e.presencePair(EventUserLeft, roomID, username)
}

// presencePair addresses both notifications to the room as it stands after
// the mutation.
func (e *Engine) presencePair(name string, roomID int, username string) []Notification {
	recipients := e.store.Connections(roomID)
	return []Notification{
		{
			Name:       name,
			Payload:    UserPresence{Username: username, RoomID: roomID},
			RoomID:     roomID,
			Recipients: recipients,
		},
		{
			Name:       EventRoomUsersUpdate,
			Payload:    RoomUsers{Users: e.store.MembersOf(roomID)},
			RoomID:     roomID,
			Recipients: recipients,
		},
	}
}

func (e *Engine) deliver(notifications []Notification) {
	for _, n := range notifications {
		if len(n.Recipients) == 0 {
			continue
		}
		data, err := Encode(n.Name, n.Payload)
		if err != nil {
			e.logger.Error("failed to encode notification", "event", n.Name, "error", err)
			continue
		}
		for _, conn := range n.Recipients {
			if err := conn.Send(data); err != nil {
				e.logger.Warn("dropping unresponsive connection", "clientId", conn.ID(), "event", n.Name, "error", err)
				_ = conn.Close()
			}
		}
	}
}

func direct(conn domain.Connection, name string, payload any) Notification {
	n := Notification{Name: name, Payload: payload}
	if conn != nil {
		n.Recipients = []domain.Connection{conn}
	}
	return n
}

func clientError(err error) string {
	switch {
	case errors.Is(err, domain.ErrPersistence):
		return "storage unavailable, please retry"
	case errors.Is(err, domain.ErrRoomNotFound):
		return "room not found"
	case errors.Is(err, domain.ErrNotInRoom):
		return "join a room first"
	}
	return err.Error()
}
