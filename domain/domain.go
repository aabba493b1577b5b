package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// TimeLayout is the wire format for message timestamps.
const TimeLayout = "2006-01-02 15:04:05"

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotInRoom       = errors.New("not in a room")
	ErrValidation      = errors.New("validation failed")
	ErrPersistence     = errors.New("persistence failure")
	ErrRoomNotFound    = errors.New("room not found")

	ErrEmptyMessage   = fmt.Errorf("%w: message cannot be empty", ErrValidation)
	ErrMessageTooLong = fmt.Errorf("%w: message exceeds maximum length", ErrValidation)
	ErrMessageInvalid = fmt.Errorf("%w: message contains invalid characters", ErrValidation)
)

// Principal is the authenticated identity attached to a connection.
type Principal struct {
	ID       int
	Username string
}

type ChatMessage struct {
	ID        int
	Content   string
	UserID    int
	Username  string
	RoomID    int
	Timestamp time.Time
}

type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// MessageStore persists chat messages. Implementations may block on I/O.
type MessageStore interface {
	PersistMessage(ctx context.Context, content string, userID, roomID int) (*ChatMessage, error)
}

type RoomDirectory interface {
	RoomExists(ctx context.Context, roomID int) (bool, error)
}

// IdentityResolver maps an incoming upgrade request to the principal behind it.
type IdentityResolver interface {
	ResolvePrincipal(r *http.Request) (*Principal, bool)
}
