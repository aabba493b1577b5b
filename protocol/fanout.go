package protocol

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"roomchat/domain"
)

// MaxMessageLength matches the width of the messages.content column.
const MaxMessageLength = 500

func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return domain.ErrEmptyMessage
	}
	if !utf8.ValidString(text) {
		return domain.ErrMessageInvalid
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return domain.ErrMessageTooLong
	}
	return nil
}

// sendMessage persists the message outside the store lock and broadcasts it
// to the sender's room only once the write has succeeded.
func (e *Engine) sendMessage(ctx context.Context, ev Event) ([]Notification, error) {
	if err := ValidateMessage(ev.Text); err != nil {
		return e.Reject(ev.Conn, err), err
	}

	e.mu.Lock()
	roomID, ok := e.store.FindRoomOf(ev.Principal.Username)
	e.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotInRoom
	}

	msg, err := e.messages.PersistMessage(ctx, ev.Text, ev.Principal.ID, roomID)
	if err != nil {
		e.logger.Error("failed to persist message", "username", ev.Principal.Username, "room", roomID, "error", err)
		err = fmt.Errorf("%w: %v", domain.ErrPersistence, err)
		return e.Reject(ev.Conn, err), err
	}

	return e.locked(func() ([]Notification, error) {
		return []Notification{{
			Name: EventNewMessage,
			Payload: NewMessage{
				Username:  ev.Principal.Username,
				Message:   msg.Content,
				Timestamp: msg.Timestamp.UTC().Format(domain.TimeLayout),
			},
			RoomID:     roomID,
			Recipients: e.store.Connections(roomID),
		}}, nil
	})
}
