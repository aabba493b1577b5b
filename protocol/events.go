package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"roomchat/domain"
)

// Client to server events.
const (
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
	EventHeartbeat   = "heartbeat"
	EventSendMessage = "send_message"
)

// Server to client events.
const (
	EventConnectionResponse = "connection_response"
	EventUserJoined         = "user_joined"
	EventUserLeft           = "user_left"
	EventRoomUsersUpdate    = "room_users_update"
	EventNewMessage         = "new_message"
	EventRoomClosed         = "room_closed"
	EventError              = "error"
)

var ErrUnknownEvent = errors.New("unknown event type")

// Frame is the envelope every WebSocket message travels in.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ConnectionResponse struct {
	Status string `json:"status"`
}

// UserPresence is the payload of user_joined and user_left.
type UserPresence struct {
	Username string `json:"username"`
	RoomID   int    `json:"room_id"`
}

type RoomUsers struct {
	Users []string `json:"users"`
}

type NewMessage struct {
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type RoomClosed struct {
	RoomID int `json:"room_id"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type roomRequest struct {
	RoomID roomRef `json:"room_id"`
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

// roomRef accepts a room id sent either as a number or a numeric string.
type roomRef int

func (r *roomRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("invalid room_id %q", b)
	}
	*r = roomRef(n)
	return nil
}

// Encode wraps payload in a Frame of the given type.
func Encode(eventType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: eventType, Data: data})
}

// Decode parses a client frame into an Event for conn.
func Decode(raw []byte, conn domain.Connection, principal *domain.Principal) (Event, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Event{}, fmt.Errorf("%w: malformed frame", domain.ErrValidation)
	}

	ev := Event{Conn: conn, Principal: principal}
	switch frame.Type {
	case EventJoinRoom, EventLeaveRoom, EventHeartbeat:
		var req roomRequest
		if err := unmarshalData(frame.Data, &req); err != nil {
			return Event{}, err
		}
		ev.RoomID = int(req.RoomID)
		ev.Kind = map[string]Kind{
			EventJoinRoom:  KindJoin,
			EventLeaveRoom: KindLeave,
			EventHeartbeat: KindHeartbeat,
		}[frame.Type]
	case EventSendMessage:
		var req sendMessageRequest
		if err := unmarshalData(frame.Data, &req); err != nil {
			return Event{}, err
		}
		ev.Kind = KindSendMessage
		ev.Text = req.Message
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Type)
	}
	return ev, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}
