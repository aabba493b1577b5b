package main

import (
	"time"

	"roomchat/domain"
)

type User struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type Room struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	CreatorID int       `json:"creator_id"`
	CreatedAt time.Time `json:"created_at"`
}

type APIKey struct {
	ID        int        `json:"id"`
	Key       string     `json:"key,omitempty"`
	Name      string     `json:"name"`
	UserID    int        `json:"user_id"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used"`
}

// MessageView is a stored message as rendered in room history.
type MessageView struct {
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Username  string `json:"username"`
}

func newMessageView(m domain.ChatMessage) MessageView {
	return MessageView{
		Content:   m.Content,
		Timestamp: m.Timestamp.UTC().Format(domain.TimeLayout),
		Username:  m.Username,
	}
}
