package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message is a persisted chat message. Only the router's persistence
// collaborator owns these; the signaling path never keeps them.
type Message struct {
	ID              string              `json:"id"`
	FromUserID      UserID              `json:"from_user_id"`
	FromUsername    string              `json:"from_username"`
	ToUserID        UserID              `json:"to_user_id"`
	Message         string              `json:"message"`
	FileURL         string              `json:"file_url,omitempty"`
	FileType        string              `json:"file_type,omitempty"`
	FileName        string              `json:"file_name,omitempty"`
	ReplyToID       string              `json:"reply_to_id,omitempty"`
	ReplyToText     string              `json:"reply_to_text,omitempty"`
	ReplyToUsername string              `json:"reply_to_username,omitempty"`
	Timestamp       time.Time           `json:"timestamp"`
	Read            bool                `json:"read"`
	Deleted         bool                `json:"deleted"`
	EditedAt        *time.Time          `json:"edited_at,omitempty"`
	Reactions       map[string][]UserID `json:"reactions,omitempty"`
}

// NewMessage stamps a send-message event with a server id and time.
func NewMessage(ev *SendMessage, at time.Time) Message {
	id := ev.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	return Message{
		ID:              id,
		FromUserID:      ev.FromUserID,
		FromUsername:    ev.FromUsername,
		ToUserID:        ev.ToUserID,
		Message:         ev.Message,
		FileURL:         ev.FileURL,
		FileType:        ev.FileType,
		FileName:        ev.FileName,
		ReplyToID:       ev.ReplyToID,
		ReplyToText:     ev.ReplyToText,
		ReplyToUsername: ev.ReplyToUsername,
		Timestamp:       at.UTC(),
	}
}

// Between reports whether m belongs to the conversation of a and b.
func (m Message) Between(a, b UserID) bool {
	return (m.FromUserID == a && m.ToUserID == b) || (m.FromUserID == b && m.ToUserID == a)
}

// SentBy reports whether from wrote m to to.
func (m Message) SentBy(from, to UserID) bool {
	return m.FromUserID == from && m.ToUserID == to
}

// ToggleReaction adds user's emoji, or removes it when already present.
func (m *Message) ToggleReaction(user UserID, emoji string) {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]UserID)
	}
	users := m.Reactions[emoji]
	for i, u := range users {
		if u == user {
			users = append(users[:i], users[i+1:]...)
			if len(users) == 0 {
				delete(m.Reactions, emoji)
			} else {
				m.Reactions[emoji] = users
			}
			return
		}
	}
	m.Reactions[emoji] = append(users, user)
}
