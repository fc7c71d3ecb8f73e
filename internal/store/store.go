// Package store persists conversations and their messages. Every operation
// is scoped to a user ID: a caller can never read or write another user's
// rows.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Message roles accepted by CreateMessage.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrNotFound is returned when a conversation does not exist or belongs
	// to another user.
	ErrNotFound = errors.New("conversation not found")
	// ErrInvalidMessage is returned when a message fails validation.
	ErrInvalidMessage = errors.New("invalid message")
)

// Conversation is a chat thread owned by one user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages,omitempty"`
	Ephemeral bool      `json:"ephemeral,omitempty"`
}

// Message is one turn within a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Ephemeral      bool      `json:"ephemeral,omitempty"`
}

// Validate reports whether m can be stored.
func (m Message) Validate() error {
	switch {
	case m.ConversationID == "":
		return errors.Join(ErrInvalidMessage, errors.New("conversation_id is required"))
	case m.Role != RoleUser && m.Role != RoleAssistant:
		return errors.Join(ErrInvalidMessage, errors.New("role must be user or assistant"))
	case m.Content == "":
		return errors.Join(ErrInvalidMessage, errors.New("content is required"))
	}
	return nil
}

// Store is the persistence interface used by the HTTP handlers and the
// relay's message recorder.
type Store interface {
	// ListConversations returns the user's conversations newest first, each
	// with its messages in ascending order.
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	CreateConversation(ctx context.Context, userID string) (*Conversation, error)
	// ListMessages returns the conversation's messages oldest first.
	ListMessages(ctx context.Context, userID, conversationID string) ([]Message, error)
	CreateMessage(ctx context.Context, msg Message) (*Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// EphemeralConversation builds an unsaved conversation for anonymous
// callers.
func EphemeralConversation() *Conversation {
	return &Conversation{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Messages:  []Message{},
		Ephemeral: true,
	}
}

// EphemeralMessage builds an unsaved copy of msg for anonymous callers.
func EphemeralMessage(msg Message) *Message {
	msg.ID = uuid.NewString()
	msg.UserID = ""
	msg.CreatedAt = time.Now().UTC()
	msg.Ephemeral = true
	return &msg
}
