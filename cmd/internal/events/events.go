// Package events carries domain notifications from the messaging service to the
// realtime binding. Delivery is best effort: a slow or absent subscriber never
// blocks or fails the operation that produced the event.
package events

import (
	"context"
	"time"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
)

// Type names an event.
type Type string

const (
	MessageCreated   Type = "message.created"
	ConversationRead Type = "conversation.read"
)

// Event is a notification about a conversation. Exactly one of Message / ReaderID is set
// depending on Type.
type Event struct {
	Type           Type
	ConversationID string
	Participants   [2]string
	Message        *chat.Message
	ReaderID       string
	At             time.Time
}

// Publisher accepts events for fanout.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NewMessageCreated builds a message.created event for conv.
func NewMessageCreated(conv chat.Conversation, m chat.Message) Event {
	msg := m
	return Event{
		Type:           MessageCreated,
		ConversationID: conv.ID,
		Participants:   conv.Participants,
		Message:        &msg,
		At:             m.CreatedAt,
	}
}

// NewConversationRead builds a conversation.read event for conv.
func NewConversationRead(conv chat.Conversation, readerID string, at time.Time) Event {
	return Event{
		Type:           ConversationRead,
		ConversationID: conv.ID,
		Participants:   conv.Participants,
		ReaderID:       readerID,
		At:             at,
	}
}
