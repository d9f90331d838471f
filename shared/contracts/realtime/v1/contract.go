// Package v1 defines the LangMate Realtime Protocol v1 contract.
//
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol clients must request.
const Subprotocol = "langmate.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationOpen finds or creates a direct conversation (client -> server)
	// and is answered with the conversation.
	TypeConversationOpen = "conversation_open"
	// TypeConversationList requests the caller's conversations and is answered in kind.
	TypeConversationList = "conversation_list"
	// TypeConversationRead marks a conversation read (client -> server) and is
	// pushed to both participants once applied.
	TypeConversationRead = "conversation_read"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew pushes a newly stored message to every session of both participants.
	TypeMessageNew = "message_new"

	// TypeConversationHistoryFetch requests conversation history (client -> server).
	TypeConversationHistoryFetch = "conversation_history_fetch"
	// TypeConversationHistoryChunk returns a window of history (server -> client).
	TypeConversationHistoryChunk = "conversation_history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V    string `json:"v"`
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	// ReplyTo echoes the ID of the client envelope a server envelope answers.
	ReplyTo string          `json:"reply_to,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationOpen,
		TypeConversationList,
		TypeConversationRead,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeConversationHistoryFetch,
		TypeConversationHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned session and the authenticated user.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ConversationOpenPayload requests the direct conversation with another user.
type ConversationOpenPayload struct {
	OtherUserID string `json:"other_user_id"`
}

// LastMessage is the summary of the newest message in a conversation.
type LastMessage struct {
	ServerMsgID string    `json:"server_msg_id"`
	Text        string    `json:"text"`
	Sender      string    `json:"sender"`
	Seq         int64     `json:"seq"`
	ServerTS    time.Time `json:"server_ts"`
}

// Conversation is a conversation as seen by the connected user.
type Conversation struct {
	ConversationID string       `json:"conversation_id"`
	Participants   [2]string    `json:"participants"`
	CreatedAt      time.Time    `json:"created_at"`
	LastMessage    *LastMessage `json:"last_message,omitempty"`
	UnreadCount    int64        `json:"unread_count"`
}

// ConversationListPayload answers a conversation_list request, most recent activity first.
type ConversationListPayload struct {
	Conversations []Conversation `json:"conversations"`
}

// ConversationReadPayload requests or reports a read marker.
// ReaderID and ReadAt are set by the server.
type ConversationReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id,omitempty"`
	ReadAt         time.Time `json:"read_at,omitempty"`
}

// MessageSendPayload requests sending a message into a conversation.
// ClientMsgID is optional; when set, retries with the same id are deduplicated.
type MessageSendPayload struct {
	ConversationID string     `json:"conversation_id"`
	ClientMsgID    string     `json:"client_msg_id,omitempty"`
	Text           string     `json:"text"`
	ClientTS       *time.Time `json:"client_ts,omitempty"`
}

// MessageAckPayload acknowledges a send request and returns the canonical server ids.
type MessageAckPayload struct {
	ConversationID string    `json:"conversation_id"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
	ServerMsgID    string    `json:"server_msg_id"`
	Seq            int64     `json:"seq"`
	ServerTS       time.Time `json:"server_ts"`
}

// MessageNewPayload is pushed when a new message is accepted (non-duplicate).
type MessageNewPayload struct {
	ConversationID string    `json:"conversation_id"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
	ServerMsgID    string    `json:"server_msg_id"`
	Seq            int64     `json:"seq"`
	Sender         string    `json:"sender"`
	Text           string    `json:"text"`
	ServerTS       time.Time `json:"server_ts"`
}

// ConversationHistoryFetchPayload requests messages older than BeforeSeq
// (the newest messages when BeforeSeq is absent).
type ConversationHistoryFetchPayload struct {
	ConversationID string `json:"conversation_id"`
	BeforeSeq      *int64 `json:"before_seq,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// ConversationHistoryChunkPayload returns messages in ascending seq order.
type ConversationHistoryChunkPayload struct {
	ConversationID string              `json:"conversation_id"`
	Messages       []MessageNewPayload `json:"messages"`
	HasMore        bool                `json:"has_more"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
