//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=chatmock/mock_store.go -package=chatmock
package chat

import (
	"context"
	"time"
)

// ConversationStore owns conversation aggregates.
//
// Requirements:
//   - FindOrCreate is idempotent on the unordered participant pair.
//   - RecordNewMessage and MarkRead are serialized per conversation; different
//     conversations never contend.
//   - Reads return snapshots and may be slightly stale under concurrent writes.
type ConversationStore interface {
	FindOrCreate(ctx context.Context, a, b string) (Conversation, error)
	Get(ctx context.Context, conversationID string) (Conversation, error)
	ListForParticipant(ctx context.Context, userID string) ([]Conversation, error)
	RecordNewMessage(ctx context.Context, conversationID string, msg Message) error
	MarkRead(ctx context.Context, conversationID, userID string) error
	Repair(ctx context.Context, conversationID string, in RepairInput) error
}

// RepairInput is a log-derived snapshot used to reconcile a stale summary.
// It is applied only if no message newer than AsOfSeq has been recorded meanwhile
// and no participant's read watermark moved away from ReadSeq.
type RepairInput struct {
	LastMessage *Summary
	Unread      map[string]int64
	ReadSeq     map[string]int64
	AsOfSeq     int64
}

// ReadMoved reports whether any participant's stored watermark differs from the snapshot.
func (in RepairInput) ReadMoved(participants [2]string, stored map[string]int64) bool {
	for _, p := range participants {
		if stored[p] != in.ReadSeq[p] {
			return true
		}
	}
	return false
}

// MessageLog is the append-only, per-conversation ordered message log.
//
// Requirements:
//   - Sequence is gap-free per conversation, starting at 1, under concurrency.
//   - CreatedAt is server-assigned; ClientTS is stored as metadata only.
//   - Idempotency per (conversation_id, sender_id, client_msg_id) when ClientMsgID is set.
//   - Page returns messages ordered by Sequence ASC.
type MessageLog interface {
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	Page(ctx context.Context, in PageInput) (PageResult, error)
	Last(ctx context.Context, conversationID string) (Message, bool, error)
}

// AppendInput describes a message append request.
type AppendInput struct {
	ConversationID string
	SenderID       string
	Text           string
	ClientMsgID    string
	ClientTS       *time.Time
	Now            time.Time
}

// AppendResult is the append operation result.
type AppendResult struct {
	Message    Message
	Duplicated bool
}

// PageInput describes a backward history query: up to Limit messages with
// Sequence < *Before, or the most recent Limit when Before is nil.
type PageInput struct {
	ConversationID string
	Before         *int64
	Limit          int
}

// PageResult contains the retrieved window and whether older messages exist.
type PageResult struct {
	Messages []Message
	HasMore  bool
}
