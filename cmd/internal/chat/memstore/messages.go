package memstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
)

// MessageLog is an in-memory chat.MessageLog.
//
// Messages of a conversation live in a slice where index i holds sequence i+1,
// so paging is index arithmetic. Appends publish a new slice header; readers
// only touch indexes below the length they loaded.
type MessageLog struct {
	now  func() time.Time
	logs sync.Map // conversation id -> *memLog
}

// A client token is scoped to its sender; two participants may pick the same one.
type dedupeKey struct {
	sender, clientMsgID string
}

type memLog struct {
	mu     sync.Mutex
	dedupe map[dedupeKey]chat.Message
	msgs   atomic.Pointer[[]chat.Message]
}

// NewMessageLog constructs an empty log.
func NewMessageLog(opts ...Option) *MessageLog {
	o := buildOptions(opts)
	return &MessageLog{now: o.now}
}

// Append validates text, allocates the next sequence and stores the message.
func (l *MessageLog) Append(ctx context.Context, in chat.AppendInput) (chat.AppendResult, error) {
	const op = "memstore.Append"

	if in.ConversationID == "" || in.SenderID == "" {
		return chat.AppendResult{}, chat.NewError(op, chat.ErrInvalidMessage, "missing conversation or sender")
	}
	text, err := chat.NormalizeText(in.Text)
	if err != nil {
		return chat.AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return chat.AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = l.now()
	}

	ml := l.log(in.ConversationID, true)

	ml.mu.Lock()
	defer ml.mu.Unlock()

	key := dedupeKey{sender: in.SenderID, clientMsgID: in.ClientMsgID}
	if in.ClientMsgID != "" {
		if existing, ok := ml.dedupe[key]; ok {
			return chat.AppendResult{Message: existing, Duplicated: true}, nil
		}
	}

	var cur []chat.Message
	if p := ml.msgs.Load(); p != nil {
		cur = *p
	}

	msg := chat.Message{
		ID:             chat.NewID(now),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Text:           text,
		Sequence:       int64(len(cur)) + 1,
		CreatedAt:      now,
		ClientMsgID:    in.ClientMsgID,
		ClientTS:       copyTime(in.ClientTS),
	}

	next := append(cur, msg)
	ml.msgs.Store(&next)
	if in.ClientMsgID != "" {
		ml.dedupe[key] = msg
	}

	return chat.AppendResult{Message: msg}, nil
}

// Page returns up to Limit messages before *Before (or the newest), ascending.
func (l *MessageLog) Page(ctx context.Context, in chat.PageInput) (chat.PageResult, error) {
	if err := ctx.Err(); err != nil {
		return chat.PageResult{}, err
	}
	snap := l.snapshot(in.ConversationID)
	limit := chat.ClampLimit(in.Limit)

	end := int64(len(snap))
	if in.Before != nil {
		b := *in.Before - 1 // messages with seq < before live at [0, before-1)
		if b <= 0 {
			return chat.PageResult{Messages: []chat.Message{}}, nil
		}
		if b < end {
			end = b
		}
	}
	start := end - int64(limit)
	if start < 0 {
		start = 0
	}

	out := make([]chat.Message, end-start)
	copy(out, snap[start:end])
	return chat.PageResult{Messages: out, HasMore: start > 0}, nil
}

// Last returns the newest message of a conversation.
func (l *MessageLog) Last(ctx context.Context, conversationID string) (chat.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, false, err
	}
	snap := l.snapshot(conversationID)
	if len(snap) == 0 {
		return chat.Message{}, false, nil
	}
	return snap[len(snap)-1], true, nil
}

func (l *MessageLog) snapshot(conversationID string) []chat.Message {
	ml := l.log(conversationID, false)
	if ml == nil {
		return nil
	}
	if p := ml.msgs.Load(); p != nil {
		return *p
	}
	return nil
}

func (l *MessageLog) log(conversationID string, create bool) *memLog {
	if v, ok := l.logs.Load(conversationID); ok {
		return v.(*memLog)
	}
	if !create {
		return nil
	}
	v, _ := l.logs.LoadOrStore(conversationID, &memLog{dedupe: make(map[dedupeKey]chat.Message)})
	return v.(*memLog)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
