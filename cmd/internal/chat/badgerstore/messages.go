package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
)

type messageRecord struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Text           string     `json:"text"`
	Sequence       int64      `json:"seq"`
	CreatedAt      time.Time  `json:"created_at"`
	ClientMsgID    string     `json:"client_msg_id,omitempty"`
	ClientTS       *time.Time `json:"client_ts,omitempty"`
}

func fromMessage(m chat.Message) messageRecord {
	return messageRecord(m)
}

func (r messageRecord) toMessage() chat.Message {
	m := chat.Message(r)
	m.CreatedAt = m.CreatedAt.UTC()
	if m.ClientTS != nil {
		ts := m.ClientTS.UTC()
		m.ClientTS = &ts
	}
	return m
}

// MessageLog is a chat.MessageLog on Badger.
type MessageLog struct {
	db    *badger.DB
	now   func() time.Time
	locks chat.KeyedMutex
}

// NewMessageLog wraps db. The caller owns db and must close it.
func NewMessageLog(db *badger.DB, opts ...Option) *MessageLog {
	o := buildOptions(opts)
	return &MessageLog{db: db, now: o.now}
}

// Append validates text, allocates the next sequence and stores the message.
func (l *MessageLog) Append(ctx context.Context, in chat.AppendInput) (chat.AppendResult, error) {
	const op = "badgerstore.Append"

	if in.ConversationID == "" || in.SenderID == "" {
		return chat.AppendResult{}, chat.NewError(op, chat.ErrInvalidMessage, "missing conversation or sender")
	}
	text, err := chat.NormalizeText(in.Text)
	if err != nil {
		return chat.AppendResult{}, err
	}

	release, err := l.locks.Acquire(ctx, in.ConversationID)
	if err != nil {
		return chat.AppendResult{}, err
	}
	defer release()

	now := in.Now
	if now.IsZero() {
		now = l.now()
	}

	// Checked outside the append txn: RecordNewMessage rewrites this key under another lock.
	err = l.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(convKey(in.ConversationID))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return chat.AppendResult{}, chat.NotFound(op, in.ConversationID)
	}
	if err != nil {
		return chat.AppendResult{}, storageErr(op, err)
	}

	var res chat.AppendResult
	err = l.db.Update(func(txn *badger.Txn) error {
		if in.ClientMsgID != "" {
			item, err := txn.Get(dedupeKey(in.ConversationID, in.SenderID, in.ClientMsgID))
			switch {
			case err == nil:
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				seq, err := decodeSeq(raw)
				if err != nil {
					return err
				}
				m, err := readMessage(txn, in.ConversationID, seq)
				if err != nil {
					return err
				}
				res = chat.AppendResult{Message: m, Duplicated: true}
				return nil
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
		}

		next := int64(1)
		item, err := txn.Get(cursorKey(in.ConversationID))
		switch {
		case err == nil:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if next, err = decodeSeq(raw); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		msg := chat.Message{
			ID:             chat.NewID(now),
			ConversationID: in.ConversationID,
			SenderID:       in.SenderID,
			Text:           text,
			Sequence:       next,
			CreatedAt:      now,
			ClientMsgID:    in.ClientMsgID,
		}
		if in.ClientTS != nil {
			ts := in.ClientTS.UTC()
			msg.ClientTS = &ts
		}

		raw, err := json.Marshal(fromMessage(msg))
		if err != nil {
			return err
		}
		if err := txn.Set(msgKey(in.ConversationID, next), raw); err != nil {
			return err
		}
		if err := txn.Set(cursorKey(in.ConversationID), encodeSeq(next+1)); err != nil {
			return err
		}
		if in.ClientMsgID != "" {
			if err := txn.Set(dedupeKey(in.ConversationID, in.SenderID, in.ClientMsgID), encodeSeq(next)); err != nil {
				return err
			}
		}
		res = chat.AppendResult{Message: msg}
		return nil
	})
	if err != nil {
		return chat.AppendResult{}, storageErr(op, err)
	}
	return res, nil
}

// Page returns up to Limit messages before *Before (or the newest), ascending.
func (l *MessageLog) Page(ctx context.Context, in chat.PageInput) (chat.PageResult, error) {
	const op = "badgerstore.Page"
	if err := ctx.Err(); err != nil {
		return chat.PageResult{}, err
	}
	limit := chat.ClampLimit(in.Limit)

	var seek []byte
	if in.Before != nil {
		if *in.Before <= 1 {
			return chat.PageResult{Messages: []chat.Message{}}, nil
		}
		seek = msgKey(in.ConversationID, *in.Before-1)
	}

	msgs, err := l.scanBackward(in.ConversationID, seek, limit+1)
	if err != nil {
		return chat.PageResult{}, storageErr(op, err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	slices.Reverse(msgs)
	return chat.PageResult{Messages: msgs, HasMore: hasMore}, nil
}

// Last returns the newest message of a conversation.
func (l *MessageLog) Last(ctx context.Context, conversationID string) (chat.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, false, err
	}
	msgs, err := l.scanBackward(conversationID, nil, 1)
	if err != nil {
		return chat.Message{}, false, storageErr("badgerstore.Last", err)
	}
	if len(msgs) == 0 {
		return chat.Message{}, false, nil
	}
	return msgs[0], true, nil
}

// scanBackward collects up to n messages in descending sequence order, starting at
// seek (inclusive) or at the newest message when seek is nil.
func (l *MessageLog) scanBackward(conversationID string, seek []byte, n int) ([]chat.Message, error) {
	out := make([]chat.Message, 0, n)
	err := l.db.View(func(txn *badger.Txn) error {
		p := msgPrefix(conversationID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = p
		if n < opts.PrefetchSize {
			opts.PrefetchSize = n
		}

		it := txn.NewIterator(opts)
		defer it.Close()

		if seek == nil {
			// 0xff sorts after every zero-padded sequence.
			seek = append(append([]byte{}, p...), 0xff)
		}
		for it.Seek(seek); it.ValidForPrefix(p) && len(out) < n; it.Next() {
			var r messageRecord
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &r) }); err != nil {
				return err
			}
			out = append(out, r.toMessage())
		}
		return nil
	})
	return out, err
}

func readMessage(txn *badger.Txn, conversationID string, seq int64) (chat.Message, error) {
	item, err := txn.Get(msgKey(conversationID, seq))
	if err != nil {
		return chat.Message{}, err
	}
	var r messageRecord
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &r) }); err != nil {
		return chat.Message{}, err
	}
	return r.toMessage(), nil
}
