package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
)

type summaryRecord struct {
	MessageID string    `json:"message_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
	SenderID  string    `json:"sender_id"`
	Sequence  int64     `json:"seq"`
}

type conversationRecord struct {
	ID           string           `json:"id"`
	Participants [2]string        `json:"participants"`
	CreatedAt    time.Time        `json:"created_at"`
	LastMessage  *summaryRecord   `json:"last_message,omitempty"`
	Unread       map[string]int64 `json:"unread"`
	ReadSeq      map[string]int64 `json:"read_seq"`
}

func fromConversation(c chat.Conversation) conversationRecord {
	r := conversationRecord{
		ID:           c.ID,
		Participants: c.Participants,
		CreatedAt:    c.CreatedAt,
		Unread:       c.Unread,
		ReadSeq:      c.ReadSeq,
	}
	if s := c.LastMessage; s != nil {
		r.LastMessage = &summaryRecord{
			MessageID: s.MessageID,
			Text:      s.Text,
			Timestamp: s.Timestamp,
			SenderID:  s.SenderID,
			Sequence:  s.Sequence,
		}
	}
	return r
}

func (r conversationRecord) toConversation() chat.Conversation {
	c := chat.NewConversation(r.ID, r.Participants, r.CreatedAt.UTC())
	for k, v := range r.Unread {
		c.Unread[k] = v
	}
	for k, v := range r.ReadSeq {
		c.ReadSeq[k] = v
	}
	if s := r.LastMessage; s != nil {
		c.LastMessage = &chat.Summary{
			MessageID: s.MessageID,
			Text:      s.Text,
			Timestamp: s.Timestamp.UTC(),
			SenderID:  s.SenderID,
			Sequence:  s.Sequence,
		}
	}
	return c
}

// ConversationStore is a chat.ConversationStore on Badger.
type ConversationStore struct {
	db    *badger.DB
	now   func() time.Time
	locks chat.KeyedMutex
}

// NewConversationStore wraps db. The caller owns db and must close it.
func NewConversationStore(db *badger.DB, opts ...Option) *ConversationStore {
	o := buildOptions(opts)
	return &ConversationStore{db: db, now: o.now}
}

// FindOrCreate returns the conversation for the unordered pair, creating it on first use.
func (s *ConversationStore) FindOrCreate(ctx context.Context, a, b string) (chat.Conversation, error) {
	const op = "badgerstore.FindOrCreate"

	pair, err := chat.NormalizeParticipants(a, b)
	if err != nil {
		return chat.Conversation{}, err
	}

	if c, ok, err := s.findPair(pair); err != nil || ok {
		return c, storageErr(op, err)
	}

	release, err := s.locks.Acquire(ctx, "pair"+sep+chat.PairKey(pair))
	if err != nil {
		return chat.Conversation{}, err
	}
	defer release()

	// Re-check under the pair lock: a concurrent caller may have created it.
	if c, ok, err := s.findPair(pair); err != nil || ok {
		return c, storageErr(op, err)
	}

	now := s.now()
	conv := chat.NewConversation(chat.NewID(now), pair, now)
	raw, err := json.Marshal(fromConversation(conv))
	if err != nil {
		return chat.Conversation{}, storageErr(op, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(convKey(conv.ID), raw); err != nil {
			return err
		}
		if err := txn.Set(pairKey(pair), []byte(conv.ID)); err != nil {
			return err
		}
		for _, p := range pair {
			if err := txn.Set(userKey(p, conv.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return chat.Conversation{}, storageErr(op, err)
	}
	return conv, nil
}

func (s *ConversationStore) findPair(pair [2]string) (chat.Conversation, bool, error) {
	var (
		conv  chat.Conversation
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pairKey(pair))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		conv, err = readConversation(txn, string(id))
		found = err == nil
		return err
	})
	return conv, found, err
}

// Get returns a conversation.
func (s *ConversationStore) Get(ctx context.Context, conversationID string) (chat.Conversation, error) {
	const op = "badgerstore.Get"
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}
	var conv chat.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		c, err := readConversation(txn, conversationID)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return chat.NotFound(op, conversationID)
		}
		conv = c
		return err
	})
	return conv, storageErr(op, err)
}

// ListForParticipant returns the participant's conversations, most recent activity first.
func (s *ConversationStore) ListForParticipant(ctx context.Context, userID string) ([]chat.Conversation, error) {
	const op = "badgerstore.ListForParticipant"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := []chat.Conversation{}
	err := s.db.View(func(txn *badger.Txn) error {
		p := userPrefix(userID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = p

		it := txn.NewIterator(opts)
		var ids []string
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(p):]))
		}
		it.Close()

		for _, id := range ids {
			c, err := readConversation(txn, id)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(op, err)
	}
	chat.SortByActivity(out)
	return out, nil
}

// RecordNewMessage moves the summary forward and bumps unread counters of non-senders.
func (s *ConversationStore) RecordNewMessage(ctx context.Context, conversationID string, msg chat.Message) error {
	return s.update(ctx, "badgerstore.RecordNewMessage", conversationID, func(c *chat.Conversation) (bool, error) {
		c.ApplyMessage(msg)
		return true, nil
	})
}

// MarkRead zeroes the participant's unread counter and advances the read watermark.
func (s *ConversationStore) MarkRead(ctx context.Context, conversationID, userID string) error {
	const op = "badgerstore.MarkRead"
	return s.update(ctx, op, conversationID, func(c *chat.Conversation) (bool, error) {
		if !c.HasParticipant(userID) {
			return false, chat.NewError(op, chat.ErrForbidden, "not a participant")
		}
		if c.Unread[userID] == 0 && c.ReadSeq[userID] >= c.LastSeq() {
			return false, nil
		}
		c.ApplyRead(userID)
		return true, nil
	})
}

// Repair overwrites summary and unread counters from a log-derived snapshot.
func (s *ConversationStore) Repair(ctx context.Context, conversationID string, in chat.RepairInput) error {
	const op = "badgerstore.Repair"
	return s.update(ctx, op, conversationID, func(c *chat.Conversation) (bool, error) {
		if c.LastSeq() > in.AsOfSeq {
			return false, chat.NewError(op, chat.ErrConflict, "newer message recorded")
		}
		if in.ReadMoved(c.Participants, c.ReadSeq) {
			return false, chat.NewError(op, chat.ErrConflict, "read watermark moved")
		}
		if in.LastMessage != nil {
			c.LastMessage = lo.ToPtr(*in.LastMessage)
		}
		for _, p := range c.Participants {
			c.Unread[p] = in.Unread[p]
		}
		return true, nil
	})
}

func (s *ConversationStore) update(ctx context.Context, op, conversationID string, fn func(*chat.Conversation) (bool, error)) error {
	release, err := s.locks.Acquire(ctx, conversationID)
	if err != nil {
		return err
	}
	defer release()

	err = s.db.Update(func(txn *badger.Txn) error {
		c, err := readConversation(txn, conversationID)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return chat.NotFound(op, conversationID)
		}
		if err != nil {
			return err
		}
		changed, err := fn(&c)
		if err != nil || !changed {
			return err
		}
		raw, err := json.Marshal(fromConversation(c))
		if err != nil {
			return err
		}
		return txn.Set(convKey(conversationID), raw)
	})
	return storageErr(op, err)
}

func readConversation(txn *badger.Txn, id string) (chat.Conversation, error) {
	item, err := txn.Get(convKey(id))
	if err != nil {
		return chat.Conversation{}, err
	}
	var r conversationRecord
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &r) }); err != nil {
		return chat.Conversation{}, err
	}
	return r.toConversation(), nil
}
