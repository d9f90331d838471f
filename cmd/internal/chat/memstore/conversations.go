// Package memstore provides in-memory implementations of the chat stores.
//
// Concurrency model:
//   - Every conversation (and every per-conversation log) owns its own mutex;
//     writers to different conversations never contend.
//   - Readers load immutable snapshots through atomic pointers and never lock.
//   - Index maps are sync.Maps, so there is no store-wide lock either.
package memstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
)

// ConversationStore is an in-memory chat.ConversationStore.
type ConversationStore struct {
	now func() time.Time

	byID   sync.Map // conversation id -> *convEntry
	byPair sync.Map // pair key -> *convEntry
	byUser sync.Map // user id -> *userIndex
}

type convEntry struct {
	mu   sync.Mutex
	snap atomic.Pointer[chat.Conversation]
}

type userIndex struct {
	mu  sync.RWMutex
	ids map[string]*convEntry
}

// Option configures the in-memory stores.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// NewConversationStore constructs an empty store.
func NewConversationStore(opts ...Option) *ConversationStore {
	o := buildOptions(opts)
	return &ConversationStore{now: o.now}
}

// FindOrCreate returns the conversation for the unordered pair, creating it on first use.
// A lost creation race resolves to the winner's conversation.
func (s *ConversationStore) FindOrCreate(ctx context.Context, a, b string) (chat.Conversation, error) {
	pair, err := chat.NormalizeParticipants(a, b)
	if err != nil {
		return chat.Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}

	key := chat.PairKey(pair)
	if v, ok := s.byPair.Load(key); ok {
		return v.(*convEntry).snapshot(), nil
	}

	now := s.now()
	conv := chat.NewConversation(chat.NewID(now), pair, now)
	e := &convEntry{}
	e.snap.Store(&conv)

	// Publish the id indexes before the pair key so a racer that observes the
	// pair can always Get it. A losing candidate is withdrawn again.
	s.byID.Store(conv.ID, e)
	for _, p := range pair {
		s.userIndex(p).add(conv.ID, e)
	}

	v, loaded := s.byPair.LoadOrStore(key, e)
	if loaded {
		s.byID.Delete(conv.ID)
		for _, p := range pair {
			s.userIndex(p).remove(conv.ID)
		}
		return v.(*convEntry).snapshot(), nil
	}
	return conv.Clone(), nil
}

// Get returns a snapshot of a conversation.
func (s *ConversationStore) Get(ctx context.Context, conversationID string) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}
	e, ok := s.entry(conversationID)
	if !ok {
		return chat.Conversation{}, chat.NotFound("memstore.Get", conversationID)
	}
	return e.snapshot(), nil
}

// ListForParticipant returns the participant's conversations, most recent activity first.
func (s *ConversationStore) ListForParticipant(ctx context.Context, userID string) ([]chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := s.byUser.Load(userID)
	if !ok {
		return []chat.Conversation{}, nil
	}
	idx := v.(*userIndex)

	idx.mu.RLock()
	out := make([]chat.Conversation, 0, len(idx.ids))
	for _, e := range idx.ids {
		out = append(out, e.snapshot())
	}
	idx.mu.RUnlock()

	chat.SortByActivity(out)
	return out, nil
}

// RecordNewMessage moves the summary forward and bumps unread counters of non-senders.
func (s *ConversationStore) RecordNewMessage(ctx context.Context, conversationID string, msg chat.Message) error {
	return s.update(ctx, "memstore.RecordNewMessage", conversationID, func(c *chat.Conversation) (bool, error) {
		c.ApplyMessage(msg)
		return true, nil
	})
}

// MarkRead zeroes the participant's unread counter. Already-zero counters are a no-op.
func (s *ConversationStore) MarkRead(ctx context.Context, conversationID, userID string) error {
	const op = "memstore.MarkRead"
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
	const op = "memstore.Repair"
	return s.update(ctx, op, conversationID, func(c *chat.Conversation) (bool, error) {
		if c.LastSeq() > in.AsOfSeq {
			return false, chat.NewError(op, chat.ErrConflict, "newer message recorded")
		}
		if in.ReadMoved(c.Participants, c.ReadSeq) {
			return false, chat.NewError(op, chat.ErrConflict, "read watermark moved")
		}
		if in.LastMessage != nil {
			sum := *in.LastMessage
			c.LastMessage = &sum
		}
		for _, p := range c.Participants {
			c.Unread[p] = in.Unread[p]
		}
		return true, nil
	})
}

func (s *ConversationStore) update(ctx context.Context, op, conversationID string, fn func(*chat.Conversation) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, ok := s.entry(conversationID)
	if !ok {
		return chat.NotFound(op, conversationID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.snap.Load().Clone()
	changed, err := fn(&next)
	if err != nil || !changed {
		return err
	}
	e.snap.Store(&next)
	return nil
}

func (s *ConversationStore) entry(conversationID string) (*convEntry, bool) {
	v, ok := s.byID.Load(conversationID)
	if !ok {
		return nil, false
	}
	return v.(*convEntry), true
}

func (s *ConversationStore) userIndex(userID string) *userIndex {
	v, ok := s.byUser.Load(userID)
	if !ok {
		v, _ = s.byUser.LoadOrStore(userID, &userIndex{ids: make(map[string]*convEntry)})
	}
	return v.(*userIndex)
}

func (e *convEntry) snapshot() chat.Conversation {
	return e.snap.Load().Clone()
}

func (u *userIndex) add(id string, e *convEntry) {
	u.mu.Lock()
	u.ids[id] = e
	u.mu.Unlock()
}

func (u *userIndex) remove(id string) {
	u.mu.Lock()
	delete(u.ids, id)
	u.mu.Unlock()
}
