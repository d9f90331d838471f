// Package chattest holds behavioural test suites shared by every chat store backend.
package chattest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
)

// ConversationStoreFactory returns a fresh, empty store for one subtest.
type ConversationStoreFactory func(t *testing.T) chat.ConversationStore

// RunConversationStore exercises the chat.ConversationStore contract.
func RunConversationStore(t *testing.T, newStore ConversationStoreFactory) {
	t.Run("FindOrCreate_IsIdempotentOnUnorderedPair", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := testContext(t)

		ab, err := st.FindOrCreate(ctx, "alice", "bob")
		req.NoError(err)
		ba, err := st.FindOrCreate(ctx, "bob", "alice")
		req.NoError(err)

		req.Equal(ab.ID, ba.ID)
		req.Equal([2]string{"alice", "bob"}, ab.Participants)
		req.Nil(ab.LastMessage)
		req.Equal(int64(0), ab.UnreadFor("alice"))
		req.Equal(int64(0), ab.UnreadFor("bob"))

		got, err := st.Get(ctx, ab.ID)
		req.NoError(err)
		req.Equal(ab.ID, got.ID)
	})

	t.Run("FindOrCreate_RejectsInvalidPairs", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := testContext(t)

		_, err := st.FindOrCreate(ctx, "alice", "alice")
		req.ErrorIs(err, chat.ErrInvalidParticipants)

		_, err = st.FindOrCreate(ctx, "  ", "bob")
		req.ErrorIs(err, chat.ErrInvalidParticipants)
	})

	t.Run("FindOrCreate_ConcurrentCallersShareOneConversation", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := testContext(t)

		const n = 16
		ids := make([]string, n)
		errs := make([]error, n)

		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func(i int) {
				defer wg.Done()
				a, b := "carol", "dave"
				if i%2 == 0 {
					a, b = b, a
				}
				c, err := st.FindOrCreate(ctx, a, b)
				ids[i], errs[i] = c.ID, err
			}(i)
		}
		wg.Wait()

		for i := 0; i < n; i++ {
			req.NoError(errs[i])
			req.Equal(ids[0], ids[i])
		}
	})

	t.Run("Get_UnknownConversation", func(t *testing.T) {
		st := newStore(t)
		_, err := st.Get(testContext(t), chat.NewID(time.Now()))
		require.ErrorIs(t, err, chat.ErrNotFound)
	})

	t.Run("RecordNewMessage_UpdatesSummaryAndOtherUnread", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := testContext(t)

		conv, err := st.FindOrCreate(ctx, "alice", "bob")
		req.NoError(err)

		at := time.Now().UTC().Truncate(time.Millisecond)
		req.NoError(st.RecordNewMessage(ctx, conv.ID, message(conv.ID, "alice", "hi", 1, at)))

		got, err := st.Get(ctx, conv.ID)
		req.NoError(err)
		req.NotNil(got.LastMessage)
		req.Equal("hi", got.LastMessage.Text)
		req.Equal("alice", got.LastMessage.SenderID)
		req.Equal(int64(1), got.LastMessage.Sequence)
		req.WithinDuration(at, got.LastMessage.Timestamp, time.Millisecond)
		req.Equal(int64(1), got.UnreadFor("bob"))
		req.Equal(int64(0), got.UnreadFor("alice"))
	})

	t.Run("RecordNewMessage_SummaryOnlyMovesForward", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := testContext(t)

		conv, err := st.FindOrCreate(ctx, "alice", "bob")
		req.NoError(err)

		at := time.Now().UTC().Truncate(time.Millisecond)
		req.NoError(st.RecordNewMessage(ctx, conv.ID, message(conv.ID, "alice", "second", 2, at.Add(time.Second))))
		req.NoError(st.RecordNewMessage(ctx, conv.ID, message(conv.ID, "alice", "first", 1, at)))

		got, err := st.Get(ctx, conv.ID)
		req.NoError(err)
		req.Equal("second", got.LastMessage.Text)
		req.Equal(int64(2), got.UnreadFor("bob"))
	})

	t.Run("RecordNewMessage_UnknownConversation", func(t *testing.T) {
		st := newStore(t)
		id := chat.NewID(time.Now())
		err := st.RecordNewMessage(testContext(t), id, message(id, "alice", "x", 1, time.Now()))
		require.ErrorIs(t, err, chat.ErrNotFound)
	})

	t.Run("RecordNewMessage_ConcurrentWritersLoseNoIncrements", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := testContext(t)

		conv, err := st.FindOrCreate(ctx, "alice", "bob")
		req.NoError(err)

		const n = 24
		var wg sync.WaitGroup
		wg.Add(n)
		errCh := make(chan error, n)
		base := time.Now().UTC()
		for i := 1; i <= n; i++ {
			go func(seq int) {
				defer wg.Done()
				m := message(conv.ID, "alice", fmt.Sprintf("m%d", seq), int64(seq), base.Add(time.Duration(seq)*time.Millisecond))
				if err := st.RecordNewMessage(ctx, conv.ID, m); err != nil {
					errCh <- err
				}
			}(i)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			req.NoError(err)
		}

		got, err := st.Get(ctx, conv.ID)
		req.NoError(err)
		req.Equal(int64(n), got.UnreadFor("bob"))
		req.Equal(int64(n), got.LastMessage.Sequence)
	})

	t.Run("MarkRead_ZeroesOnlyTheReader", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := testContext(t)

		conv, err := st.FindOrCreate(ctx, "alice", "bob")
		req.NoError(err)

		now := time.Now().UTC()
		req.NoError(st.RecordNewMessage(ctx, conv.ID, message(conv.ID, "alice", "a1", 1, now)))
		req.NoError(st.RecordNewMessage(ctx, conv.ID, message(conv.ID, "bob", "b1", 2, now.Add(time.Millisecond))))

		req.NoError(st.MarkRead(ctx, conv.ID, "bob"))
		got, err := st.Get(ctx, conv.ID)
		req.NoError(err)
		req.Equal(int64(0), got.UnreadFor("bob"))
		req.Equal(int64(1), got.UnreadFor("alice"))
		req.Equal(int64(2), got.ReadSeq["bob"])

		// Twice is the same as once.
		req.NoError(st.MarkRead(ctx, conv.ID, "bob"))
		got, err = st.Get(ctx, conv.ID)
		req.NoError(err)
		req.Equal(int64(0), got.UnreadFor("bob"))
		req.Equal(int64(1), got.UnreadFor("alice"))
	})

	t.Run("MarkRead_UnknownConversation", func(t *testing.T) {
		st := newStore(t)
		err := st.MarkRead(testContext(t), chat.NewID(time.Now()), "alice")
		require.ErrorIs(t, err, chat.ErrNotFound)
	})

	t.Run("ListForParticipant_OrdersByActivity", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := testContext(t)

		quietOld, err := st.FindOrCreate(ctx, "alice", "u1")
		req.NoError(err)
		time.Sleep(2 * time.Millisecond)
		quietNew, err := st.FindOrCreate(ctx, "alice", "u2")
		req.NoError(err)
		busyOld, err := st.FindOrCreate(ctx, "alice", "u3")
		req.NoError(err)
		busyNew, err := st.FindOrCreate(ctx, "alice", "u4")
		req.NoError(err)
		_, err = st.FindOrCreate(ctx, "zed", "u5")
		req.NoError(err)

		base := time.Now().UTC().Truncate(time.Millisecond)
		req.NoError(st.RecordNewMessage(ctx, busyOld.ID, message(busyOld.ID, "u3", "old", 1, base)))
		req.NoError(st.RecordNewMessage(ctx, busyNew.ID, message(busyNew.ID, "u4", "new", 1, base.Add(time.Minute))))

		list, err := st.ListForParticipant(ctx, "alice")
		req.NoError(err)
		req.Len(list, 4)
		req.Equal(busyNew.ID, list[0].ID)
		req.Equal(busyOld.ID, list[1].ID)
		req.Equal(quietNew.ID, list[2].ID)
		req.Equal(quietOld.ID, list[3].ID)

		none, err := st.ListForParticipant(ctx, "nobody")
		req.NoError(err)
		req.Empty(none)
	})

	t.Run("Repair_AppliesSnapshotUnlessNewerRecorded", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := testContext(t)

		conv, err := st.FindOrCreate(ctx, "alice", "bob")
		req.NoError(err)

		at := time.Now().UTC().Truncate(time.Millisecond)
		sum := message(conv.ID, "alice", "from log", 3, at).Summary()
		req.NoError(st.Repair(ctx, conv.ID, chat.RepairInput{
			LastMessage: &sum,
			Unread:      map[string]int64{"bob": 3},
			AsOfSeq:     3,
		}))

		got, err := st.Get(ctx, conv.ID)
		req.NoError(err)
		req.Equal("from log", got.LastMessage.Text)
		req.Equal(int64(3), got.UnreadFor("bob"))
		req.Equal(int64(0), got.UnreadFor("alice"))

		req.NoError(st.RecordNewMessage(ctx, conv.ID, message(conv.ID, "alice", "newer", 4, at.Add(time.Second))))
		err = st.Repair(ctx, conv.ID, chat.RepairInput{LastMessage: &sum, Unread: map[string]int64{"bob": 3}, AsOfSeq: 3})
		req.ErrorIs(err, chat.ErrConflict)
	})

	t.Run("Repair_RejectsSnapshotTakenBeforeRead", func(t *testing.T) {
		req := require.New(t)
		st := newStore(t)
		ctx := testContext(t)

		conv, err := st.FindOrCreate(ctx, "alice", "bob")
		req.NoError(err)

		at := time.Now().UTC().Truncate(time.Millisecond)
		req.NoError(st.RecordNewMessage(ctx, conv.ID, message(conv.ID, "alice", "one", 1, at)))
		last := message(conv.ID, "alice", "two", 2, at.Add(time.Second))
		req.NoError(st.RecordNewMessage(ctx, conv.ID, last))

		before, err := st.Get(ctx, conv.ID)
		req.NoError(err)
		snapshot := map[string]int64{"alice": before.ReadSeq["alice"], "bob": before.ReadSeq["bob"]}

		// bob reads after the snapshot was taken.
		req.NoError(st.MarkRead(ctx, conv.ID, "bob"))

		sum := last.Summary()
		err = st.Repair(ctx, conv.ID, chat.RepairInput{
			LastMessage: &sum,
			Unread:      map[string]int64{"bob": 2},
			ReadSeq:     snapshot,
			AsOfSeq:     2,
		})
		req.ErrorIs(err, chat.ErrConflict)

		got, err := st.Get(ctx, conv.ID)
		req.NoError(err)
		req.Equal(int64(0), got.UnreadFor("bob"))
		req.Equal(int64(2), got.ReadSeq["bob"])
	})
}

func message(conversationID, sender, text string, seq int64, at time.Time) chat.Message {
	return chat.Message{
		ID:             chat.NewID(at),
		ConversationID: conversationID,
		SenderID:       sender,
		Text:           text,
		Sequence:       seq,
		CreatedAt:      at,
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}
