package chattest

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
)

// MessageLogFactory returns a fresh, empty log for one subtest.
// The returned conversation id exists in whatever backing tables the log needs.
type MessageLogFactory func(t *testing.T) (chat.MessageLog, func(t *testing.T) string)

// RunMessageLog exercises the chat.MessageLog contract.
func RunMessageLog(t *testing.T, newLog MessageLogFactory) {
	t.Run("Append_AssignsSequenceFromOne", func(t *testing.T) {
		req := require.New(t)
		log, newConv := newLog(t)
		ctx := testContext(t)
		conv := newConv(t)

		for i := 1; i <= 3; i++ {
			res, err := log.Append(ctx, chat.AppendInput{ConversationID: conv, SenderID: "alice", Text: fmt.Sprintf("m%d", i)})
			req.NoError(err)
			req.False(res.Duplicated)
			req.Equal(int64(i), res.Message.Sequence)
			req.Equal(conv, res.Message.ConversationID)
			req.NotEmpty(res.Message.ID)
		}

		other := newConv(t)
		res, err := log.Append(ctx, chat.AppendInput{ConversationID: other, SenderID: "bob", Text: "first"})
		req.NoError(err)
		req.Equal(int64(1), res.Message.Sequence)
	})

	t.Run("Append_ValidatesText", func(t *testing.T) {
		req := require.New(t)
		log, newConv := newLog(t)
		ctx := testContext(t)
		conv := newConv(t)

		_, err := log.Append(ctx, chat.AppendInput{ConversationID: conv, SenderID: "alice", Text: "   \n\t"})
		req.ErrorIs(err, chat.ErrInvalidMessage)

		_, err = log.Append(ctx, chat.AppendInput{ConversationID: conv, SenderID: "alice", Text: strings.Repeat("ж", chat.MaxMessageChars+1)})
		req.ErrorIs(err, chat.ErrInvalidMessage)

		res, err := log.Append(ctx, chat.AppendInput{ConversationID: conv, SenderID: "alice", Text: "  " + strings.Repeat("ж", chat.MaxMessageChars) + "  "})
		req.NoError(err)
		req.Equal(strings.Repeat("ж", chat.MaxMessageChars), res.Message.Text)
		req.Equal(int64(1), res.Message.Sequence, "rejected appends must not consume sequence numbers")
	})

	t.Run("Append_ServerAssignsCreatedAt", func(t *testing.T) {
		req := require.New(t)
		log, newConv := newLog(t)
		ctx := testContext(t)
		conv := newConv(t)

		skewed := time.Now().UTC().Add(-72 * time.Hour)
		before := time.Now().UTC().Add(-time.Second)
		res, err := log.Append(ctx, chat.AppendInput{ConversationID: conv, SenderID: "alice", Text: "hello", ClientTS: &skewed})
		req.NoError(err)
		req.True(res.Message.CreatedAt.After(before))
		req.NotNil(res.Message.ClientTS)
		req.WithinDuration(skewed, *res.Message.ClientTS, time.Millisecond)

		page, err := log.Page(ctx, chat.PageInput{ConversationID: conv, Limit: 10})
		req.NoError(err)
		req.Len(page.Messages, 1)
		req.NotNil(page.Messages[0].ClientTS)
		req.WithinDuration(skewed, *page.Messages[0].ClientTS, time.Millisecond)
	})

	t.Run("Append_DeduplicatesClientMsgID", func(t *testing.T) {
		req := require.New(t)
		log, newConv := newLog(t)
		ctx := testContext(t)
		conv := newConv(t)

		first, err := log.Append(ctx, chat.AppendInput{ConversationID: conv, SenderID: "alice", Text: "hello", ClientMsgID: "c-1"})
		req.NoError(err)
		second, err := log.Append(ctx, chat.AppendInput{ConversationID: conv, SenderID: "alice", Text: "hello", ClientMsgID: "c-1"})
		req.NoError(err)
		req.True(second.Duplicated)
		req.Equal(first.Message.ID, second.Message.ID)
		req.Equal(first.Message.Sequence, second.Message.Sequence)

		third, err := log.Append(ctx, chat.AppendInput{ConversationID: conv, SenderID: "alice", Text: "again"})
		req.NoError(err)
		req.Equal(int64(2), third.Message.Sequence, "duplicates must not waste sequence numbers")
	})

	t.Run("Append_ClientMsgIDIsScopedToSender", func(t *testing.T) {
		req := require.New(t)
		log, newConv := newLog(t)
		ctx := testContext(t)
		conv := newConv(t)

		mine, err := log.Append(ctx, chat.AppendInput{ConversationID: conv, SenderID: "alice", Text: "hello from alice", ClientMsgID: "1"})
		req.NoError(err)
		theirs, err := log.Append(ctx, chat.AppendInput{ConversationID: conv, SenderID: "bob", Text: "hello from bob", ClientMsgID: "1"})
		req.NoError(err)
		req.False(theirs.Duplicated)
		req.Equal("bob", theirs.Message.SenderID)
		req.Equal("hello from bob", theirs.Message.Text)
		req.Equal(mine.Message.Sequence+1, theirs.Message.Sequence)

		retry, err := log.Append(ctx, chat.AppendInput{ConversationID: conv, SenderID: "bob", Text: "hello from bob", ClientMsgID: "1"})
		req.NoError(err)
		req.True(retry.Duplicated)
		req.Equal(theirs.Message.ID, retry.Message.ID)

		page, err := log.Page(ctx, chat.PageInput{ConversationID: conv, Limit: 10})
		req.NoError(err)
		req.Len(page.Messages, 2)
	})

	t.Run("Page_WalksBackwardInAscendingWindows", func(t *testing.T) {
		req := require.New(t)
		log, newConv := newLog(t)
		ctx := testContext(t)
		conv := newConv(t)

		for i := 1; i <= 5; i++ {
			_, err := log.Append(ctx, chat.AppendInput{ConversationID: conv, SenderID: "alice", Text: fmt.Sprintf("m%d", i)})
			req.NoError(err)
		}

		latest, err := log.Page(ctx, chat.PageInput{ConversationID: conv, Limit: 2})
		req.NoError(err)
		req.Equal([]int64{4, 5}, seqs(latest.Messages))
		req.True(latest.HasMore)

		before := int64(4)
		older, err := log.Page(ctx, chat.PageInput{ConversationID: conv, Before: &before, Limit: 2})
		req.NoError(err)
		req.Equal([]int64{2, 3}, seqs(older.Messages))
		req.True(older.HasMore)

		before = 2
		oldest, err := log.Page(ctx, chat.PageInput{ConversationID: conv, Before: &before, Limit: 2})
		req.NoError(err)
		req.Equal([]int64{1}, seqs(oldest.Messages))
		req.False(oldest.HasMore)

		before = 1
		empty, err := log.Page(ctx, chat.PageInput{ConversationID: conv, Before: &before, Limit: 2})
		req.NoError(err)
		req.Empty(empty.Messages)

		before = 100
		all, err := log.Page(ctx, chat.PageInput{ConversationID: conv, Before: &before, Limit: 50})
		req.NoError(err)
		req.Equal([]int64{1, 2, 3, 4, 5}, seqs(all.Messages))
		req.False(all.HasMore)
		for _, m := range all.Messages {
			req.Equal(conv, m.ConversationID)
		}
	})

	t.Run("Page_UnknownConversationIsEmpty", func(t *testing.T) {
		log, _ := newLog(t)
		page, err := log.Page(testContext(t), chat.PageInput{ConversationID: chat.NewID(time.Now()), Limit: 5})
		require.NoError(t, err)
		require.Empty(t, page.Messages)
		require.False(t, page.HasMore)
	})

	t.Run("Last_ReturnsNewest", func(t *testing.T) {
		req := require.New(t)
		log, newConv := newLog(t)
		ctx := testContext(t)
		conv := newConv(t)

		_, ok, err := log.Last(ctx, conv)
		req.NoError(err)
		req.False(ok)

		for i := 1; i <= 3; i++ {
			_, err := log.Append(ctx, chat.AppendInput{ConversationID: conv, SenderID: "bob", Text: fmt.Sprintf("m%d", i)})
			req.NoError(err)
		}
		last, ok, err := log.Last(ctx, conv)
		req.NoError(err)
		req.True(ok)
		req.Equal(int64(3), last.Sequence)
		req.Equal("m3", last.Text)
	})

	t.Run("Append_ConcurrentIsGapFree", func(t *testing.T) {
		req := require.New(t)
		log, newConv := newLog(t)
		ctx := testContext(t)
		conv := newConv(t)

		const n = 32
		var wg sync.WaitGroup
		wg.Add(n)
		errCh := make(chan error, n)
		for i := 0; i < n; i++ {
			go func(i int) {
				defer wg.Done()
				sender := "alice"
				if i%2 == 1 {
					sender = "bob"
				}
				if _, err := log.Append(ctx, chat.AppendInput{ConversationID: conv, SenderID: sender, Text: fmt.Sprintf("m%d", i)}); err != nil {
					errCh <- err
				}
			}(i)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			req.NoError(err)
		}

		page, err := log.Page(ctx, chat.PageInput{ConversationID: conv, Limit: chat.MaxPageLimit})
		req.NoError(err)
		req.Len(page.Messages, n)

		got := seqs(page.Messages)
		req.True(sort.SliceIsSorted(got, func(i, j int) bool { return got[i] < got[j] }))
		for i, s := range got {
			req.Equal(int64(i+1), s)
		}
	})
}

func seqs(msgs []chat.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Sequence)
	}
	return out
}
