package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeText(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "plain", in: "hello", want: "hello"},
		{name: "trimmed", in: "  hi there \n", want: "hi there"},
		{name: "empty", in: "", wantErr: true},
		{name: "whitespace", in: " \t\n ", wantErr: true},
		{name: "max runes", in: strings.Repeat("é", MaxMessageChars), want: strings.Repeat("é", MaxMessageChars)},
		{name: "too long", in: strings.Repeat("a", MaxMessageChars+1), wantErr: true},
		{name: "invalid utf8", in: "ok\xff", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeText(tc.in)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidMessage)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeParticipants(t *testing.T) {
	p, err := NormalizeParticipants(" bob ", "alice")
	require.NoError(t, err)
	require.Equal(t, [2]string{"alice", "bob"}, p)

	q, err := NormalizeParticipants("alice", "bob")
	require.NoError(t, err)
	require.Equal(t, PairKey(p), PairKey(q))

	for _, pair := range [][2]string{
		{"alice", "alice"},
		{"alice", " alice"},
		{"", "bob"},
		{"alice", strings.Repeat("x", MaxUserIDBytes+1)},
		{"al\x1fice", "bob"},
	} {
		_, err := NormalizeParticipants(pair[0], pair[1])
		require.ErrorIs(t, err, ErrInvalidParticipants, "pair %q", pair)
	}
}

func TestSnippet(t *testing.T) {
	short := strings.Repeat("a", SnippetChars)
	require.Equal(t, short, Snippet(short))

	long := strings.Repeat("ю", SnippetChars+30)
	got := Snippet(long)
	require.Equal(t, SnippetChars, len([]rune(got)))
	require.True(t, strings.HasSuffix(got, "…"))
}

func TestClampLimit(t *testing.T) {
	require.Equal(t, DefaultPageLimit, ClampLimit(0))
	require.Equal(t, DefaultPageLimit, ClampLimit(-3))
	require.Equal(t, 7, ClampLimit(7))
	require.Equal(t, MaxPageLimit, ClampLimit(MaxPageLimit+1))
}

func TestCode(t *testing.T) {
	require.Equal(t, "", Code(nil))
	require.Equal(t, "not_found", Code(NotFound("op", "c1")))
	require.Equal(t, "forbidden", Code(fmt.Errorf("wrapped: %w", NewError("op", ErrForbidden, ""))))
	require.Equal(t, "unavailable", Code(NewError("op", ErrUnavailable, "retries exhausted")))
	require.Equal(t, "internal", Code(errors.New("disk on fire")))
	require.Equal(t, CodeCanceled, Code(fmt.Errorf("page: %w", context.Canceled)))
	require.Equal(t, CodeTimeout, Code(context.DeadlineExceeded))
	require.Equal(t, "unavailable", Code(errors.Join(NewError("op", ErrUnavailable, ""), context.DeadlineExceeded)))
	require.True(t, IsContextDone(context.Canceled))
	require.False(t, IsContextDone(errors.New("disk on fire")))

	require.True(t, IsValidation(NewError("op", ErrInvalidMessage, "")))
	require.False(t, IsValidation(NewError("op", ErrUnavailable, "")))
}

func TestOpError_Format(t *testing.T) {
	err := NewError("memstore.Append", ErrInvalidMessage, "empty text")
	require.Equal(t, "memstore.Append: invalid_message: empty text", err.Error())

	var op OpError
	require.True(t, errors.As(err, &op))
	require.Equal(t, "memstore.Append", op.Op)
}

func TestPublicMessage(t *testing.T) {
	require.Equal(t, "empty text", PublicMessage(NewError("op", ErrInvalidMessage, "empty text")))
	require.Equal(t, "forbidden", PublicMessage(fmt.Errorf("x: %w", ErrForbidden)))
	require.Equal(t, "internal error", PublicMessage(errors.New("dial tcp 10.0.0.3:5432: refused")))
}

func TestNewID_SortsByTime(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewID(t0)
	b := NewID(t0.Add(time.Second))
	require.Len(t, a, 26)
	require.Less(t, a, b)
	require.NotEqual(t, NewID(time.Time{}), NewID(time.Time{}))
}

func TestConversation_ApplyMessageAndRead(t *testing.T) {
	now := time.Now().UTC()
	c := NewConversation("c1", [2]string{"alice", "bob"}, now)

	c.ApplyMessage(Message{ID: "m2", SenderID: "alice", Text: "two", Sequence: 2, CreatedAt: now})
	c.ApplyMessage(Message{ID: "m1", SenderID: "alice", Text: "one", Sequence: 1, CreatedAt: now})
	require.Equal(t, "m2", c.LastMessage.MessageID)
	require.Equal(t, int64(2), c.UnreadFor("bob"))
	require.Equal(t, int64(0), c.UnreadFor("alice"))

	c.ApplyRead("bob")
	require.Equal(t, int64(0), c.UnreadFor("bob"))
	require.Equal(t, int64(2), c.ReadSeq["bob"])

	clone := c.Clone()
	clone.Unread["alice"] = 5
	clone.LastMessage.Text = "changed"
	require.Equal(t, int64(0), c.UnreadFor("alice"))
	require.Equal(t, "two", c.LastMessage.Text)

	require.Equal(t, "bob", c.Other("alice"))
	require.True(t, c.HasParticipant("bob"))
	require.False(t, c.HasParticipant(""))
}

func TestSortByActivity(t *testing.T) {
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	withMsg := func(id string, created, last time.Time) Conversation {
		c := NewConversation(id, [2]string{"a", "b"}, created)
		c.LastMessage = &Summary{Timestamp: last, Sequence: 1}
		return c
	}

	convs := []Conversation{
		NewConversation("quiet-old", [2]string{"a", "b"}, base),
		withMsg("busy-old", base, base.Add(time.Minute)),
		NewConversation("quiet-new", [2]string{"a", "b"}, base.Add(time.Hour)),
		withMsg("busy-new", base, base.Add(2*time.Minute)),
		withMsg("busy-tie", base, base.Add(2*time.Minute)),
	}
	SortByActivity(convs)

	got := make([]string, len(convs))
	for i, c := range convs {
		got[i] = c.ID
	}
	require.Equal(t, []string{"busy-tie", "busy-new", "busy-old", "quiet-new", "quiet-old"}, got)
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	var km KeyedMutex
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := km.Acquire(ctx, "c1")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxInside)
	require.Equal(t, 0, km.Len())
}

func TestKeyedMutex_IndependentKeysAndCancel(t *testing.T) {
	var km KeyedMutex
	ctx := context.Background()

	releaseA, err := km.Acquire(ctx, "a")
	require.NoError(t, err)

	releaseB, err := km.Acquire(ctx, "b")
	require.NoError(t, err, "other keys must not block")
	releaseB()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = km.Acquire(waitCtx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	releaseA()
	releaseA() // second call is a no-op
	require.Equal(t, 0, km.Len())
}
