package messaging_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat/chatmock"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/events"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/messaging"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/metrics"
)

var errDisk = errors.New("disk unavailable")

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.Event) error { return errors.New("bus down") }

func mockedService(t *testing.T, opts ...messaging.Option) (*messaging.Service, *chatmock.MockConversationStore, *chatmock.MockMessageLog, *metrics.Metrics) {
	t.Helper()
	ctrl := gomock.NewController(t)
	convs := chatmock.NewMockConversationStore(ctrl)
	log := chatmock.NewMockMessageLog(ctrl)

	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	opts = append([]messaging.Option{messaging.WithMetrics(m), messaging.WithAppendRetry(3, 0)}, opts...)
	svc, err := messaging.New(convs, log, opts...)
	require.NoError(t, err)
	return svc, convs, log, m
}

func conversation() chat.Conversation {
	return chat.NewConversation("conv-1", [2]string{"alice", "bob"}, time.Now().UTC())
}

func TestSend_RetriesTransientAppendFailures(t *testing.T) {
	req := require.New(t)
	svc, convs, log, m := mockedService(t)
	conv := conversation()
	stored := chat.Message{ID: "m-1", ConversationID: conv.ID, SenderID: "alice", Text: "hi", Sequence: 1}

	convs.EXPECT().Get(gomock.Any(), conv.ID).Return(conv, nil)
	gomock.InOrder(
		log.EXPECT().Append(gomock.Any(), gomock.Any()).Return(chat.AppendResult{}, errDisk),
		log.EXPECT().Append(gomock.Any(), gomock.Any()).Return(chat.AppendResult{Message: stored}, nil),
	)
	convs.EXPECT().RecordNewMessage(gomock.Any(), conv.ID, stored).Return(nil)

	got, err := svc.Send(context.Background(), "alice", conv.ID, messaging.SendInput{Text: "hi"})
	req.NoError(err)
	req.Equal(stored, got)
	req.Equal(1.0, testutil.ToFloat64(m.AppendRetries))
	req.Equal(1.0, testutil.ToFloat64(m.MessagesAppended))
}

func TestSend_UnavailableAfterBoundedRetries(t *testing.T) {
	req := require.New(t)
	svc, convs, log, m := mockedService(t)
	conv := conversation()

	convs.EXPECT().Get(gomock.Any(), conv.ID).Return(conv, nil)
	log.EXPECT().Append(gomock.Any(), gomock.Any()).Return(chat.AppendResult{}, errDisk).Times(3)
	convs.EXPECT().RecordNewMessage(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	_, err := svc.Send(context.Background(), "alice", conv.ID, messaging.SendInput{Text: "private words"})
	req.ErrorIs(err, chat.ErrUnavailable)
	req.Equal("unavailable", chat.Code(err))
	req.NotContains(err.Error(), "private words")
	req.Equal(1.0, testutil.ToFloat64(m.AppendFailures))
}

func TestSend_ValidationFailuresAreNotRetried(t *testing.T) {
	svc, convs, log, _ := mockedService(t)
	conv := conversation()

	convs.EXPECT().Get(gomock.Any(), conv.ID).Return(conv, nil)
	log.EXPECT().Append(gomock.Any(), gomock.Any()).
		Return(chat.AppendResult{}, chat.NewError("test", chat.ErrInvalidMessage, "empty text")).
		Times(1)

	_, err := svc.Send(context.Background(), "alice", conv.ID, messaging.SendInput{Text: " "})
	require.ErrorIs(t, err, chat.ErrInvalidMessage)
}

func TestSend_RecordFailureDoesNotFailSend(t *testing.T) {
	req := require.New(t)
	svc, convs, log, m := mockedService(t, messaging.WithPublisher(failingPublisher{}))
	conv := conversation()
	stored := chat.Message{ID: "m-7", ConversationID: conv.ID, SenderID: "bob", Text: "durable", Sequence: 7}

	convs.EXPECT().Get(gomock.Any(), conv.ID).Return(conv, nil)
	log.EXPECT().Append(gomock.Any(), gomock.Any()).Return(chat.AppendResult{Message: stored}, nil)
	convs.EXPECT().RecordNewMessage(gomock.Any(), conv.ID, stored).Return(errDisk)

	got, err := svc.Send(context.Background(), "bob", conv.ID, messaging.SendInput{Text: "durable"})
	req.NoError(err)
	req.Equal(int64(7), got.Sequence)
	req.Equal(1.0, testutil.ToFloat64(m.RecordFailures))
	req.Equal(1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("publish")))
}

func TestSend_PassesServerClockAndCallerToAppend(t *testing.T) {
	fixed := time.Date(2025, 2, 2, 2, 2, 2, 0, time.UTC)
	svc, convs, log, _ := mockedService(t, messaging.WithClock(func() time.Time { return fixed }))
	conv := conversation()
	clientTS := fixed.Add(-time.Hour)

	convs.EXPECT().Get(gomock.Any(), conv.ID).Return(conv, nil)
	log.EXPECT().Append(gomock.Any(), chat.AppendInput{
		ConversationID: conv.ID,
		SenderID:       "alice",
		Text:           "hola",
		ClientMsgID:    "tok",
		ClientTS:       &clientTS,
		Now:            fixed,
	}).Return(chat.AppendResult{Message: chat.Message{ID: "m", Sequence: 1}}, nil)
	convs.EXPECT().RecordNewMessage(gomock.Any(), conv.ID, gomock.Any()).Return(nil)

	_, err := svc.Send(context.Background(), " alice ", conv.ID, messaging.SendInput{Text: "hola", ClientMsgID: "tok", ClientTS: &clientTS})
	require.NoError(t, err)
}

func TestSend_CanceledContextStopsRetrying(t *testing.T) {
	svc, convs, log, _ := mockedService(t, messaging.WithAppendRetry(5, time.Hour))
	conv := conversation()

	ctx, cancel := context.WithCancel(context.Background())
	convs.EXPECT().Get(gomock.Any(), conv.ID).Return(conv, nil)
	log.EXPECT().Append(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, chat.AppendInput) (chat.AppendResult, error) {
		cancel()
		return chat.AppendResult{}, errDisk
	}).Times(1)

	_, err := svc.Send(ctx, "alice", conv.ID, messaging.SendInput{Text: "hi"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestOpenConversation_RetriesCreateConflict(t *testing.T) {
	svc, convs, _, _ := mockedService(t)
	conv := conversation()

	gomock.InOrder(
		convs.EXPECT().FindOrCreate(gomock.Any(), "alice", "bob").
			Return(chat.Conversation{}, chat.NewError("test", chat.ErrConflict, "pair race")),
		convs.EXPECT().FindOrCreate(gomock.Any(), "alice", "bob").Return(conv, nil),
	)

	v, err := svc.OpenConversation(context.Background(), "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, conv.ID, v.ID)
}

func TestMarkRead_StoreErrorsPropagate(t *testing.T) {
	svc, convs, _, _ := mockedService(t)
	conv := conversation()

	convs.EXPECT().Get(gomock.Any(), conv.ID).Return(conv, nil)
	convs.EXPECT().MarkRead(gomock.Any(), conv.ID, "bob").Return(errDisk)

	err := svc.MarkRead(context.Background(), "bob", conv.ID)
	require.ErrorIs(t, err, errDisk)
}

func TestReconcile_ConflictSurfaces(t *testing.T) {
	svc, convs, log, _ := mockedService(t)
	conv := conversation()
	last := chat.Message{ID: "m-2", ConversationID: conv.ID, SenderID: "alice", Text: "x", Sequence: 2}

	convs.EXPECT().Get(gomock.Any(), conv.ID).Return(conv, nil)
	log.EXPECT().Last(gomock.Any(), conv.ID).Return(last, true, nil)
	log.EXPECT().Page(gomock.Any(), gomock.Any()).Return(chat.PageResult{Messages: []chat.Message{
		{ID: "m-1", ConversationID: conv.ID, SenderID: "bob", Sequence: 1},
		last,
	}}, nil)
	convs.EXPECT().Repair(gomock.Any(), conv.ID, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, in chat.RepairInput) error {
			require.Equal(t, int64(2), in.AsOfSeq)
			require.Equal(t, int64(1), in.Unread["bob"])
			require.Equal(t, int64(1), in.Unread["alice"])
			return chat.NewError("test", chat.ErrConflict, "newer message recorded")
		})

	err := svc.Reconcile(context.Background(), conv.ID)
	require.ErrorIs(t, err, chat.ErrConflict)
}
