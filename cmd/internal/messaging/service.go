// Package messaging is the single entry point collaborators use to chat.
//
// The Service owns no state. It checks membership against the conversation
// store, appends to the message log and then records the summary. The log is
// the source of truth: a summary update that fails after a successful append
// is logged and never surfaced to the sender. The conversation is marked stale
// and Reconcile repairs it on the next call that touches it.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/events"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/metrics"
)

const (
	DefaultAppendAttempts = 3
	DefaultAppendBackoff  = 25 * time.Millisecond

	// createAttempts bounds retry-and-refetch on a conversation creation conflict.
	createAttempts = 3

	// openTimeout bounds a shared open; it outlives any single caller's context.
	openTimeout = 10 * time.Second

	reconcileAttempts = 3
)

// Service orchestrates the conversation store and the message log.
type Service struct {
	convs chat.ConversationStore
	log   chat.MessageLog

	logger  *slog.Logger
	now     func() time.Time
	metrics *metrics.Metrics
	pub     events.Publisher

	appendAttempts int
	appendBackoff  time.Duration

	opening singleflight.Group
	stale   sync.Map // conversation id -> struct{}
}

// Option configures Service behavior.
type Option func(*Service) error

// WithLogger sets the structured logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) error {
		if l == nil {
			return errors.New("messaging: nil logger")
		}
		s.logger = l
		return nil
	}
}

// WithClock overrides the server clock used for createdAt.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return errors.New("messaging: nil clock")
		}
		s.now = now
		return nil
	}
}

// WithMetrics records service metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithPublisher emits message.created / conversation.read events to p.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) error {
		s.pub = p
		return nil
	}
}

// WithAppendRetry bounds internal retries of transient append failures.
// Attempt n waits n*backoff before retrying.
func WithAppendRetry(attempts int, backoff time.Duration) Option {
	return func(s *Service) error {
		if attempts < 1 {
			return fmt.Errorf("messaging: append attempts must be >= 1, got %d", attempts)
		}
		if backoff < 0 {
			return errors.New("messaging: negative append backoff")
		}
		s.appendAttempts = attempts
		s.appendBackoff = backoff
		return nil
	}
}

// New constructs a Service over the given stores.
func New(convs chat.ConversationStore, log chat.MessageLog, opts ...Option) (*Service, error) {
	if convs == nil || log == nil {
		return nil, errors.New("messaging: nil store")
	}
	s := &Service{
		convs:          convs,
		log:            log,
		logger:         slog.Default(),
		now:            func() time.Time { return time.Now().UTC() },
		appendAttempts: DefaultAppendAttempts,
		appendBackoff:  DefaultAppendBackoff,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ConversationView is a conversation as seen by one participant.
// It carries only the viewer's own unread count.
type ConversationView struct {
	ID           string
	Participants [2]string
	CreatedAt    time.Time
	LastMessage  *chat.Summary
	UnreadCount  int64
}

func viewFor(c chat.Conversation, viewer string) ConversationView {
	v := ConversationView{
		ID:           c.ID,
		Participants: c.Participants,
		CreatedAt:    c.CreatedAt,
		UnreadCount:  c.UnreadFor(viewer),
	}
	if c.LastMessage != nil {
		s := *c.LastMessage
		v.LastMessage = &s
	}
	return v
}

// SendInput is the payload of a send call.
type SendInput struct {
	Text string

	// ClientMsgID deduplicates retries of the same send. Optional.
	ClientMsgID string
	// ClientTS is stored as diagnostic metadata only.
	ClientTS *time.Time
}

// OpenConversation finds or creates the conversation between caller and other.
// Concurrent opens of the same pair within this process share one store call.
func (s *Service) OpenConversation(ctx context.Context, callerID, otherUserID string) (ConversationView, error) {
	const op = "messaging.OpenConversation"

	pair, err := chat.NormalizeParticipants(callerID, otherUserID)
	if err != nil {
		return ConversationView{}, err
	}
	caller, _ := chat.NormalizeUserID(callerID)

	ch := s.opening.DoChan(chat.PairKey(pair), func() (any, error) {
		// Joined callers must not inherit the first caller's cancellation.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), openTimeout)
		defer cancel()

		var lastErr error
		for attempt := 1; attempt <= createAttempts; attempt++ {
			conv, err := s.convs.FindOrCreate(sctx, pair[0], pair[1])
			if err == nil {
				return conv, nil
			}
			if !errors.Is(err, chat.ErrConflict) {
				return nil, err
			}
			lastErr = err
			s.logger.Debug("conversation.create.conflict", "attempt", attempt)
		}
		return nil, fmt.Errorf("%s: %w", op, lastErr)
	})

	select {
	case <-ctx.Done():
		return ConversationView{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return ConversationView{}, res.Err
		}
		return viewFor(res.Val.(chat.Conversation), caller), nil
	}
}

// Send appends text to the conversation and records the new summary.
// The returned message is durable and carries its final sequence.
func (s *Service) Send(ctx context.Context, callerID, conversationID string, in SendInput) (chat.Message, error) {
	const op = "messaging.Send"

	start := time.Now()
	defer func() { s.metrics.ObserveSend(time.Since(start)) }()

	conv, caller, err := s.authorize(ctx, op, callerID, conversationID)
	if err != nil {
		return chat.Message{}, err
	}

	res, err := s.appendWithRetry(ctx, op, chat.AppendInput{
		ConversationID: conv.ID,
		SenderID:       caller,
		Text:           in.Text,
		ClientMsgID:    in.ClientMsgID,
		ClientTS:       in.ClientTS,
		Now:            s.now(),
	})
	if err != nil {
		return chat.Message{}, err
	}
	msg := res.Message

	if res.Duplicated {
		s.logger.Debug("message.send.duplicate",
			"conversation_id", conv.ID,
			"seq", msg.Sequence,
		)
		return msg, nil
	}
	s.metrics.Appended()

	if err := s.convs.RecordNewMessage(ctx, conv.ID, msg); err != nil {
		s.stale.Store(conv.ID, struct{}{})
		s.metrics.RecordFailed()
		s.logger.Error("send.record.fail",
			"conversation_id", conv.ID,
			"seq", msg.Sequence,
			"err", err,
		)
	}

	s.publish(ctx, events.NewMessageCreated(conv, msg))
	return msg, nil
}

func (s *Service) appendWithRetry(ctx context.Context, op string, in chat.AppendInput) (chat.AppendResult, error) {
	var lastErr error
	for attempt := 1; attempt <= s.appendAttempts; attempt++ {
		res, err := s.log.Append(ctx, in)
		if err == nil {
			return res, nil
		}
		if chat.IsValidation(err) {
			return chat.AppendResult{}, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return chat.AppendResult{}, ctxErr
		}
		lastErr = err

		if attempt == s.appendAttempts {
			break
		}
		s.metrics.AppendRetried()
		s.logger.Warn("message.append.retry",
			"conversation_id", in.ConversationID,
			"attempt", attempt,
			"err", err,
		)
		if err := sleepCtx(ctx, time.Duration(attempt)*s.appendBackoff); err != nil {
			return chat.AppendResult{}, err
		}
	}

	s.metrics.AppendFailed()
	s.logger.Error("message.append.fail",
		"conversation_id", in.ConversationID,
		"attempts", s.appendAttempts,
		"err", lastErr,
	)
	return chat.AppendResult{}, chat.NewError(op, chat.ErrUnavailable, "message log unavailable")
}

// ListMessages returns a page of history, ascending by sequence.
func (s *Service) ListMessages(ctx context.Context, callerID, conversationID string, before *int64, limit int) (chat.PageResult, error) {
	const op = "messaging.ListMessages"

	conv, _, err := s.authorize(ctx, op, callerID, conversationID)
	if err != nil {
		return chat.PageResult{}, err
	}
	return s.log.Page(ctx, chat.PageInput{
		ConversationID: conv.ID,
		Before:         before,
		Limit:          limit,
	})
}

// ListConversations returns the caller's conversations, most recent activity first.
func (s *Service) ListConversations(ctx context.Context, callerID string) ([]ConversationView, error) {
	caller, ok := chat.NormalizeUserID(callerID)
	if !ok {
		return nil, chat.NewError("messaging.ListConversations", chat.ErrInvalidParticipants, "malformed caller id")
	}
	convs, err := s.convs.ListForParticipant(ctx, caller)
	if err != nil {
		return nil, err
	}

	repaired := false
	for _, c := range convs {
		if s.reconcileIfStale(ctx, c.ID) {
			repaired = true
		}
	}
	if repaired {
		if convs, err = s.convs.ListForParticipant(ctx, caller); err != nil {
			return nil, err
		}
	}

	out := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		out = append(out, viewFor(c, caller))
	}
	return out, nil
}

// MarkRead zeroes the caller's unread counter.
func (s *Service) MarkRead(ctx context.Context, callerID, conversationID string) error {
	const op = "messaging.MarkRead"

	conv, caller, err := s.authorize(ctx, op, callerID, conversationID)
	if err != nil {
		return err
	}
	if err := s.convs.MarkRead(ctx, conv.ID, caller); err != nil {
		return err
	}
	s.publish(ctx, events.NewConversationRead(conv, caller, s.now()))
	return nil
}

// Reconcile recomputes the conversation summary and unread counters from the log.
// Unread for a participant counts the messages after their read watermark that
// they did not send. It returns chat.ErrConflict when a newer message was recorded
// while recomputing; the caller may simply retry.
func (s *Service) Reconcile(ctx context.Context, conversationID string) error {
	const op = "messaging.Reconcile"

	conv, err := s.convs.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	last, ok, err := s.log.Last(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil
	}

	floor := last.Sequence
	for _, p := range conv.Participants {
		floor = min(floor, conv.ReadSeq[p])
	}

	unread := make(map[string]int64, 2)
	before := last.Sequence + 1
	for before-1 > floor {
		b := before
		page, err := s.log.Page(ctx, chat.PageInput{ConversationID: conv.ID, Before: &b, Limit: chat.MaxPageLimit})
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if len(page.Messages) == 0 {
			break
		}
		for _, m := range page.Messages {
			for _, p := range conv.Participants {
				if m.SenderID != p && m.Sequence > conv.ReadSeq[p] {
					unread[p]++
				}
			}
		}
		before = page.Messages[0].Sequence
	}

	readSeq := make(map[string]int64, 2)
	for _, p := range conv.Participants {
		readSeq[p] = conv.ReadSeq[p]
	}

	sum := last.Summary()
	err = s.convs.Repair(ctx, conv.ID, chat.RepairInput{
		LastMessage: &sum,
		Unread:      unread,
		ReadSeq:     readSeq,
		AsOfSeq:     last.Sequence,
	})
	if err != nil {
		return err
	}
	s.logger.Info("conversation.reconciled",
		"conversation_id", conv.ID,
		"last_seq", last.Sequence,
	)
	return nil
}

// reconcileIfStale repairs a conversation whose summary update failed earlier.
// It reports whether a repair was applied. Failures keep the mark for the next call.
func (s *Service) reconcileIfStale(ctx context.Context, conversationID string) bool {
	if _, ok := s.stale.Load(conversationID); !ok {
		return false
	}
	var err error
	for attempt := 1; attempt <= reconcileAttempts; attempt++ {
		if err = s.Reconcile(ctx, conversationID); !errors.Is(err, chat.ErrConflict) {
			break
		}
	}
	if err != nil {
		s.logger.Warn("conversation.reconcile.fail",
			"conversation_id", conversationID,
			"err", err,
		)
		return false
	}
	s.stale.Delete(conversationID)
	return true
}

// authorize loads the conversation and checks that caller participates in it.
// A stale conversation is reconciled and reloaded before it is returned.
func (s *Service) authorize(ctx context.Context, op, callerID, conversationID string) (chat.Conversation, string, error) {
	if conversationID == "" {
		return chat.Conversation{}, "", chat.NotFound(op, conversationID)
	}
	conv, err := s.convs.Get(ctx, conversationID)
	if err != nil {
		return chat.Conversation{}, "", err
	}
	caller, ok := chat.NormalizeUserID(callerID)
	if !ok || !conv.HasParticipant(caller) {
		return chat.Conversation{}, "", chat.NewError(op, chat.ErrForbidden, "caller is not a participant")
	}
	if s.reconcileIfStale(ctx, conv.ID) {
		if conv, err = s.convs.Get(ctx, conv.ID); err != nil {
			return chat.Conversation{}, "", err
		}
	}
	return conv, caller, nil
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.metrics.EventDropped("publish")
		s.logger.Warn("event.publish.fail",
			"type", string(ev.Type),
			"conversation_id", ev.ConversationID,
			"err", err,
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
