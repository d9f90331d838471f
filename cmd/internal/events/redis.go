package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
)

// DefaultChannel is the Redis pub/sub channel used when none is configured.
const DefaultChannel = "langmate:events"

// RedisBus publishes events to a Redis channel so every process in a deployment
// sees them, and relays the channel back into a LocalBus.
type RedisBus struct {
	rdb     redis.UniversalClient
	channel string
	log     *slog.Logger
	onDrop  func(stage string)
}

// RedisOption configures a RedisBus.
type RedisOption func(*RedisBus)

// WithChannel overrides the pub/sub channel.
func WithChannel(channel string) RedisOption {
	return func(b *RedisBus) {
		if channel != "" {
			b.channel = channel
		}
	}
}

// WithLogger sets the logger used by the relay loop.
func WithLogger(log *slog.Logger) RedisOption {
	return func(b *RedisBus) {
		if log != nil {
			b.log = log
		}
	}
}

// WithRedisDropHook is called with the stage ("decode", "relay") of every lost event.
func WithRedisDropHook(fn func(stage string)) RedisOption {
	return func(b *RedisBus) { b.onDrop = fn }
}

// NewRedisBus wraps rdb. The caller owns rdb and must close it.
func NewRedisBus(rdb redis.UniversalClient, opts ...RedisOption) (*RedisBus, error) {
	if rdb == nil {
		return nil, errors.New("events: nil redis client")
	}
	b := &RedisBus{rdb: rdb, channel: DefaultChannel, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// Publish sends ev to the channel.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(toWire(ev))
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("events: redis publish: %w", err)
	}
	return nil
}

// Run relays the channel into local until ctx is done.
// The returned channel is closed once the subscription is confirmed.
func (b *RedisBus) Run(ctx context.Context, local Publisher) (<-chan struct{}, <-chan error) {
	ready := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		defer close(done)

		ps := b.rdb.Subscribe(ctx, b.channel)
		defer func() { _ = ps.Close() }()

		if _, err := ps.Receive(ctx); err != nil {
			done <- fmt.Errorf("events: redis subscribe: %w", err)
			return
		}
		close(ready)
		b.log.Info("events.redis.subscribed", "channel", b.channel)

		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					done <- errors.New("events: redis subscription closed")
					return
				}
				var w wireEvent
				if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
					b.log.Warn("events.redis.decode.fail", "err", err)
					b.drop("decode")
					continue
				}
				if err := local.Publish(ctx, w.toEvent()); err != nil {
					b.drop("relay")
				}
			}
		}
	}()

	return ready, done
}

func (b *RedisBus) drop(stage string) {
	if b.onDrop != nil {
		b.onDrop(stage)
	}
}

type wireMessage struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Text           string     `json:"text"`
	Sequence       int64      `json:"sequence"`
	CreatedAt      time.Time  `json:"createdAt"`
	ClientMsgID    string     `json:"clientMsgId,omitempty"`
	ClientTS       *time.Time `json:"clientTs,omitempty"`
}

type wireEvent struct {
	Type           Type         `json:"type"`
	ConversationID string       `json:"conversationId"`
	Participants   [2]string    `json:"participants"`
	Message        *wireMessage `json:"message,omitempty"`
	ReaderID       string       `json:"readerId,omitempty"`
	At             time.Time    `json:"at"`
}

func toWire(ev Event) wireEvent {
	w := wireEvent{
		Type:           ev.Type,
		ConversationID: ev.ConversationID,
		Participants:   ev.Participants,
		ReaderID:       ev.ReaderID,
		At:             ev.At,
	}
	if ev.Message != nil {
		m := wireMessage(*ev.Message)
		w.Message = &m
	}
	return w
}

func (w wireEvent) toEvent() Event {
	ev := Event{
		Type:           w.Type,
		ConversationID: w.ConversationID,
		Participants:   w.Participants,
		ReaderID:       w.ReaderID,
		At:             w.At.UTC(),
	}
	if w.Message != nil {
		m := chat.Message(*w.Message)
		m.CreatedAt = m.CreatedAt.UTC()
		ev.Message = &m
	}
	return ev
}
