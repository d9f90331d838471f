package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/auth"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/messaging"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/metrics"
	v1 "github.com/NureBureikoNataliia/LangMate/shared/contracts/realtime/v1"
)

// Messenger is the subset of the messaging service the gateway drives.
type Messenger interface {
	OpenConversation(ctx context.Context, callerID, otherUserID string) (messaging.ConversationView, error)
	ListConversations(ctx context.Context, callerID string) ([]messaging.ConversationView, error)
	Send(ctx context.Context, callerID, conversationID string, in messaging.SendInput) (chat.Message, error)
	ListMessages(ctx context.Context, callerID, conversationID string, before *int64, limit int) (chat.PageResult, error)
	MarkRead(ctx context.Context, callerID, conversationID string) error
}

// Config tunes the gateway. Zero durations and sizes fall back to defaults.
type Config struct {
	// InsecureSkipVerify disables websocket.Accept origin verification (dev only).
	InsecureSkipVerify bool
	OriginRequired     bool
	AllowedOrigins     []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultConfig requires an Origin and allows only localhost.
func DefaultConfig() Config {
	return Config{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      defaultWriteTimeout,
		ReadIdleTimeout:   defaultReadIdle,
		SendQueueSize:     defaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	switch {
	case c.SendQueueSize <= 0:
		c.SendQueueSize = d.SendQueueSize
	case c.SendQueueSize < minSendQueueSize:
		c.SendQueueSize = minSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// Gateway is the WebSocket entrypoint of LangMate.
//
// It enforces origin policy, authentication, subprotocol selection, rate limits
// and heartbeats, and routes validated envelopes to the messaging service.
// Pushes (message_new, conversation_read) arrive through the Hub.
type Gateway struct {
	log      *slog.Logger
	hub      *Hub
	svc      Messenger
	verifier auth.Verifier
	metrics  *metrics.Metrics

	cfg            Config
	originPatterns []string
}

// NewGateway wires a gateway. m may be nil.
func NewGateway(log *slog.Logger, hub *Hub, svc Messenger, verifier auth.Verifier, cfg Config, m *metrics.Metrics) (*Gateway, error) {
	if hub == nil || svc == nil || verifier == nil {
		return nil, errors.New("realtime: hub, messenger and verifier are required")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		log:            log,
		hub:            hub,
		svc:            svc,
		verifier:       verifier,
		metrics:        m,
		cfg:            cfg,
		originPatterns: originPatterns(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	claims, err := g.verifier.Authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)
	g.serve(r.Context(), conn, claims)
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, claims auth.Claims) {
	client := NewClient(claims.UserID, chat.NewID(time.Now().UTC()), g.cfg.SendQueueSize)
	g.hub.Register(client)
	g.metrics.ConnOpened()
	defer g.metrics.ConnClosed()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var (
		closeOnce   sync.Once
		closeCode   = websocket.StatusNormalClosure
		closeReason = "bye"
	)

	// shutdown is idempotent. It never closes client.Send; the connection itself
	// is closed once the writer has flushed what was already queued.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			closeCode, closeReason = code, reason
			g.hub.Unregister(client)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				g.flush(ctx, conn, client)
				return
			case <-client.Done():
				g.flush(ctx, conn, client)
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, client, shutdown)
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "", "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", client.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			g.trySendError(ctx, client, env.ID, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, env.ID, "bad_envelope", err.Error())
			continue readLoop
		}

		if err := g.dispatch(ctx, client, env); err != nil {
			code, msg := errorCode(err)
			g.trySendError(ctx, client, env.ID, code, msg)
			if errors.Is(err, errBackpressure) {
				shutdown(websocket.StatusPolicyViolation, "backpressure")
				break readLoop
			}
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	_ = conn.Close(closeCode, closeReason)

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// flush writes envelopes queued before shutdown, such as a final error.
func (g *Gateway) flush(ctx context.Context, conn *websocket.Conn, client *Client) {
	ctx = context.WithoutCancel(ctx)
	for {
		select {
		case env := <-client.Send:
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

var (
	errBackpressure = errors.New("send queue full")
	errBadPayload   = errors.New("bad payload")
	errUnsupported  = errors.New("unsupported type")
)

// errorCode maps err onto a wire code and a caller-safe message.
func errorCode(err error) (string, string) {
	switch {
	case errors.Is(err, errBadPayload):
		return "bad_payload", err.Error()
	case errors.Is(err, errUnsupported):
		return "unsupported", err.Error()
	case errors.Is(err, errBackpressure):
		return "backpressure", err.Error()
	}
	return chat.Code(err), chat.PublicMessage(err)
}

func (g *Gateway) dispatch(ctx context.Context, client *Client, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeHello:
		return g.reply(ctx, client, env, v1.TypeHelloAck, v1.HelloAckPayload{
			SessionID: client.SessionID,
			UserID:    client.UserID,
		})

	case v1.TypeConversationOpen:
		var p v1.ConversationOpenPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		view, err := g.svc.OpenConversation(ctx, client.UserID, p.OtherUserID)
		if err != nil {
			return err
		}
		return g.reply(ctx, client, env, v1.TypeConversationOpen, toConversationPayload(view))

	case v1.TypeConversationList:
		views, err := g.svc.ListConversations(ctx, client.UserID)
		if err != nil {
			return err
		}
		out := v1.ConversationListPayload{Conversations: make([]v1.Conversation, 0, len(views))}
		for _, v := range views {
			out.Conversations = append(out.Conversations, toConversationPayload(v))
		}
		return g.reply(ctx, client, env, v1.TypeConversationList, out)

	case v1.TypeMessageSend:
		var p v1.MessageSendPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		msg, err := g.svc.Send(ctx, client.UserID, strings.TrimSpace(p.ConversationID), messaging.SendInput{
			Text:        p.Text,
			ClientMsgID: strings.TrimSpace(p.ClientMsgID),
			ClientTS:    p.ClientTS,
		})
		if err != nil {
			return err
		}
		return g.reply(ctx, client, env, v1.TypeMessageAck, v1.MessageAckPayload{
			ConversationID: msg.ConversationID,
			ClientMsgID:    msg.ClientMsgID,
			ServerMsgID:    msg.ID,
			Seq:            msg.Sequence,
			ServerTS:       msg.CreatedAt,
		})

	case v1.TypeConversationHistoryFetch:
		var p v1.ConversationHistoryFetchPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		convID := strings.TrimSpace(p.ConversationID)
		page, err := g.svc.ListMessages(ctx, client.UserID, convID, p.BeforeSeq, p.Limit)
		if err != nil {
			return err
		}
		out := v1.ConversationHistoryChunkPayload{
			ConversationID: convID,
			Messages:       make([]v1.MessageNewPayload, 0, len(page.Messages)),
			HasMore:        page.HasMore,
		}
		for _, m := range page.Messages {
			out.Messages = append(out.Messages, toMessagePayload(m))
		}
		return g.reply(ctx, client, env, v1.TypeConversationHistoryChunk, out)

	case v1.TypeConversationRead:
		var p v1.ConversationReadPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		convID := strings.TrimSpace(p.ConversationID)
		if err := g.svc.MarkRead(ctx, client.UserID, convID); err != nil {
			return err
		}
		return g.reply(ctx, client, env, v1.TypeConversationRead, v1.ConversationReadPayload{
			ConversationID: convID,
			ReaderID:       client.UserID,
			ReadAt:         time.Now().UTC(),
		})

	default:
		return fmt.Errorf("%w: %s", errUnsupported, env.Type)
	}
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", errBadPayload)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}

func (g *Gateway) reply(ctx context.Context, client *Client, req v1.Envelope, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if !g.enqueue(ctx, client, newEnvelope(typ, req.ID, raw, time.Now().UTC())) {
		return fmt.Errorf("%w: %s", errBackpressure, typ)
	}
	return nil
}

func (g *Gateway) trySendError(ctx context.Context, client *Client, replyTo, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, replyTo, p, time.Now().UTC()))
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return client.offer(env)
}
