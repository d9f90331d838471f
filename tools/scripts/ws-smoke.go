// Package main provides a CI-friendly WebSocket smoke test for LangMate realtime.
//
// It validates:
//   - handshake + subprotocol selection with caller authentication
//   - hello/ack session establishment
//   - conversation_open resolves the same conversation for both users
//   - send -> ack, and message_new pushed to both participants
//   - history fetch and before_seq paging
//   - idempotent dedupe by client_msg_id
//   - conversation_read reply, push, and unread reset in conversation_list
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/NureBureikoNataliia/LangMate/shared/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string
	nextID    int

	// pending holds envelopes read while waiting for something else.
	pending []v1.Envelope

	inbox chan v1.Envelope
	errCh chan error
}

type credentials struct {
	header string
	userID string
	token  string
}

func main() {
	var (
		wsURL      = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin     = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA      = flag.String("user-a", "smoke-alice", "User id of client A (header auth)")
		userB      = flag.String("user-b", "smoke-bob", "User id of client B (header auth)")
		userHeader = flag.String("user-header", "X-User-ID", "Trusted user header (header auth)")
		tokenA     = flag.String("token-a", "", "PASETO bearer token of client A (overrides header auth)")
		tokenB     = flag.String("token-b", "", "PASETO bearer token of client B (overrides header auth)")
		text       = flag.String("text", "hello langmate 👋", "Message text to send")
		timeout    = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, credentials{header: *userHeader, userID: *userA, token: *tokenA}, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, credentials{header: *userHeader, userID: *userB, token: *tokenB}, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s(%s) B=%s(%s) origin=%q\n", a.userID, a.sessionID, b.userID, b.sessionID, *origin)
	}

	convID := mustOpen(root, a, b.userID, *timeout)
	if again := mustOpen(root, b, a.userID, *timeout); again != convID {
		fatalf("conversation_open mismatch: A=%q B=%q", convID, again)
	}

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())
	serverMsgID, seq := mustSendAndAssertAck(root, a, convID, clientMsgID, *text, *timeout)

	mustAssertNew(root, b, convID, clientMsgID, serverMsgID, seq, a.userID, *text, *timeout)
	mustAssertNew(root, a, convID, clientMsgID, serverMsgID, seq, a.userID, *text, *timeout)

	mustHistoryFetch(root, b, convID, nil, 50, serverMsgID, true, *timeout)
	before := seq
	mustHistoryFetch(root, b, convID, &before, 50, serverMsgID, false, *timeout)

	_, seq2 := mustSendAndAssertAck(root, a, convID, clientMsgID, *text, *timeout)
	if seq2 != seq {
		fatalf("dedupe: seq mismatch: first=%d second=%d", seq, seq2)
	}
	mustAssertNoType(root, b, v1.TypeMessageNew, 1200*time.Millisecond)
	mustAssertNoType(root, a, v1.TypeMessageNew, 1200*time.Millisecond)

	mustMarkRead(root, b, a, convID, *timeout)
	mustUnreadZero(root, b, convID, *timeout)

	fmt.Printf("OK: A=%s B=%s conv_id=%s seq=%d server_msg_id=%s\n", a.userID, b.userID, convID, seq, serverMsgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, creds credentials, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if creds.token != "" {
		h.Set("Authorization", "Bearer "+creds.token)
	} else {
		h.Set(creds.header, creds.userID)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	ack := c.mustRequest(parent, v1.TypeHello, v1.HelloPayload{}, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	mustUnmarshal(c, ack, &p)
	if strings.TrimSpace(p.SessionID) == "" || strings.TrimSpace(p.UserID) == "" {
		fatalf("hello_ack missing session_id/user_id (%s)", name)
	}
	if creds.token == "" && p.UserID != strings.TrimSpace(creds.userID) {
		fatalf("hello_ack user mismatch (%s): got=%q want=%q", name, p.UserID, creds.userID)
	}
	c.sessionID = p.SessionID
	c.userID = p.UserID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustRequest writes a request envelope and waits for the reply carrying its id,
// skipping pushes that arrive in between.
func (c *smokeClient) mustRequest(parent context.Context, typ string, payload any, wantType string, stepTimeout time.Duration) v1.Envelope {
	c.nextID++
	id := fmt.Sprintf("%s-%s-%d", c.name, typ, c.nextID)
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}, stepTimeout)

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	for {
		env := c.mustNext(ctx, wantType)
		if env.ReplyTo != id {
			c.pending = append(c.pending, env)
			continue
		}
		if env.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
		}
		if env.Type != wantType {
			fatalf("unexpected reply type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
		return env
	}
}

func (c *smokeClient) mustNext(ctx context.Context, waitingFor string) v1.Envelope {
	select {
	case <-ctx.Done():
		fatalf("timeout waiting for %q (%s): %v", waitingFor, c.name, ctx.Err())
	case err := <-c.errCh:
		fatalf("connection error while waiting for %q (%s): %v", waitingFor, c.name, err)
	case env, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed while waiting for %q (%s)", waitingFor, c.name)
		}
		return env
	}
	panic("unreachable")
}

func mustOpen(parent context.Context, c *smokeClient, otherUserID string, stepTimeout time.Duration) string {
	reply := c.mustRequest(parent, v1.TypeConversationOpen, v1.ConversationOpenPayload{OtherUserID: otherUserID}, v1.TypeConversationOpen, stepTimeout)

	var p v1.Conversation
	mustUnmarshal(c, reply, &p)
	if strings.TrimSpace(p.ConversationID) == "" {
		fatalf("conversation_open missing conversation_id (%s)", c.name)
	}
	if p.Participants[0] >= p.Participants[1] {
		fatalf("conversation_open participants not canonical (%s): %v", c.name, p.Participants)
	}
	return p.ConversationID
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, convID, clientMsgID, text string, stepTimeout time.Duration) (serverMsgID string, seq int64) {
	now := time.Now().UTC()
	ack := c.mustRequest(parent, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: convID,
		ClientMsgID:    clientMsgID,
		Text:           text,
		ClientTS:       &now,
	}, v1.TypeMessageAck, stepTimeout)

	var p v1.MessageAckPayload
	mustUnmarshal(c, ack, &p)
	if p.ConversationID != convID {
		fatalf("ack conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.ServerMsgID) == "" {
		fatalf("ack missing server_msg_id (%s)", c.name)
	}
	if p.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Seq)
	}
	return p.ServerMsgID, p.Seq
}

func mustAssertNew(parent context.Context, c *smokeClient, convID, clientMsgID, serverMsgID string, seq int64, senderID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout)

	var p v1.MessageNewPayload
	mustUnmarshal(c, env, &p)

	switch {
	case p.ConversationID != convID:
		fatalf("new conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	case p.ClientMsgID != clientMsgID:
		fatalf("new client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	case p.ServerMsgID != serverMsgID:
		fatalf("new server_msg_id mismatch (%s): got=%q want=%q", c.name, p.ServerMsgID, serverMsgID)
	case p.Seq != seq:
		fatalf("new seq mismatch (%s): got=%d want=%d", c.name, p.Seq, seq)
	case p.Sender != senderID:
		fatalf("new sender mismatch (%s): got=%q want=%q", c.name, p.Sender, senderID)
	case p.Text != strings.TrimSpace(text):
		fatalf("new text mismatch (%s): got=%q want=%q", c.name, p.Text, text)
	case p.ServerTS.IsZero():
		fatalf("new server_ts missing/zero (%s)", c.name)
	}
}

func mustHistoryFetch(parent context.Context, c *smokeClient, convID string, beforeSeq *int64, limit int, serverMsgID string, wantFound bool, stepTimeout time.Duration) {
	chunk := c.mustRequest(parent, v1.TypeConversationHistoryFetch, v1.ConversationHistoryFetchPayload{
		ConversationID: convID,
		BeforeSeq:      beforeSeq,
		Limit:          limit,
	}, v1.TypeConversationHistoryChunk, stepTimeout)

	var p v1.ConversationHistoryChunkPayload
	mustUnmarshal(c, chunk, &p)
	if p.ConversationID != convID {
		fatalf("history chunk conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}

	found := false
	for i, m := range p.Messages {
		if i > 0 && m.Seq <= p.Messages[i-1].Seq {
			fatalf("history chunk not ascending (%s): %d after %d", c.name, m.Seq, p.Messages[i-1].Seq)
		}
		if beforeSeq != nil && m.Seq >= *beforeSeq {
			fatalf("history chunk ignored before_seq (%s): got seq %d", c.name, m.Seq)
		}
		if m.ServerMsgID == serverMsgID {
			found = true
		}
	}
	if found != wantFound {
		fatalf("history chunk contains %s=%v, want %v (%s)", serverMsgID, found, wantFound, c.name)
	}
}

func mustMarkRead(parent context.Context, reader, other *smokeClient, convID string, stepTimeout time.Duration) {
	reader.mustRequest(parent, v1.TypeConversationRead, v1.ConversationReadPayload{ConversationID: convID}, v1.TypeConversationRead, stepTimeout)

	env := other.mustReadUntilType(parent, v1.TypeConversationRead, stepTimeout)
	var p v1.ConversationReadPayload
	mustUnmarshal(other, env, &p)
	if p.ConversationID != convID || p.ReaderID != reader.userID {
		fatalf("conversation_read push mismatch (%s): %+v", other.name, p)
	}
}

func mustUnreadZero(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	reply := c.mustRequest(parent, v1.TypeConversationList, struct{}{}, v1.TypeConversationList, stepTimeout)

	var p v1.ConversationListPayload
	mustUnmarshal(c, reply, &p)
	for _, conv := range p.Conversations {
		if conv.ConversationID != convID {
			continue
		}
		if conv.UnreadCount != 0 {
			fatalf("unread not reset (%s): %d", c.name, conv.UnreadCount)
		}
		return
	}
	fatalf("conversation %s missing from list (%s)", convID, c.name)
}

func mustUnmarshal(c *smokeClient, env v1.Envelope, dst any) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("unmarshal %s payload (%s): %v", env.Type, c.name, err)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	for _, env := range c.pending {
		if env.Type == forbiddenType {
			fatalf("unexpected %s received (%s)", forbiddenType, c.name)
		}
	}

	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
			c.pending = append(c.pending, env)
		}
	}
}

// mustReadUntilType returns the next push of wantType, consuming stashed envelopes first.
// Other envelopes are stashed for later steps.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	for i, env := range c.pending {
		if env.Type == wantType && env.ReplyTo == "" {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return env
		}
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustNext(ctx, wantType)
		if env.Type == wantType && env.ReplyTo == "" {
			return env
		}
		if env.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
		}
		c.pending = append(c.pending, env)
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
