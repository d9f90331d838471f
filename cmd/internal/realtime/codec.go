package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/coder/websocket"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/messaging"
	v1 "github.com/NureBureikoNataliia/LangMate/shared/contracts/realtime/v1"
)

func newEnvelope(typ, replyTo string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      chat.NewID(ts),
		ReplyTo: replyTo,
		TS:      ts,
		Payload: payload,
	}
}

var errBadJSON = errors.New("invalid JSON")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

func toMessagePayload(m chat.Message) v1.MessageNewPayload {
	return v1.MessageNewPayload{
		ConversationID: m.ConversationID,
		ClientMsgID:    m.ClientMsgID,
		ServerMsgID:    m.ID,
		Seq:            m.Sequence,
		Sender:         m.SenderID,
		Text:           m.Text,
		ServerTS:       m.CreatedAt,
	}
}

func toConversationPayload(v messaging.ConversationView) v1.Conversation {
	out := v1.Conversation{
		ConversationID: v.ID,
		Participants:   v.Participants,
		CreatedAt:      v.CreatedAt,
		UnreadCount:    v.UnreadCount,
	}
	if v.LastMessage != nil {
		out.LastMessage = &v1.LastMessage{
			ServerMsgID: v.LastMessage.MessageID,
			Text:        v.LastMessage.Text,
			Sender:      v.LastMessage.SenderID,
			Seq:         v.LastMessage.Sequence,
			ServerTS:    v.LastMessage.Timestamp,
		}
	}
	return out
}
