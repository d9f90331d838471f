package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/auth"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat/memstore"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/messaging"
)

func newTestServer(t *testing.T, svc Messenger) *httptest.Server {
	t.Helper()
	if svc == nil {
		s, err := messaging.New(memstore.NewConversationStore(), memstore.NewMessageLog(), messaging.WithAppendRetry(1, 0))
		require.NoError(t, err)
		svc = s
	}
	h, err := NewHandler(nil, svc, auth.HeaderVerifier{})
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, user string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, srv.URL+path, rdr)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(auth.DefaultUserHeader, user)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decodeBody[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func requireErrorCode(t *testing.T, resp *http.Response, raw []byte, status int, code string) {
	t.Helper()
	require.Equal(t, status, resp.StatusCode, string(raw))
	require.Equal(t, code, decodeBody[errorResponse](t, raw).Error.Code)
}

func TestConversationFlow(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t, nil)

	resp, raw := do(t, srv, http.MethodPost, "/v1/conversations", "alice", openConversationRequest{OtherUserID: "bob"})
	req.Equal(http.StatusOK, resp.StatusCode, string(raw))
	conv := decodeBody[conversationResponse](t, raw)
	req.Equal([2]string{"alice", "bob"}, conv.Participants)
	req.Contains(string(raw), `"lastMessage":null`)

	resp, raw = do(t, srv, http.MethodPost, "/v1/conversations", "bob", openConversationRequest{OtherUserID: "alice"})
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal(conv.ID, decodeBody[conversationResponse](t, raw).ID)

	for _, text := range []string{"one", "two", "three"} {
		resp, raw = do(t, srv, http.MethodPost, "/v1/conversations/"+conv.ID+"/messages", "alice", sendMessageRequest{Text: text})
		req.Equal(http.StatusCreated, resp.StatusCode, string(raw))
	}
	last := decodeBody[messageResponse](t, raw)
	req.Equal(int64(3), last.Sequence)
	req.Equal("alice", last.SenderID)
	req.Equal(conv.ID, last.ConversationID)

	resp, raw = do(t, srv, http.MethodGet, "/v1/conversations", "bob", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	list := decodeBody[conversationListResponse](t, raw)
	req.Len(list.Conversations, 1)
	req.Equal(int64(3), list.Conversations[0].UnreadCount)
	req.Equal("three", list.Conversations[0].LastMessage.Text)

	resp, raw = do(t, srv, http.MethodGet, "/v1/conversations/"+conv.ID+"/messages?limit=2", "bob", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	page := decodeBody[messagePageResponse](t, raw)
	req.True(page.HasMore)
	req.Equal([]int64{2, 3}, []int64{page.Messages[0].Sequence, page.Messages[1].Sequence})
	req.NotNil(page.NextBefore)
	req.Equal(int64(2), *page.NextBefore)

	resp, raw = do(t, srv, http.MethodGet, "/v1/conversations/"+conv.ID+"/messages?limit=2&before=2", "bob", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	page = decodeBody[messagePageResponse](t, raw)
	req.False(page.HasMore)
	req.Nil(page.NextBefore)
	req.Len(page.Messages, 1)

	resp, _ = do(t, srv, http.MethodPost, "/v1/conversations/"+conv.ID+"/read", "bob", nil)
	req.Equal(http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodPost, "/v1/conversations/"+conv.ID+"/read", "bob", nil)
	req.Equal(http.StatusNoContent, resp.StatusCode)

	_, raw = do(t, srv, http.MethodGet, "/v1/conversations", "bob", nil)
	req.Equal(int64(0), decodeBody[conversationListResponse](t, raw).Conversations[0].UnreadCount)
}

func TestSend_ClientMsgIDDeduplicates(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t, nil)

	_, raw := do(t, srv, http.MethodPost, "/v1/conversations", "alice", openConversationRequest{OtherUserID: "bob"})
	conv := decodeBody[conversationResponse](t, raw)

	body := `{"text":"hi","clientMsgId":"tok-1","clientTs":"2020-01-01T00:00:00Z"}`
	_, first := do(t, srv, http.MethodPost, "/v1/conversations/"+conv.ID+"/messages", "alice", body)
	resp, second := do(t, srv, http.MethodPost, "/v1/conversations/"+conv.ID+"/messages", "alice", body)
	req.Equal(http.StatusCreated, resp.StatusCode)
	req.Equal(decodeBody[messageResponse](t, first).ID, decodeBody[messageResponse](t, second).ID)
	req.Equal("tok-1", decodeBody[messageResponse](t, second).ClientMsgID)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, nil)
	_, raw := do(t, srv, http.MethodPost, "/v1/conversations", "alice", openConversationRequest{OtherUserID: "bob"})
	conv := decodeBody[conversationResponse](t, raw)
	msgs := "/v1/conversations/" + conv.ID + "/messages"

	cases := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		status int
		code   string
	}{
		{"no credentials", http.MethodGet, "/v1/conversations", "", nil, http.StatusUnauthorized, "unauthorized"},
		{"self chat", http.MethodPost, "/v1/conversations", "alice", openConversationRequest{OtherUserID: " alice "}, http.StatusBadRequest, "invalid_participants"},
		{"missing other", http.MethodPost, "/v1/conversations", "alice", `{}`, http.StatusBadRequest, "invalid_participants"},
		{"unknown field", http.MethodPost, "/v1/conversations", "alice", `{"other":"bob"}`, http.StatusBadRequest, "invalid_request"},
		{"trailing data", http.MethodPost, "/v1/conversations", "alice", `{"otherUserId":"bob"} {}`, http.StatusBadRequest, "invalid_request"},
		{"empty text", http.MethodPost, msgs, "alice", sendMessageRequest{Text: "  "}, http.StatusBadRequest, "invalid_message"},
		{"long text", http.MethodPost, msgs, "alice", sendMessageRequest{Text: strings.Repeat("x", chat.MaxMessageChars+1)}, http.StatusBadRequest, "invalid_message"},
		{"long token", http.MethodPost, msgs, "alice", sendMessageRequest{Text: "hi", ClientMsgID: strings.Repeat("t", 129)}, http.StatusBadRequest, "invalid_request"},
		{"non participant", http.MethodPost, msgs, "mallory", sendMessageRequest{Text: "hi"}, http.StatusForbidden, "forbidden"},
		{"unknown conversation", http.MethodPost, "/v1/conversations/nope/messages", "alice", sendMessageRequest{Text: "hi"}, http.StatusNotFound, "not_found"},
		{"bad before", http.MethodGet, msgs + "?before=zero", "alice", nil, http.StatusBadRequest, "invalid_request"},
		{"negative before", http.MethodGet, msgs + "?before=-3", "alice", nil, http.StatusBadRequest, "invalid_request"},
		{"foreign read", http.MethodPost, "/v1/conversations/" + conv.ID + "/read", "mallory", nil, http.StatusForbidden, "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, raw := do(t, srv, tc.method, tc.path, tc.user, tc.body)
			requireErrorCode(t, resp, raw, tc.status, tc.code)
		})
	}
}

type unavailableMessenger struct{ Messenger }

func (unavailableMessenger) Send(context.Context, string, string, messaging.SendInput) (chat.Message, error) {
	return chat.Message{}, chat.NewError("messaging.Send", chat.ErrUnavailable, "message log unavailable")
}

func (unavailableMessenger) ListConversations(context.Context, string) ([]messaging.ConversationView, error) {
	return nil, errors.New("pq: connection reset by peer")
}

func TestStorageFailures(t *testing.T) {
	srv := newTestServer(t, unavailableMessenger{})

	resp, raw := do(t, srv, http.MethodPost, "/v1/conversations/c-1/messages", "alice", sendMessageRequest{Text: "hi"})
	requireErrorCode(t, resp, raw, http.StatusServiceUnavailable, "unavailable")
	require.Equal(t, "1", resp.Header.Get("Retry-After"))

	resp, raw = do(t, srv, http.MethodGet, "/v1/conversations", "alice", nil)
	requireErrorCode(t, resp, raw, http.StatusInternalServerError, "internal")
	require.NotContains(t, string(raw), "connection reset")
}

type abandonedMessenger struct{ Messenger }

func (abandonedMessenger) ListMessages(context.Context, string, string, *int64, int) (chat.PageResult, error) {
	return chat.PageResult{}, fmt.Errorf("pgstore: page: %w", context.DeadlineExceeded)
}

func (abandonedMessenger) MarkRead(context.Context, string, string) error {
	return context.Canceled
}

func TestContextErrorsStayOutOfTaxonomy(t *testing.T) {
	var logs bytes.Buffer
	h, err := NewHandler(slog.New(slog.NewJSONHandler(&logs, nil)), abandonedMessenger{}, auth.HeaderVerifier{})
	require.NoError(t, err)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	resp, raw := do(t, srv, http.MethodGet, "/v1/conversations/c-1/messages", "alice", nil)
	requireErrorCode(t, resp, raw, http.StatusGatewayTimeout, chat.CodeTimeout)

	resp, raw = do(t, srv, http.MethodPost, "/v1/conversations/c-1/read", "alice", nil)
	requireErrorCode(t, resp, raw, statusClientClosedRequest, chat.CodeCanceled)

	require.Contains(t, logs.String(), `"msg":"http.request.abandoned"`)
	require.NotContains(t, logs.String(), `"level":"ERROR"`)
}
