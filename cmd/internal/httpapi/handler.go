// Package httpapi is the REST binding of the messaging service.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/auth"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/messaging"
)

const (
	maxBodyBytes      = 8 << 10
	retryAfterSeconds = 1
)

// Messenger is the subset of the messaging service the REST binding drives.
type Messenger interface {
	OpenConversation(ctx context.Context, callerID, otherUserID string) (messaging.ConversationView, error)
	ListConversations(ctx context.Context, callerID string) ([]messaging.ConversationView, error)
	Send(ctx context.Context, callerID, conversationID string, in messaging.SendInput) (chat.Message, error)
	ListMessages(ctx context.Context, callerID, conversationID string, before *int64, limit int) (chat.PageResult, error)
	MarkRead(ctx context.Context, callerID, conversationID string) error
}

// Handler serves /v1 conversation and message routes.
type Handler struct {
	log      *slog.Logger
	svc      Messenger
	verifier auth.Verifier
	validate *validator.Validate
}

// NewHandler wires a Handler.
func NewHandler(log *slog.Logger, svc Messenger, verifier auth.Verifier) (*Handler, error) {
	if svc == nil || verifier == nil {
		return nil, errors.New("httpapi: messenger and verifier are required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, svc: svc, verifier: verifier, validate: validator.New()}, nil
}

// Register wires routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.Handle("POST /v1/conversations", h.authed(h.handleOpenConversation))
	mux.Handle("GET /v1/conversations", h.authed(h.handleListConversations))
	mux.Handle("POST /v1/conversations/{id}/messages", h.authed(h.handleSend))
	mux.Handle("GET /v1/conversations/{id}/messages", h.authed(h.handleListMessages))
	mux.Handle("POST /v1/conversations/{id}/read", h.authed(h.handleMarkRead))
}

type authedFunc func(w http.ResponseWriter, r *http.Request, callerID string)

func (h *Handler) authed(fn authedFunc) http.Handler {
	onFail := func(w http.ResponseWriter, _ *http.Request, _ error) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
	}
	return auth.Require(h.verifier, onFail, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, _ := auth.FromContext(r.Context())
		fn(w, r, c.UserID)
	}))
}

// ---- handlers ----

func (h *Handler) handleOpenConversation(w http.ResponseWriter, r *http.Request, callerID string) {
	var req openConversationRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	view, err := h.svc.OpenConversation(r.Context(), callerID, req.OtherUserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(view))
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request, callerID string) {
	views, err := h.svc.ListConversations(r.Context(), callerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationListResponse{
		Conversations: lo.Map(views, func(v messaging.ConversationView, _ int) conversationResponse {
			return toConversationResponse(v)
		}),
	})
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request, callerID string) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "clientMsgId must be at most 128 printable ASCII characters")
		return
	}
	msg, err := h.svc.Send(r.Context(), callerID, r.PathValue("id"), messaging.SendInput{
		Text:        req.Text,
		ClientMsgID: strings.TrimSpace(req.ClientMsgID),
		ClientTS:    req.ClientTS,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request, callerID string) {
	q, err := parseListMessagesQuery(r)
	if err == nil {
		err = h.validate.Struct(q)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "before must be a positive integer and limit non-negative")
		return
	}
	page, err := h.svc.ListMessages(r.Context(), callerID, r.PathValue("id"), q.Before, q.Limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessagePage(page))
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request, callerID string) {
	if err := h.svc.MarkRead(r.Context(), callerID, r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch code := chat.Code(err); {
	case code == "internal":
		h.log.Error("http.request.fail", "method", r.Method, "path", r.URL.Path, "err", err)
	case chat.IsContextDone(err):
		h.log.Info("http.request.abandoned", "method", r.Method, "path", r.URL.Path, "code", code)
	}
	writeServiceError(w, err)
}

func parseListMessagesQuery(r *http.Request) (listMessagesQuery, error) {
	var q listMessagesQuery
	v := r.URL.Query()
	if raw := strings.TrimSpace(v.Get("before")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return q, err
		}
		q.Before = &n
	}
	if raw := strings.TrimSpace(v.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, err
		}
		q.Limit = n
	}
	return q, nil
}
