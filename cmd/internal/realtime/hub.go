package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/events"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/metrics"
	v1 "github.com/NureBureikoNataliia/LangMate/shared/contracts/realtime/v1"
)

// sessionSet holds the live sessions of one user, keyed by session id.
type sessionSet map[string]*Client

// Hub tracks connected sessions per user and pushes bus events to them.
//
// Pushes never block: a session whose queue is full misses the event and
// recovers through history fetches.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	users map[string]sessionSet
}

// NewHub constructs a Hub. m may be nil.
func NewHub(log *slog.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		metrics: m,
		users:   make(map[string]sessionSet),
	}
}

// Register makes c reachable by pushes addressed to c.UserID.
func (h *Hub) Register(c *Client) {
	if c == nil || c.UserID == "" || c.SessionID == "" {
		return
	}
	h.mu.Lock()
	set, ok := h.users[c.UserID]
	if !ok {
		set = make(sessionSet)
		h.users[c.UserID] = set
	}
	set[c.SessionID] = c
	h.mu.Unlock()

	h.log.Info("ws.session.register", "user_id", c.UserID, "session_id", c.SessionID)
}

// Unregister removes c and then signals its shutdown.
func (h *Hub) Unregister(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	if set, ok := h.users[c.UserID]; ok {
		delete(set, c.SessionID)
		if len(set) == 0 {
			delete(h.users, c.UserID)
		}
	}
	h.mu.Unlock()

	// Removal happens before Close so no push holds a client that is tearing down.
	c.Close()
	h.log.Info("ws.session.unregister", "user_id", c.UserID, "session_id", c.SessionID)
}

// Sessions returns the number of live sessions of userID.
func (h *Hub) Sessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// SendToUser offers env to every session of userID and returns how many accepted it.
func (h *Hub) SendToUser(userID string, env v1.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, c := range h.users[userID] {
		if c.offer(env) {
			delivered++
			continue
		}
		h.metrics.EventDropped("ws_queue")
		h.log.Debug("ws.push.drop", "user_id", userID, "session_id", c.SessionID, "type", env.Type)
	}
	return delivered
}

// Run pushes events from sub to both participants until ctx is done or sub closes.
func (h *Hub) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			env, ok := envelopeForEvent(ev)
			if !ok {
				continue
			}
			for _, p := range ev.Participants {
				h.SendToUser(p, env)
			}
		}
	}
}

func envelopeForEvent(ev events.Event) (v1.Envelope, bool) {
	var (
		typ     string
		payload any
	)
	switch ev.Type {
	case events.MessageCreated:
		if ev.Message == nil {
			return v1.Envelope{}, false
		}
		typ, payload = v1.TypeMessageNew, toMessagePayload(*ev.Message)
	case events.ConversationRead:
		typ, payload = v1.TypeConversationRead, v1.ConversationReadPayload{
			ConversationID: ev.ConversationID,
			ReaderID:       ev.ReaderID,
			ReadAt:         ev.At,
		}
	default:
		return v1.Envelope{}, false
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, false
	}
	return newEnvelope(typ, "", raw, time.Now().UTC()), true
}
