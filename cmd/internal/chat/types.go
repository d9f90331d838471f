package chat

import (
	"sort"
	"time"
)

// Summary is the denormalized last-message cache kept on a conversation for listing.
type Summary struct {
	MessageID string
	Text      string
	Timestamp time.Time
	SenderID  string
	Sequence  int64
}

// Conversation is a two-participant messaging channel with aggregate summary state.
//
// Participants are stored in canonical (sorted) order and never change.
// Unread and ReadSeq are keyed by participant id and always contain both participants.
type Conversation struct {
	ID           string
	Participants [2]string
	CreatedAt    time.Time
	LastMessage  *Summary
	Unread       map[string]int64
	ReadSeq      map[string]int64
}

// NewConversation returns a conversation with an empty summary and zeroed counters.
func NewConversation(id string, participants [2]string, now time.Time) Conversation {
	return Conversation{
		ID:           id,
		Participants: participants,
		CreatedAt:    now,
		Unread:       map[string]int64{participants[0]: 0, participants[1]: 0},
		ReadSeq:      map[string]int64{participants[0]: 0, participants[1]: 0},
	}
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// UnreadFor returns the unread counter of a single participant.
func (c Conversation) UnreadFor(userID string) int64 {
	return c.Unread[userID]
}

// LastSeq returns the sequence of the summarized message, or 0 when there is none.
func (c Conversation) LastSeq() int64 {
	if c.LastMessage == nil {
		return 0
	}
	return c.LastMessage.Sequence
}

// Clone returns a deep copy so snapshots can be handed out without sharing maps.
func (c Conversation) Clone() Conversation {
	out := c
	if c.LastMessage != nil {
		s := *c.LastMessage
		out.LastMessage = &s
	}
	out.Unread = make(map[string]int64, len(c.Unread))
	for k, v := range c.Unread {
		out.Unread[k] = v
	}
	out.ReadSeq = make(map[string]int64, len(c.ReadSeq))
	for k, v := range c.ReadSeq {
		out.ReadSeq[k] = v
	}
	return out
}

// ApplyMessage updates the summary (only forward in sequence order) and bumps unread
// counters of every participant except the sender.
func (c *Conversation) ApplyMessage(m Message) {
	if c.LastMessage == nil || m.Sequence > c.LastMessage.Sequence {
		s := m.Summary()
		c.LastMessage = &s
	}
	if c.Unread == nil {
		c.Unread = make(map[string]int64, 2)
	}
	for _, p := range c.Participants {
		if p != m.SenderID {
			c.Unread[p]++
		}
	}
}

// ApplyRead zeroes the participant's unread counter and records the read watermark.
func (c *Conversation) ApplyRead(userID string) {
	if c.Unread == nil {
		c.Unread = make(map[string]int64, 2)
	}
	if c.ReadSeq == nil {
		c.ReadSeq = make(map[string]int64, 2)
	}
	c.Unread[userID] = 0
	if seq := c.LastSeq(); seq > c.ReadSeq[userID] {
		c.ReadSeq[userID] = seq
	}
}

// Message is an immutable entry of the per-conversation log.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	Sequence       int64
	CreatedAt      time.Time

	// ClientMsgID is the optional caller-generated request token used to deduplicate retries.
	ClientMsgID string
	// ClientTS is diagnostic metadata only; ordering and CreatedAt are server-assigned.
	ClientTS *time.Time
}

// Summary projects the message into a conversation summary.
func (m Message) Summary() Summary {
	return Summary{
		MessageID: m.ID,
		Text:      Snippet(m.Text),
		Timestamp: m.CreatedAt,
		SenderID:  m.SenderID,
		Sequence:  m.Sequence,
	}
}

// SortByActivity orders conversations by last message timestamp descending.
// Conversations without messages sort last, by creation time descending.
func SortByActivity(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i], convs[j]
		switch {
		case a.LastMessage != nil && b.LastMessage != nil:
			if !a.LastMessage.Timestamp.Equal(b.LastMessage.Timestamp) {
				return a.LastMessage.Timestamp.After(b.LastMessage.Timestamp)
			}
		case a.LastMessage != nil:
			return true
		case b.LastMessage != nil:
			return false
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		}
		return a.ID > b.ID
	})
}
