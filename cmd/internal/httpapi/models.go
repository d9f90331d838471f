package httpapi

import (
	"time"

	"github.com/samber/lo"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/messaging"
)

type openConversationRequest struct {
	OtherUserID string `json:"otherUserId"`
}

type sendMessageRequest struct {
	Text        string     `json:"text"`
	ClientMsgID string     `json:"clientMsgId,omitempty" validate:"omitempty,max=128,printascii"`
	ClientTS    *time.Time `json:"clientTs,omitempty"`
}

type listMessagesQuery struct {
	Before *int64 `validate:"omitempty,gte=1"`
	Limit  int    `validate:"gte=0"`
}

type lastMessageResponse struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	SenderID  string    `json:"senderId"`
}

type conversationResponse struct {
	ID           string               `json:"id"`
	Participants [2]string            `json:"participants"`
	CreatedAt    time.Time            `json:"createdAt"`
	LastMessage  *lastMessageResponse `json:"lastMessage"`
	UnreadCount  int64                `json:"unreadCount"`
}

type conversationListResponse struct {
	Conversations []conversationResponse `json:"conversations"`
}

type messageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	Sequence       int64     `json:"sequence"`
	CreatedAt      time.Time `json:"createdAt"`
	ClientMsgID    string    `json:"clientMsgId,omitempty"`
}

type messagePageResponse struct {
	Messages []messageResponse `json:"messages"`
	HasMore  bool              `json:"hasMore"`
	// NextBefore is the cursor for the next older page, set when HasMore.
	NextBefore *int64 `json:"nextBefore,omitempty"`
}

func toConversationResponse(v messaging.ConversationView) conversationResponse {
	out := conversationResponse{
		ID:           v.ID,
		Participants: v.Participants,
		CreatedAt:    v.CreatedAt,
		UnreadCount:  v.UnreadCount,
	}
	if v.LastMessage != nil {
		out.LastMessage = &lastMessageResponse{
			Text:      v.LastMessage.Text,
			Timestamp: v.LastMessage.Timestamp,
			SenderID:  v.LastMessage.SenderID,
		}
	}
	return out
}

func toMessageResponse(m chat.Message) messageResponse {
	return messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		Sequence:       m.Sequence,
		CreatedAt:      m.CreatedAt,
		ClientMsgID:    m.ClientMsgID,
	}
}

func toMessagePage(p chat.PageResult) messagePageResponse {
	out := messagePageResponse{
		Messages: lo.Map(p.Messages, func(m chat.Message, _ int) messageResponse { return toMessageResponse(m) }),
		HasMore:  p.HasMore,
	}
	if p.HasMore && len(p.Messages) > 0 {
		out.NextBefore = lo.ToPtr(p.Messages[0].Sequence)
	}
	return out
}
