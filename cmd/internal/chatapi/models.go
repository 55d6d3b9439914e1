package chatapi

import (
	"time"

	"classchat/cmd/internal/realtime"
	v1 "classchat/shared/contracts/realtime/v1"
)

type createChatRequest struct {
	ParticipantID string `json:"participant_id"`
	Context       string `json:"context,omitempty"`
}

type chatResponse struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
	Context      string    `json:"context,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type createChatResponse struct {
	Chat    chatResponse `json:"chat"`
	Created bool         `json:"created"`
}

type sendMessageRequest struct {
	ChatID      string `json:"chat_id,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	Body        string `json:"body"`
	ClientRef   string `json:"client_ref,omitempty"`
	UploadID    string `json:"upload_id,omitempty"`
}

type sendMessageResponse struct {
	Message   v1.Message `json:"message"`
	Duplicate bool       `json:"duplicate"`
}

type finalizeRequest struct {
	ChatID      string `json:"chat_id,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	Body        string `json:"body"`
	ClientRef   string `json:"client_ref,omitempty"`
}

type beginUploadRequest struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

type uploadStoredResponse struct {
	UploadID string `json:"upload_id"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
}

type presenceResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

func toChatResponse(c realtime.Chat) chatResponse {
	return chatResponse{
		ID:           c.ID,
		Participants: [2]string{c.ParticipantA, c.ParticipantB},
		Context:      c.Context,
		CreatedAt:    c.CreatedAt,
	}
}

func toPage(p realtime.MessagePage, chatID string) v1.HistoryChunkPayload {
	msgs := make([]v1.Message, 0, len(p.Messages))
	for _, m := range p.Messages {
		msgs = append(msgs, m.Wire(""))
	}
	return v1.HistoryChunkPayload{
		ChatID:   chatID,
		Page:     p.Page,
		PageSize: p.PageSize,
		Total:    p.Total,
		HasMore:  p.HasMore,
		Messages: msgs,
	}
}
