package events

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/schoolhub/messaging/store/message"
	"github.com/schoolhub/messaging/store/outbox"
	"github.com/schoolhub/messaging/store/reaction"
)

const (
	TypeMessage  = "message"
	TypeReaction = "reaction"
)

type Sender struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// MessageEvent is published after a message is persisted. Nullable fields are
// always present so consumers can tell "absent" from "not sent".
type MessageEvent struct {
	Type           string    `json:"type"`
	ConversationID int64     `json:"conversation_id"`
	ID             int64     `json:"id"`
	Sender         Sender    `json:"sender"`
	Content        *string   `json:"content"`
	MessageType    string    `json:"message_type"`
	FileURL        *string   `json:"file_url"`
	RepliedToID    *int64    `json:"replied_to_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// ReactionEvent is published after a reaction is written.
type ReactionEvent struct {
	Type           string    `json:"type"`
	ConversationID int64     `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	UserID         int64     `json:"user_id"`
	Emoji          string    `json:"emoji"`
	CreatedAt      time.Time `json:"created_at"`
}

// Envelope holds the fields every event shares. Subscribers decode it to route
// the raw payload without knowing the full shape.
type Envelope struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
}

func NewMessageEvent(m message.Message) MessageEvent {
	return MessageEvent{
		Type:           TypeMessage,
		ConversationID: m.ConversationID,
		ID:             m.ID,
		Sender:         Sender{ID: m.SenderID, Name: m.SenderName},
		Content:        m.Content,
		MessageType:    string(m.Type),
		FileURL:        m.FileURL,
		RepliedToID:    m.RepliedToID,
		CreatedAt:      m.CreatedAt,
	}
}

func NewReactionEvent(conversationID int64, r reaction.Reaction) ReactionEvent {
	return ReactionEvent{
		Type:           TypeReaction,
		ConversationID: conversationID,
		MessageID:      r.MessageID,
		UserID:         r.UserID,
		Emoji:          r.Emoji,
		CreatedAt:      r.UpdatedAt,
	}
}

// Entry encodes an event as an outbox entry keyed by its conversation, so a
// partitioned bus keeps one conversation's events in order.
func Entry(topic string, conversationID int64, ev any) (outbox.Entry, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return outbox.Entry{}, err
	}
	return outbox.Entry{
		Topic:   topic,
		Key:     strconv.FormatInt(conversationID, 10),
		Payload: payload,
	}, nil
}
