package messaging

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/schoolhub/messaging/internal/apperr"
	"github.com/schoolhub/messaging/internal/events"
	"github.com/schoolhub/messaging/store/conversation"
	"github.com/schoolhub/messaging/store/message"
	"github.com/schoolhub/messaging/store/outbox"
	"github.com/schoolhub/messaging/store/reaction"
	"github.com/schoolhub/messaging/store/user"
)

type SendInput struct {
	Content     *string `json:"content" validate:"omitempty,max=10000"`
	MessageType string  `json:"message_type" validate:"omitempty,oneof=text image file"`
	FileURL     *string `json:"file_url" validate:"omitempty,url,max=2048"`
	RepliedToID *int64  `json:"replied_to_id" validate:"omitempty,gt=0"`
}

// PageInput is the raw history query. An empty Cursor starts from the latest
// message (older) or the first one (newer).
type PageInput struct {
	PerPage   int    `json:"per_page" validate:"gte=0"`
	Cursor    string `json:"cursor"`
	Direction string `json:"direction" validate:"omitempty,oneof=older newer"`
}

// MessageView is a message with the reactions it has collected.
type MessageView struct {
	message.Message
	Reactions []reaction.Reaction `json:"reactions"`
}

type MessagePage struct {
	Data       []MessageView `json:"data"`
	NextCursor *string       `json:"next_cursor"`
	HasMore    bool          `json:"has_more"`
}

// Detail is what a participant sees when opening a conversation.
type Detail struct {
	View
	Messages MessagePage `json:"messages"`
}

// SendMessage stores a message from the caller. The message, the conversation
// counters and the fan-out event commit together; publishing happens later and
// never fails the send.
func (s *Service) SendMessage(ctx context.Context, callerID, conversationID int64, in SendInput) (*message.Message, error) {
	if _, _, err := s.membership(ctx, callerID, conversationID); err != nil {
		return nil, err
	}

	if in.Content != nil {
		trimmed := strings.TrimSpace(*in.Content)
		in.Content = &trimmed
		if trimmed == "" {
			in.Content = nil
		}
	}
	if in.FileURL != nil && strings.TrimSpace(*in.FileURL) == "" {
		in.FileURL = nil
	}
	if in.MessageType == "" {
		in.MessageType = string(message.TypeText)
	}
	if err := s.check(in); err != nil {
		return nil, err
	}
	if in.Content == nil && in.FileURL == nil {
		return nil, apperr.Validation("the given data was invalid", map[string]string{
			"content": "content or file_url is required",
		})
	}
	if message.Type(in.MessageType) != message.TypeText && in.FileURL == nil {
		return nil, apperr.Field("file_url", "is required for "+in.MessageType+" messages")
	}
	if in.RepliedToID != nil {
		parent, err := s.messages.Get(ctx, *in.RepliedToID)
		if errors.Is(err, message.ErrMessageNotFound) || (err == nil && parent.ConversationID != conversationID) {
			return nil, apperr.Field("replied_to_id", "must reference a message in this conversation")
		}
		if err != nil {
			return nil, apperr.Internal(err)
		}
	}

	sender, err := s.users.Get(ctx, callerID)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return nil, errConversationNotFound
		}
		return nil, apperr.Internal(err)
	}

	m := &message.Message{
		ConversationID: conversationID,
		SenderID:       callerID,
		SenderName:     sender.Name,
		Content:        in.Content,
		Type:           message.Type(in.MessageType),
		FileURL:        in.FileURL,
		RepliedToID:    in.RepliedToID,
	}
	emit := func() (outbox.Entry, error) {
		return events.Entry(s.topic, conversationID, events.NewMessageEvent(*m))
	}
	if err := s.messages.Create(ctx, m, emit); err != nil {
		// ErrParticipantNotFound: removed between the check above and the insert.
		if errors.Is(err, conversation.ErrConversationNotFound) || errors.Is(err, conversation.ErrParticipantNotFound) {
			return nil, errConversationNotFound
		}
		return nil, apperr.Internal(err)
	}

	s.metrics.MessageSent(string(m.Type))
	s.notify()
	s.log.Debug("message stored",
		zap.Int64("conversation_id", conversationID), zap.Int64("message_id", m.ID), zap.Int64("sender_id", callerID))
	return m, nil
}

// ListMessages returns one page of history. Messages in a page are always in
// ascending (created_at, id) order whichever direction is walked.
func (s *Service) ListMessages(ctx context.Context, callerID, conversationID int64, in PageInput) (*MessagePage, error) {
	if _, _, err := s.membership(ctx, callerID, conversationID); err != nil {
		return nil, err
	}
	return s.page(ctx, conversationID, in)
}

// GetConversation returns the conversation, its members and the first page of
// history with reactions.
func (s *Service) GetConversation(ctx context.Context, callerID, conversationID int64, in PageInput) (*Detail, error) {
	c, _, err := s.membership(ctx, callerID, conversationID)
	if err != nil {
		return nil, err
	}
	v, err := s.view(ctx, c)
	if err != nil {
		return nil, err
	}
	page, err := s.page(ctx, conversationID, in)
	if err != nil {
		return nil, err
	}
	return &Detail{View: *v, Messages: *page}, nil
}

func (s *Service) page(ctx context.Context, conversationID int64, in PageInput) (*MessagePage, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	q := message.Query{
		ConversationID: conversationID,
		Limit:          in.PerPage,
		Direction:      message.Direction(in.Direction),
	}
	if in.Cursor != "" {
		c, err := message.ParseCursor(in.Cursor)
		if err != nil {
			return nil, apperr.Field("cursor", "is invalid")
		}
		q.Cursor = c
	}

	p, err := s.messages.List(ctx, q)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	ids := make([]int64, len(p.Messages))
	for i, m := range p.Messages {
		ids[i] = m.ID
	}
	byMessage, err := s.reactions.ListForMessages(ctx, ids)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	out := &MessagePage{Data: make([]MessageView, len(p.Messages)), HasMore: p.HasMore}
	for i, m := range p.Messages {
		rs := byMessage[m.ID]
		if rs == nil {
			rs = []reaction.Reaction{}
		}
		out.Data[i] = MessageView{Message: m, Reactions: rs}
	}
	if p.Next != nil {
		next := p.Next.Encode()
		out.NextCursor = &next
	}
	return out, nil
}
