package messaging

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/schoolhub/messaging/internal/apperr"
	"github.com/schoolhub/messaging/internal/events"
	"github.com/schoolhub/messaging/store/message"
	"github.com/schoolhub/messaging/store/outbox"
	"github.com/schoolhub/messaging/store/reaction"
)

type ReactInput struct {
	MessageID int64  `json:"message_id" validate:"required,gt=0"`
	Emoji     string `json:"emoji" validate:"required,max=8"`
}

// React sets the caller's reaction on a message, replacing any earlier one.
func (s *Service) React(ctx context.Context, callerID, conversationID int64, in ReactInput) (*reaction.Reaction, error) {
	if _, _, err := s.membership(ctx, callerID, conversationID); err != nil {
		return nil, err
	}
	in.Emoji = strings.TrimSpace(in.Emoji)
	if err := s.check(in); err != nil {
		return nil, err
	}

	m, err := s.messages.Get(ctx, in.MessageID)
	if errors.Is(err, message.ErrMessageNotFound) || (err == nil && m.ConversationID != conversationID) {
		return nil, apperr.NotFound("message not found")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	r := &reaction.Reaction{MessageID: m.ID, UserID: callerID, Emoji: in.Emoji}
	emit := func() (outbox.Entry, error) {
		return events.Entry(s.topic, conversationID, events.NewReactionEvent(conversationID, *r))
	}
	if err := s.reactions.Upsert(ctx, r, emit); err != nil {
		if errors.Is(err, message.ErrMessageNotFound) {
			return nil, apperr.NotFound("message not found")
		}
		return nil, apperr.Internal(err)
	}

	s.metrics.ReactionUpserted()
	s.notify()
	s.log.Debug("reaction stored",
		zap.Int64("conversation_id", conversationID), zap.Int64("message_id", m.ID), zap.Int64("user_id", callerID))
	return r, nil
}
