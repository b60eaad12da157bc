// Package messaging holds the conversation rules: who may join, post, react and
// manage, and what gets recorded for fan-out when they do. Handlers call it with
// an authenticated caller id; stores do the durable work.
package messaging

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/schoolhub/messaging/internal/apperr"
	"github.com/schoolhub/messaging/internal/metrics"
	"github.com/schoolhub/messaging/store/conversation"
	"github.com/schoolhub/messaging/store/message"
	"github.com/schoolhub/messaging/store/reaction"
	"github.com/schoolhub/messaging/store/user"
)

// Notifier is told when a write has committed an outbox entry.
type Notifier interface {
	Notify()
}

type Deps struct {
	Users         user.Store
	Conversations conversation.Store
	Messages      message.Store
	Reactions     reaction.Store
	Notifier      Notifier
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
	// Topic is the bus topic written into outbox entries.
	Topic string
}

type Service struct {
	users         user.Store
	conversations conversation.Store
	messages      message.Store
	reactions     reaction.Store
	notifier      Notifier
	metrics       *metrics.Metrics
	log           *zap.Logger
	topic         string
	validate      *validator.Validate
}

func NewService(d Deps) *Service {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	topic := d.Topic
	if topic == "" {
		topic = "chat.events"
	}
	return &Service{
		users:         d.Users,
		conversations: d.Conversations,
		messages:      d.Messages,
		reactions:     d.Reactions,
		notifier:      d.Notifier,
		metrics:       d.Metrics,
		log:           log,
		topic:         topic,
		validate:      apperr.NewValidator(),
	}
}

func (s *Service) check(in any) error {
	return apperr.Check(s.validate, in)
}

func (s *Service) notify() {
	if s.notifier != nil {
		s.notifier.Notify()
	}
}

// membership loads the conversation and the caller's participant row. Callers
// outside the conversation get not_found so they learn nothing about it.
func (s *Service) membership(ctx context.Context, callerID, conversationID int64) (*conversation.Conversation, *conversation.Participant, error) {
	p, err := s.conversations.GetParticipant(ctx, conversationID, callerID)
	if err != nil {
		if errors.Is(err, conversation.ErrParticipantNotFound) {
			return nil, nil, errConversationNotFound
		}
		return nil, nil, apperr.Internal(err)
	}
	c, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			return nil, nil, errConversationNotFound
		}
		return nil, nil, apperr.Internal(err)
	}
	return c, p, nil
}

var (
	errConversationNotFound = apperr.NotFound("conversation not found")
	errNotManager           = apperr.Forbidden("only group owners can manage participants")
)
