package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/schoolhub/messaging/internal/apperr"
	"github.com/schoolhub/messaging/store/conversation"
	"github.com/schoolhub/messaging/store/user"
)

const (
	DefaultConversationLimit = 20
	MaxConversationLimit     = 100
)

type DirectInput struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

type GroupInput struct {
	Title          string  `json:"title" validate:"required,max=255"`
	ParticipantIDs []int64 `json:"participant_ids" validate:"dive,gt=0"`
}

type ParticipantsInput struct {
	ParticipantIDs []int64 `json:"participant_ids" validate:"required,min=1,dive,gt=0"`
}

type RemoveInput struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

// View is a conversation together with its members.
type View struct {
	*conversation.Conversation
	Participants []conversation.Participant `json:"participants"`
}

// GetOrCreateDirect returns the single direct conversation between the caller
// and in.UserID, creating it on first use. The bool reports whether this call
// created it. Concurrent callers for the same pair all get the same conversation.
func (s *Service) GetOrCreateDirect(ctx context.Context, callerID int64, in DirectInput) (*View, bool, error) {
	if err := s.check(in); err != nil {
		return nil, false, err
	}
	if in.UserID == callerID {
		return nil, false, apperr.Field("user_id", "must be a different user")
	}
	if _, err := s.users.Get(ctx, in.UserID); err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return nil, false, apperr.Field("user_id", "does not exist")
		}
		return nil, false, apperr.Internal(err)
	}

	c, err := s.conversations.GetDirectBetween(ctx, callerID, in.UserID)
	created := false
	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrConversationNotFound):
		c, created, err = s.conversations.CreateDirect(ctx, callerID, in.UserID)
		if errors.Is(err, conversation.ErrUnknownUser) {
			return nil, false, apperr.Field("user_id", "does not exist")
		}
		if err != nil {
			return nil, false, apperr.Internal(err)
		}
	default:
		return nil, false, apperr.Internal(err)
	}

	if created {
		s.metrics.ConversationCreated(string(conversation.TypeDirect))
		s.log.Info("direct conversation created",
			zap.Int64("conversation_id", c.ID), zap.Int64("user_id", callerID), zap.Int64("other_id", in.UserID))
	}
	v, err := s.view(ctx, c)
	if err != nil {
		return nil, false, err
	}
	return v, created, nil
}

// CreateGroup creates a titled group owned by the caller. Every participant id
// must exist or nothing is written.
func (s *Service) CreateGroup(ctx context.Context, callerID int64, in GroupInput) (*View, error) {
	in.Title = strings.TrimSpace(in.Title)
	if err := s.check(in); err != nil {
		return nil, err
	}

	ids := lo.Uniq(lo.Without(in.ParticipantIDs, callerID))
	if err := s.requireUsers(ctx, ids); err != nil {
		return nil, err
	}

	title := in.Title
	c := &conversation.Conversation{Type: conversation.TypeGroup, Title: &title, CreatedBy: callerID}
	if err := s.conversations.CreateGroup(ctx, c, ids); err != nil {
		if errors.Is(err, conversation.ErrUnknownUser) {
			return nil, apperr.Field("participant_ids", "contains a user that does not exist")
		}
		return nil, apperr.Internal(err)
	}

	s.metrics.ConversationCreated(string(conversation.TypeGroup))
	s.log.Info("group conversation created",
		zap.Int64("conversation_id", c.ID), zap.Int64("owner_id", callerID), zap.Int("members", len(ids)))
	return s.view(ctx, c)
}

// AddParticipants adds members to a group the caller manages. Users already in
// the group are skipped; the count of new members is returned.
func (s *Service) AddParticipants(ctx context.Context, callerID, conversationID int64, in ParticipantsInput) (int, error) {
	c, p, err := s.membership(ctx, callerID, conversationID)
	if err != nil {
		return 0, err
	}
	if c.Type == conversation.TypeDirect {
		return 0, apperr.Policy("participants cannot be added to a direct conversation")
	}
	if !CanManage(c, p) {
		return 0, errNotManager
	}
	if err := s.check(in); err != nil {
		return 0, err
	}

	ids := lo.Uniq(in.ParticipantIDs)
	if err := s.requireUsers(ctx, ids); err != nil {
		return 0, err
	}

	added, err := s.conversations.AddParticipants(ctx, conversationID, callerID, ids)
	switch {
	case errors.Is(err, conversation.ErrUnknownUser):
		return 0, apperr.Field("participant_ids", "contains a user that does not exist")
	case errors.Is(err, conversation.ErrConversationNotFound), errors.Is(err, conversation.ErrParticipantNotFound):
		return 0, errConversationNotFound
	case errors.Is(err, conversation.ErrNotManager):
		return 0, errNotManager
	case err != nil:
		return 0, apperr.Internal(err)
	}
	if added > 0 {
		s.log.Info("participants added", zap.Int64("conversation_id", conversationID), zap.Int("added", added))
	}
	return added, nil
}

// RemoveParticipant removes in.UserID from a group the caller manages. It
// returns false when the user was not a member.
func (s *Service) RemoveParticipant(ctx context.Context, callerID, conversationID int64, in RemoveInput) (bool, error) {
	c, p, err := s.membership(ctx, callerID, conversationID)
	if err != nil {
		return false, err
	}
	if c.Type == conversation.TypeDirect {
		return false, apperr.Policy("participants cannot be removed from a direct conversation")
	}
	if !CanManage(c, p) {
		return false, errNotManager
	}
	if err := s.check(in); err != nil {
		return false, err
	}

	removed, err := s.conversations.RemoveParticipant(ctx, conversationID, callerID, in.UserID)
	switch {
	case errors.Is(err, conversation.ErrLastOwner):
		return false, apperr.Policy("a group must keep at least one owner")
	case errors.Is(err, conversation.ErrConversationNotFound), errors.Is(err, conversation.ErrParticipantNotFound):
		return false, errConversationNotFound
	case errors.Is(err, conversation.ErrNotManager):
		return false, errNotManager
	case err != nil:
		return false, apperr.Internal(err)
	}
	if removed {
		s.log.Info("participant removed", zap.Int64("conversation_id", conversationID), zap.Int64("user_id", in.UserID))
	}
	return removed, nil
}

// ListConversations returns the caller's conversations, most recent activity first.
func (s *Service) ListConversations(ctx context.Context, callerID int64, limit int) ([]conversation.Conversation, error) {
	if limit <= 0 {
		limit = DefaultConversationLimit
	}
	if limit > MaxConversationLimit {
		limit = MaxConversationLimit
	}
	out, err := s.conversations.ListForUser(ctx, callerID, limit)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

func (s *Service) requireUsers(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	known, err := s.users.Existing(ctx, ids)
	if err != nil {
		return apperr.Internal(err)
	}
	unknown := lo.Without(ids, known...)
	if len(unknown) == 0 {
		return nil
	}
	list := strings.Join(lo.Map(unknown, func(id int64, _ int) string { return fmt.Sprint(id) }), ", ")
	return apperr.Field("participant_ids", "unknown user ids: "+list)
}

func (s *Service) view(ctx context.Context, c *conversation.Conversation) (*View, error) {
	ps, err := s.conversations.ListParticipants(ctx, c.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &View{Conversation: c, Participants: ps}, nil
}
