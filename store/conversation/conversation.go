package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Type string

const (
	TypeDirect Type = "direct"
	TypeGroup  Type = "group"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// Conversation represents a chat thread between users.
type Conversation struct {
	ID            int64      `json:"id"`
	Type          Type       `json:"type"`
	Title         *string    `json:"title"`
	CreatedBy     int64      `json:"created_by"`
	LastMessageAt *time.Time `json:"last_message_at"`
	MessagesCount int64      `json:"messages_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Participant is a membership edge between a conversation and a user.
type Participant struct {
	ConversationID int64     `json:"conversation_id"`
	UserID         int64     `json:"user_id"`
	Name           string    `json:"name,omitempty"`
	Role           Role      `json:"role"`
	JoinedAt       time.Time `json:"joined_at"`
}

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrParticipantNotFound  = errors.New("participant not found")
	ErrUnknownUser          = errors.New("unknown user")
	ErrLastOwner            = errors.New("conversation must keep at least one owner")
	ErrNotManager           = errors.New("participant cannot manage this conversation")
)

// DirectKey normalizes an unordered user pair so (a, b) and (b, a) map to the same key.
func DirectKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// Store defines conversation persistence operations.
type Store interface {
	Get(ctx context.Context, id int64) (*Conversation, error)
	GetDirectBetween(ctx context.Context, userAID, userBID int64) (*Conversation, error)
	// CreateDirect returns the pair's conversation, creating it if needed.
	// The bool is false when another writer created it first.
	CreateDirect(ctx context.Context, createdBy, otherID int64) (*Conversation, bool, error)
	CreateGroup(ctx context.Context, convo *Conversation, memberIDs []int64) error
	ListForUser(ctx context.Context, userID int64, limit int) ([]Conversation, error)

	GetParticipant(ctx context.Context, conversationID, userID int64) (*Participant, error)
	ListParticipants(ctx context.Context, conversationID int64) ([]Participant, error)
	ListParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error)
	// AddParticipants and RemoveParticipant confirm, inside their transaction,
	// that actorID still owns the group (ErrParticipantNotFound or ErrNotManager).
	AddParticipants(ctx context.Context, conversationID, actorID int64, userIDs []int64) (int, error)
	RemoveParticipant(ctx context.Context, conversationID, actorID, userID int64) (bool, error)
}
