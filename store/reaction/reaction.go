package reaction

import (
	"context"
	"time"

	"github.com/schoolhub/messaging/store/outbox"
)

// Reaction is a user's single emoji on a message. A later reaction replaces it.
type Reaction struct {
	MessageID int64     `json:"message_id"`
	UserID    int64     `json:"user_id"`
	Emoji     string    `json:"emoji"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines reaction persistence operations.
type Store interface {
	// Upsert writes r keyed by (MessageID, UserID) and records the entry from emit
	// in the same transaction.
	Upsert(ctx context.Context, r *Reaction, emit outbox.EntryFunc) error
	ListForMessages(ctx context.Context, messageIDs []int64) (map[int64][]Reaction, error)
}
