package reaction

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/schoolhub/messaging/store/outbox"
)

// SQLStore implements Store using a database/sql connection.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Upsert(ctx context.Context, r *Reaction, emit outbox.EntryFunc) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}

	upsert := `
		INSERT INTO message_reactions (message_id, user_id, emoji, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (message_id, user_id)
		DO UPDATE SET emoji = EXCLUDED.emoji, updated_at = EXCLUDED.updated_at
	`
	if _, err = tx.ExecContext(ctx, upsert, r.MessageID, r.UserID, r.Emoji, r.UpdatedAt); err != nil {
		return fmt.Errorf("upsert reaction: %w", err)
	}

	if err = outbox.Record(ctx, tx, emit); err != nil {
		return fmt.Errorf("record reaction event: %w", err)
	}

	return tx.Commit()
}

func (s *SQLStore) ListForMessages(ctx context.Context, messageIDs []int64) (map[int64][]Reaction, error) {
	out := make(map[int64][]Reaction, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	query := `
		SELECT message_id, user_id, emoji, updated_at
		FROM message_reactions
		WHERE message_id = ANY($1)
		ORDER BY message_id, updated_at, user_id
	`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(messageIDs))
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out[r.MessageID] = append(out[r.MessageID], r)
	}
	return out, rows.Err()
}
