package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLStore implements Store on the event_outbox table.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Drain locks a batch with SKIP LOCKED so several relays can share the table.
func (s *SQLStore) Drain(ctx context.Context, opts DrainOptions, publish PublishFunc) (stats DrainStats, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, topic, key, payload, attempts, created_at
		FROM event_outbox
		WHERE published_at IS NULL AND NOT dead
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, opts.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("select pending outbox entries: %w", err)
	}

	var batch []Entry
	for rows.Next() {
		var e Entry
		if err = rows.Scan(&e.ID, &e.Topic, &e.Key, &e.Payload, &e.Attempts, &e.CreatedAt); err != nil {
			rows.Close()
			return stats, err
		}
		batch = append(batch, e)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return stats, err
	}

	for _, e := range batch {
		pubErr := publish(ctx, e)
		if pubErr == nil {
			if _, err = tx.ExecContext(ctx,
				`UPDATE event_outbox SET published_at = $2, attempts = attempts + 1 WHERE id = $1`,
				e.ID, time.Now().UTC()); err != nil {
				return stats, err
			}
			stats.Published++
			continue
		}

		attempts := e.Attempts + 1
		dead := opts.MaxAttempts > 0 && attempts >= opts.MaxAttempts
		if _, err = tx.ExecContext(ctx,
			`UPDATE event_outbox SET attempts = $2, last_error = $3, dead = $4 WHERE id = $1`,
			e.ID, attempts, pubErr.Error(), dead); err != nil {
			return stats, err
		}
		if dead {
			stats.Dead++
			// A dead entry no longer holds back the rest of the batch.
			continue
		}
		stats.Failed++
		break
	}

	return stats, tx.Commit()
}

func (s *SQLStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM event_outbox WHERE published_at IS NOT NULL AND published_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return res.RowsAffected()
}
