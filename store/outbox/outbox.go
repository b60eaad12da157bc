package outbox

import (
	"context"
	"database/sql"
	"time"
)

// Entry is an event recorded in the same transaction as the change it describes.
type Entry struct {
	ID        int64
	Topic     string
	Key       string
	Payload   []byte
	Attempts  int
	LastError string
	Dead      bool
	CreatedAt time.Time
}

// EntryFunc builds the outbox entry for a write. Stores call it inside the write's
// transaction after generated ids are known, so the payload can reference them.
type EntryFunc func() (Entry, error)

// PublishFunc delivers one entry. A nil error marks the entry published.
type PublishFunc func(ctx context.Context, e Entry) error

type DrainOptions struct {
	BatchSize   int
	MaxAttempts int
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Published int
	Failed    int
	Dead      int
}

func (s DrainStats) Empty() bool {
	return s.Published == 0 && s.Failed == 0 && s.Dead == 0
}

// Store defines outbox operations used by the relay.
type Store interface {
	// Drain publishes pending entries in id order and stops at the first failure,
	// so within one batch a later entry is not delivered ahead of an earlier one.
	// Rows are claimed with SKIP LOCKED: with several relays running, another
	// instance may publish entries past one this batch is still retrying.
	Drain(ctx context.Context, opts DrainOptions, publish PublishFunc) (DrainStats, error)
	// Purge deletes entries published before the cutoff.
	Purge(ctx context.Context, before time.Time) (int64, error)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Insert records an entry using the caller's transaction. The payload is sent as text
// because lib/pq encodes []byte as bytea, which jsonb rejects.
func Insert(ctx context.Context, tx execer, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO event_outbox (topic, key, payload, created_at) VALUES ($1, $2, $3, $4)`,
		e.Topic, e.Key, string(e.Payload), e.CreatedAt)
	return err
}

// Record runs fn and inserts its entry. A nil fn records nothing.
func Record(ctx context.Context, tx execer, fn EntryFunc) error {
	if fn == nil {
		return nil
	}
	e, err := fn()
	if err != nil {
		return err
	}
	return Insert(ctx, tx, e)
}
