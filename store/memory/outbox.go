package memory

import (
	"context"
	"time"

	"github.com/schoolhub/messaging/store/outbox"
)

type OutboxStore struct {
	db *DB
}

// Drain claims a batch under the lock and publishes it with the lock released.
func (s *OutboxStore) Drain(ctx context.Context, opts outbox.DrainOptions, publish outbox.PublishFunc) (outbox.DrainStats, error) {
	var stats outbox.DrainStats

	s.db.mu.Lock()
	var batch []*outboxRow
	for _, row := range s.db.outbox {
		if len(batch) >= opts.BatchSize {
			break
		}
		if row.publishedAt == nil && !row.entry.Dead && !row.inFlight {
			row.inFlight = true
			batch = append(batch, row)
		}
	}
	entries := make([]outbox.Entry, len(batch))
	for i, row := range batch {
		entries[i] = row.entry
	}
	s.db.mu.Unlock()

	release := func(rows []*outboxRow) {
		for _, row := range rows {
			row.inFlight = false
		}
	}

	for i, e := range entries {
		pubErr := publish(ctx, e)

		s.db.mu.Lock()
		row := batch[i]
		row.entry.Attempts++
		if pubErr == nil {
			at := time.Now().UTC()
			row.publishedAt = &at
			row.inFlight = false
			s.db.mu.Unlock()
			stats.Published++
			continue
		}

		row.entry.LastError = pubErr.Error()
		row.inFlight = false
		if opts.MaxAttempts > 0 && row.entry.Attempts >= opts.MaxAttempts {
			row.entry.Dead = true
			s.db.mu.Unlock()
			stats.Dead++
			continue
		}
		release(batch[i+1:])
		s.db.mu.Unlock()
		stats.Failed++
		break
	}
	return stats, nil
}

func (s *OutboxStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	kept := s.db.outbox[:0]
	var purged int64
	for _, row := range s.db.outbox {
		if row.publishedAt != nil && row.publishedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, row)
	}
	s.db.outbox = kept
	return purged, nil
}

// Pending returns copies of entries that are neither published nor dead.
func (s *OutboxStore) Pending() []outbox.Entry {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var out []outbox.Entry
	for _, row := range s.db.outbox {
		if row.publishedAt == nil && !row.entry.Dead {
			out = append(out, row.entry)
		}
	}
	return out
}

// Dead returns copies of entries that exhausted their attempts.
func (s *OutboxStore) Dead() []outbox.Entry {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var out []outbox.Entry
	for _, row := range s.db.outbox {
		if row.entry.Dead {
			out = append(out, row.entry)
		}
	}
	return out
}
