package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/schoolhub/messaging/internal/metrics"
	"github.com/schoolhub/messaging/store/outbox"
)

type RelayConfig struct {
	Interval       time.Duration
	BatchSize      int
	MaxAttempts    int
	Retention      time.Duration
	PublishTimeout time.Duration
}

// Relay moves outbox entries to the bus. Writers commit first and nudge the
// relay with Notify; the ticker picks up anything a nudge missed.
type Relay struct {
	store   outbox.Store
	pub     Publisher
	log     *zap.Logger
	metrics *metrics.Metrics
	cfg     RelayConfig
	wake    chan struct{}
}

func NewRelay(store outbox.Store, pub Publisher, log *zap.Logger, m *metrics.Metrics, cfg RelayConfig) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Relay{
		store:   store,
		pub:     pub,
		log:     log,
		metrics: m,
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
	}
}

// Notify asks the relay to drain soon. It never blocks.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drains until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	purgeEvery := time.Hour
	if r.cfg.Retention > 0 && r.cfg.Retention < purgeEvery {
		purgeEvery = r.cfg.Retention
	}
	purge := time.NewTicker(purgeEvery)
	defer purge.Stop()

	r.log.Info("outbox relay started", zap.Duration("interval", r.cfg.Interval), zap.Int("batch_size", r.cfg.BatchSize))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			r.drain(ctx)
		case <-r.wake:
			r.drain(ctx)
		case <-purge.C:
			r.purge(ctx)
		}
	}
}

// drain keeps pulling batches while they come back full and the bus keeps up.
func (r *Relay) drain(ctx context.Context) {
	for ctx.Err() == nil {
		stats, err := r.DrainOnce(ctx)
		if err != nil {
			r.log.Error("outbox drain failed", zap.Error(err))
			return
		}
		if stats.Failed > 0 || stats.Published+stats.Dead < r.cfg.BatchSize {
			return
		}
	}
}

// DrainOnce publishes at most one batch.
func (r *Relay) DrainOnce(ctx context.Context) (outbox.DrainStats, error) {
	opts := outbox.DrainOptions{BatchSize: r.cfg.BatchSize, MaxAttempts: r.cfg.MaxAttempts}
	stats, err := r.store.Drain(ctx, opts, r.publish)
	if err != nil {
		return stats, err
	}
	if !stats.Empty() {
		r.metrics.Outbox(stats.Published, stats.Failed, stats.Dead)
		r.log.Debug("outbox drained",
			zap.Int("published", stats.Published), zap.Int("failed", stats.Failed), zap.Int("dead", stats.Dead))
	}
	return stats, nil
}

func (r *Relay) publish(ctx context.Context, e outbox.Entry) error {
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	err := r.pub.Publish(pctx, e.Topic, e.Key, e.Payload)
	if err == nil {
		return nil
	}

	fields := []zap.Field{
		zap.Int64("entry_id", e.ID),
		zap.String("topic", e.Topic),
		zap.String("key", e.Key),
		zap.Int("attempt", e.Attempts+1),
		zap.Error(err),
	}
	if r.cfg.MaxAttempts > 0 && e.Attempts+1 >= r.cfg.MaxAttempts {
		r.log.Error("event dropped after max publish attempts", fields...)
	} else {
		r.log.Warn("event publish failed, will retry", fields...)
	}
	return err
}

func (r *Relay) purge(ctx context.Context) {
	if r.cfg.Retention <= 0 {
		return
	}
	n, err := r.store.Purge(ctx, time.Now().Add(-r.cfg.Retention))
	if err != nil {
		r.log.Error("outbox purge failed", zap.Error(err))
		return
	}
	if n > 0 {
		r.log.Info("outbox purged", zap.Int64("entries", n))
	}
}
