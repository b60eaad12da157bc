package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus publishes and subscribes over Redis pub/sub. Every instance that
// subscribes receives every event, which is what websocket fan-out needs.
type RedisBus struct {
	client *redis.Client
	log    *zap.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewRedisBus(client *redis.Client, log *zap.Logger) *RedisBus {
	return &RedisBus{client: client, log: log, minBackoff: time.Second, maxBackoff: 30 * time.Second}
}

func (b *RedisBus) Publish(ctx context.Context, topic, _ string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe delivers messages on topic to h until ctx is done. A subscription
// that cannot be established or is lost is retried with backoff, so a Redis
// outage only pauses delivery.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	wait := b.minBackoff
	for {
		confirmed, err := b.subscribeOnce(ctx, topic, h)
		if ctx.Err() != nil {
			return nil
		}
		if confirmed {
			wait = b.minBackoff
		}
		b.log.Error("redis subscription lost, retrying",
			zap.String("topic", topic), zap.Duration("retry_in", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = min(wait*2, b.maxBackoff)
	}
}

func (b *RedisBus) subscribeOnce(ctx context.Context, topic string, h Handler) (confirmed bool, err error) {
	sub := b.client.Subscribe(ctx, topic)
	defer func() {
		if cerr := sub.Close(); cerr != nil {
			b.log.Debug("redis unsubscribe failed", zap.Error(cerr))
		}
	}()

	if _, err := sub.Receive(ctx); err != nil {
		return false, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return true, errors.New("redis subscription channel closed")
			}
			h([]byte(msg.Payload))
		}
	}
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
