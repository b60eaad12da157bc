package events

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerPublisher stops calling a failing bus for a while so the relay does not
// spend each tick waiting on timeouts. Open-state rejections count as failures
// for the outbox entry and are retried on a later pass.
type BreakerPublisher struct {
	next Publisher
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerPublisher(next Publisher, timeout time.Duration, maxFailures uint32, log *zap.Logger) *BreakerPublisher {
	st := gobreaker.Settings{
		Name:        "event-bus",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &BreakerPublisher{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

func (p *BreakerPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	_, err := p.cb.Execute(func() (interface{}, error) {
		return nil, p.next.Publish(ctx, topic, key, payload)
	})
	return err
}

func (p *BreakerPublisher) State() gobreaker.State { return p.cb.State() }

func (p *BreakerPublisher) Close() error { return p.next.Close() }
