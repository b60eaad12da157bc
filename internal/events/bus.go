package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Publisher delivers one encoded event to the bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Close() error
}

// Handler receives raw event payloads from a Subscriber.
type Handler func(payload []byte)

// Subscriber feeds bus events to a handler until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, h Handler) error
}

// LocalBus fans events out to subscribers in the same process. It backs
// EVENT_BUS=none, where a single instance serves every websocket client.
type LocalBus struct {
	log *zap.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan []byte
	buffer int
}

func NewLocalBus(log *zap.Logger) *LocalBus {
	return &LocalBus{log: log, subs: make(map[string]map[int]chan []byte), buffer: 256}
}

// Publish never blocks. A subscriber whose buffer is full misses the event and
// has to reconcile through the history endpoint.
func (b *LocalBus) Publish(_ context.Context, topic, key string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs[topic] {
		select {
		case ch <- payload:
		default:
			b.log.Warn("local bus subscriber lagging, event dropped",
				zap.String("topic", topic), zap.String("key", key), zap.Int("subscriber", id))
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	ch := make(chan []byte, b.buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan []byte)
	}
	b.subs[topic][id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs[topic], id)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-ch:
			h(payload)
		}
	}
}

func (b *LocalBus) Close() error { return nil }
