package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/schoolhub/messaging/store/memory"
	"github.com/schoolhub/messaging/store/message"
	"github.com/schoolhub/messaging/store/outbox"
	"github.com/schoolhub/messaging/store/reaction"
	"github.com/schoolhub/messaging/store/user"
)

const topic = "chat.events"

func TestMessageEventAlwaysCarriesNullableKeys(t *testing.T) {
	content := "hi"
	ev := NewMessageEvent(message.Message{
		ID: 1, ConversationID: 7, SenderID: 2, SenderName: "Ana", Content: &content,
		Type: message.TypeText, CreatedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	})

	e, err := Entry(topic, 7, ev)
	require.NoError(t, err)
	require.Equal(t, "7", e.Key)

	var got map[string]any
	require.NoError(t, json.Unmarshal(e.Payload, &got))
	require.Equal(t, "message", got["type"])
	require.Equal(t, map[string]any{"id": 2.0, "name": "Ana"}, got["sender"])
	require.Equal(t, "2024-03-01T09:00:00Z", got["created_at"])
	for _, k := range []string{"file_url", "replied_to_id"} {
		v, ok := got[k]
		require.True(t, ok, k)
		require.Nil(t, v, k)
	}
}

func TestReactionEventOmitsMessageKeys(t *testing.T) {
	ev := NewReactionEvent(7, reaction.Reaction{MessageID: 1, UserID: 3, Emoji: "👍", UpdatedAt: time.Now()})

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "reaction", got["type"])
	require.Equal(t, "👍", got["emoji"])
	for _, k := range []string{"id", "sender", "content", "file_url"} {
		_, ok := got[k]
		require.False(t, ok, k)
	}

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, Envelope{Type: TypeReaction, ConversationID: 7}, env)
}

func TestLocalBusFansOutToEverySubscriber(t *testing.T) {
	bus := NewLocalBus(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got1, got2 := make(chan []byte, 1), make(chan []byte, 1)
	go func() { _ = bus.Subscribe(ctx, topic, func(p []byte) { got1 <- p }) }()
	go func() { _ = bus.Subscribe(ctx, topic, func(p []byte) { got2 <- p }) }()

	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subs[topic]) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, topic, "7", []byte(`{"type":"message"}`)))
	require.Equal(t, `{"type":"message"}`, string(<-got1))
	require.Equal(t, `{"type":"message"}`, string(<-got2))
}

type fakePublisher struct {
	calls atomic.Int32
	err   error
	out   chan []byte
}

func (f *fakePublisher) Publish(_ context.Context, _, _ string, payload []byte) error {
	f.calls.Add(1)
	if f.err != nil {
		return f.err
	}
	if f.out != nil {
		f.out <- payload
	}
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &fakePublisher{err: errors.New("bus down")}
	p := NewBreakerPublisher(inner, time.Minute, 2, zap.NewNop())

	for i := 0; i < 2; i++ {
		require.Error(t, p.Publish(context.Background(), topic, "1", nil))
	}
	require.Equal(t, gobreaker.StateOpen, p.State())

	err := p.Publish(context.Background(), topic, "1", nil)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.Equal(t, int32(2), inner.calls.Load())
}

func seedMessageWithEvent(t *testing.T, db *memory.DB) {
	t.Helper()
	ctx := context.Background()
	a := &user.User{Username: "a", Name: "A", PasswordHash: "x"}
	b := &user.User{Username: "b", Name: "B", PasswordHash: "x"}
	require.NoError(t, db.Users().Create(ctx, a))
	require.NoError(t, db.Users().Create(ctx, b))
	c, _, err := db.Conversations().CreateDirect(ctx, a.ID, b.ID)
	require.NoError(t, err)

	content := "hi"
	m := &message.Message{ConversationID: c.ID, SenderID: a.ID, Content: &content}
	require.NoError(t, db.Messages().Create(ctx, m, func() (outbox.Entry, error) {
		return Entry(topic, c.ID, NewMessageEvent(*m))
	}))
}

func TestRelayPublishesPendingEntries(t *testing.T) {
	db := memory.New()
	seedMessageWithEvent(t, db)

	pub := &fakePublisher{out: make(chan []byte, 1)}
	relay := NewRelay(db.Outbox(), pub, zap.NewNop(), nil, RelayConfig{BatchSize: 10, MaxAttempts: 3})

	stats, err := relay.DrainOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Published)
	require.Empty(t, db.Outbox().Pending())

	var env Envelope
	require.NoError(t, json.Unmarshal(<-pub.out, &env))
	require.Equal(t, TypeMessage, env.Type)
}

func TestRelayDropsEntryAfterMaxAttempts(t *testing.T) {
	db := memory.New()
	seedMessageWithEvent(t, db)

	relay := NewRelay(db.Outbox(), &fakePublisher{err: errors.New("down")}, zap.NewNop(), nil, RelayConfig{BatchSize: 10, MaxAttempts: 2})

	for i := 0; i < 2; i++ {
		_, err := relay.DrainOnce(context.Background())
		require.NoError(t, err)
	}
	require.Empty(t, db.Outbox().Pending())
	require.Len(t, db.Outbox().Dead(), 1)
}

func TestRelayRunDrainsOnNotify(t *testing.T) {
	db := memory.New()
	seedMessageWithEvent(t, db)

	pub := &fakePublisher{out: make(chan []byte, 1)}
	relay := NewRelay(db.Outbox(), pub, zap.NewNop(), nil, RelayConfig{Interval: time.Hour, BatchSize: 10})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	relay.Notify()
	select {
	case <-pub.out:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not publish after Notify")
	}

	cancel()
	require.NoError(t, <-done)
}
