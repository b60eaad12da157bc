package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schoolhub/messaging/store/conversation"
	"github.com/schoolhub/messaging/store/message"
	"github.com/schoolhub/messaging/store/outbox"
	"github.com/schoolhub/messaging/store/user"
)

func seedUsers(t *testing.T, db *DB, names ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(names))
	for _, n := range names {
		u := &user.User{Username: n, Name: n, PasswordHash: "x"}
		require.NoError(t, db.Users().Create(context.Background(), u))
		ids = append(ids, u.ID)
	}
	return ids
}

func TestCreateDirectConcurrentCallsShareOneConversation(t *testing.T) {
	db := New()
	ids := seedUsers(t, db, "a", "b")
	convs := db.Conversations()

	var wg sync.WaitGroup
	results := make([]int64, 20)
	created := make([]bool, 20)
	errs := make([]error, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := ids[0], ids[1]
			if i%2 == 1 {
				a, b = b, a
			}
			c, ok, err := convs.CreateDirect(context.Background(), a, b)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = c.ID
			created[i] = ok
		}(i)
	}
	wg.Wait()

	creations := 0
	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
		if created[i] {
			creations++
		}
	}
	require.Equal(t, 1, creations)

	members, err := convs.ListParticipantIDs(context.Background(), results[0])
	require.NoError(t, err)
	require.ElementsMatch(t, ids, members)
}

func TestCreateGroupWithUnknownMemberPersistsNothing(t *testing.T) {
	db := New()
	ids := seedUsers(t, db, "tutor", "pupil")
	title := "Class 5B"

	err := db.Conversations().CreateGroup(context.Background(), &conversation.Conversation{Title: &title, CreatedBy: ids[0]}, []int64{ids[1], 404})
	require.ErrorIs(t, err, conversation.ErrUnknownUser)

	list, err := db.Conversations().ListForUser(context.Background(), ids[0], 10)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestMessageListWalksBothDirectionsWithoutGaps(t *testing.T) {
	db := New()
	ids := seedUsers(t, db, "a", "b")
	c, _, err := db.Conversations().CreateDirect(context.Background(), ids[0], ids[1])
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		content := fmt.Sprintf("m%d", i)
		require.NoError(t, db.Messages().Create(context.Background(), &message.Message{
			ConversationID: c.ID, SenderID: ids[i%2], Content: &content,
		}, nil))
	}

	var walked []int64
	q := message.Query{ConversationID: c.ID, Limit: 3}
	pages := 0
	for {
		page, err := db.Messages().List(context.Background(), q)
		require.NoError(t, err)
		pages++
		walked = append(append([]int64{}, idsOf(page.Messages)...), walked...)
		if !page.HasMore {
			break
		}
		q.Cursor = page.Next
	}
	require.Equal(t, 3, pages)
	require.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, walked)

	var forward []int64
	q = message.Query{ConversationID: c.ID, Limit: 3, Direction: message.Newer}
	for {
		page, err := db.Messages().List(context.Background(), q)
		require.NoError(t, err)
		forward = append(forward, idsOf(page.Messages)...)
		if !page.HasMore {
			break
		}
		q.Cursor = page.Next
	}
	require.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, forward)

	convo, err := db.Conversations().Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(7), convo.MessagesCount)
	require.NotNil(t, convo.LastMessageAt)
}

func idsOf(msgs []message.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestFailedEmitLeavesNoMessage(t *testing.T) {
	db := New()
	ids := seedUsers(t, db, "a", "b")
	c, _, err := db.Conversations().CreateDirect(context.Background(), ids[0], ids[1])
	require.NoError(t, err)

	content := "hi"
	err = db.Messages().Create(context.Background(), &message.Message{ConversationID: c.ID, SenderID: ids[0], Content: &content},
		func() (outbox.Entry, error) { return outbox.Entry{}, errors.New("boom") })
	require.Error(t, err)

	convo, err := db.Conversations().Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.Zero(t, convo.MessagesCount)
	require.Empty(t, db.Outbox().Pending())
}

func TestOutboxDrainRetriesThenDies(t *testing.T) {
	db := New()
	ids := seedUsers(t, db, "a", "b")
	c, _, err := db.Conversations().CreateDirect(context.Background(), ids[0], ids[1])
	require.NoError(t, err)

	content := "hi"
	emit := func() (outbox.Entry, error) {
		return outbox.Entry{Topic: "chat.events", Key: fmt.Sprint(c.ID), Payload: []byte(`{}`)}, nil
	}
	require.NoError(t, db.Messages().Create(context.Background(), &message.Message{ConversationID: c.ID, SenderID: ids[0], Content: &content}, emit))
	require.Len(t, db.Outbox().Pending(), 1)

	failing := func(context.Context, outbox.Entry) error { return errors.New("down") }
	opts := outbox.DrainOptions{BatchSize: 10, MaxAttempts: 2}

	stats, err := db.Outbox().Drain(context.Background(), opts, failing)
	require.NoError(t, err)
	require.Equal(t, outbox.DrainStats{Failed: 1}, stats)

	stats, err = db.Outbox().Drain(context.Background(), opts, failing)
	require.NoError(t, err)
	require.Equal(t, outbox.DrainStats{Dead: 1}, stats)
	require.Empty(t, db.Outbox().Pending())
	require.Len(t, db.Outbox().Dead(), 1)
	require.Equal(t, "down", db.Outbox().Dead()[0].LastError)
}

func TestMessageTimestampsNeverGoBackwards(t *testing.T) {
	db := New()
	ids := seedUsers(t, db, "a", "b")
	c, _, err := db.Conversations().CreateDirect(context.Background(), ids[0], ids[1])
	require.NoError(t, err)

	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return clock }
	content := "first"
	first := &message.Message{ConversationID: c.ID, SenderID: ids[0], Content: &content}
	require.NoError(t, db.Messages().Create(context.Background(), first, nil))

	// Another instance with a slow clock.
	clock = clock.Add(-time.Minute)
	second := &message.Message{ConversationID: c.ID, SenderID: ids[1], Content: &content}
	require.NoError(t, db.Messages().Create(context.Background(), second, nil))

	require.False(t, second.CreatedAt.Before(first.CreatedAt))
	page, err := db.Messages().List(context.Background(), message.Query{
		ConversationID: c.ID, Direction: message.Newer, Cursor: &message.Cursor{CreatedAt: first.CreatedAt, ID: first.ID},
	})
	require.NoError(t, err)
	require.Equal(t, []int64{second.ID}, idsOf(page.Messages))
}

func TestMessageFromNonParticipantIsRejected(t *testing.T) {
	db := New()
	ids := seedUsers(t, db, "a", "b", "c")
	c, _, err := db.Conversations().CreateDirect(context.Background(), ids[0], ids[1])
	require.NoError(t, err)

	content := "hi"
	err = db.Messages().Create(context.Background(), &message.Message{ConversationID: c.ID, SenderID: ids[2], Content: &content}, nil)
	require.ErrorIs(t, err, conversation.ErrParticipantNotFound)
}
