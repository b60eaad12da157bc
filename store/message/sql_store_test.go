package message

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/schoolhub/messaging/store/conversation"
	"github.com/schoolhub/messaging/store/outbox"
)

var messageCols = []string{"id", "conversation_id", "sender_id", "name", "content", "message_type", "file_url", "replied_to_id", "created_at"}

func newMock(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db), mock
}

func strPtr(s string) *string { return &s }

func TestCreateWritesMessageCountersAndOutboxInOneTx(t *testing.T) {
	s, mock := newMock(t)
	stamped := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SET messages_count = messages_count + 1")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"last_message_at"}).AddRow(stamped))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO messages")).
		WithArgs(int64(7), int64(1), "hi", TypeText, nil, nil, stamped).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_outbox")).
		WithArgs("chat.events", "7", `{"id":1}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	m := &Message{ConversationID: 7, SenderID: 1, Content: strPtr("hi")}
	err := s.Create(context.Background(), m, func() (outbox.Entry, error) {
		require.Equal(t, int64(1), m.ID)
		return outbox.Entry{Topic: "chat.events", Key: "7", Payload: []byte(`{"id":1}`)}, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), m.ID)
	require.True(t, stamped.Equal(m.CreatedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

// The row lock comes first and the timestamp is read back from it, so a send
// can never be stamped earlier than one that committed before it.
func TestCreateStampsTimeUnderConversationLock(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("GREATEST(clock_timestamp(), COALESCE(last_message_at, '-infinity'::timestamptz))")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"last_message_at"}).AddRow(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE EXISTS")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectCommit()

	require.NoError(t, s.Create(context.Background(), &Message{ConversationID: 7, SenderID: 1, Content: strPtr("x")}, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRollsBackWhenConversationMissing(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE conversations")).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"last_message_at"}))
	mock.ExpectRollback()

	err := s.Create(context.Background(), &Message{ConversationID: 99, SenderID: 1, Content: strPtr("x")}, nil)
	require.ErrorIs(t, err, conversation.ErrConversationNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRejectsSenderRemovedBeforeCommit(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE conversations")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"last_message_at"}).AddRow(time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	m := &Message{ConversationID: 7, SenderID: 5, Content: strPtr("late")}
	err := s.Create(context.Background(), m, func() (outbox.Entry, error) {
		t.Fatal("no event may be recorded for a rejected send")
		return outbox.Entry{}, nil
	})
	require.ErrorIs(t, err, conversation.ErrParticipantNotFound)
	require.Zero(t, m.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMessageNotFound(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE m.id = $1")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(messageCols))

	_, err := s.Get(context.Background(), 5)
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestListOlderWithoutCursorReturnsLatestPageAscending(t *testing.T) {
	s, mock := newMock(t)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY m.created_at DESC, m.id DESC LIMIT $2")).
		WithArgs(int64(7), 3).
		WillReturnRows(sqlmock.NewRows(messageCols).
			AddRow(3, 7, 1, "Ana", "c", "text", nil, nil, base.Add(2*time.Second)).
			AddRow(2, 7, 2, "Ben", "b", "text", nil, 1, base.Add(time.Second)).
			AddRow(1, 7, 1, "Ana", "a", "text", nil, nil, base))

	page, err := s.List(context.Background(), Query{ConversationID: 7, Limit: 2})
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Len(t, page.Messages, 2)
	require.Equal(t, int64(2), page.Messages[0].ID)
	require.Equal(t, int64(3), page.Messages[1].ID)
	require.Equal(t, int64(1), *page.Messages[0].RepliedToID)
	require.Equal(t, "Ben", page.Messages[0].SenderName)
	require.NotNil(t, page.Next)
	require.Equal(t, int64(2), page.Next.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListNewerAfterCursor(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	cursor := &Cursor{CreatedAt: at, ID: 4}

	mock.ExpectQuery(regexp.QuoteMeta("AND (m.created_at, m.id) > ($2, $3) ORDER BY m.created_at ASC, m.id ASC LIMIT $4")).
		WithArgs(int64(7), at, int64(4), 31).
		WillReturnRows(sqlmock.NewRows(messageCols).
			AddRow(5, 7, 1, "Ana", nil, "image", "https://cdn.example.com/a.png", nil, at.Add(time.Second)))

	page, err := s.List(context.Background(), Query{ConversationID: 7, Cursor: cursor, Direction: Newer})
	require.NoError(t, err)
	require.False(t, page.HasMore)
	require.Len(t, page.Messages, 1)
	require.Nil(t, page.Messages[0].Content)
	require.Equal(t, TypeImage, page.Messages[0].Type)
	require.Equal(t, int64(5), page.Next.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorEncodingIsOpaqueAndStrict(t *testing.T) {
	c := Cursor{CreatedAt: time.Date(2024, 3, 1, 9, 0, 0, 123000, time.UTC), ID: 42}

	parsed, err := ParseCursor(c.Encode())
	require.NoError(t, err)
	require.True(t, parsed.CreatedAt.Equal(c.CreatedAt))
	require.Equal(t, int64(42), parsed.ID)

	for _, bad := range []string{"", "!!!", "bm90LWEtY3Vyc29y", "MTIzOmFiYw"} {
		_, err := ParseCursor(bad)
		require.ErrorIs(t, err, ErrInvalidCursor, bad)
	}
}

func TestBuildPageNewerKeepsCursorWhenEmpty(t *testing.T) {
	c := &Cursor{CreatedAt: time.Now(), ID: 9}

	page := BuildPage(nil, Query{Direction: Newer, Cursor: c, Limit: 10})
	require.Empty(t, page.Messages)
	require.NotNil(t, page.Messages)
	require.Equal(t, c, page.Next)

	page = BuildPage(nil, Query{Direction: Older, Cursor: c, Limit: 10})
	require.Nil(t, page.Next)
	require.False(t, page.HasMore)
}

func TestCursorLessUsesIDAsTiebreaker(t *testing.T) {
	at := time.Now()
	require.True(t, Cursor{CreatedAt: at, ID: 1}.Less(Cursor{CreatedAt: at, ID: 2}))
	require.False(t, Cursor{CreatedAt: at.Add(time.Millisecond), ID: 1}.Less(Cursor{CreatedAt: at, ID: 2}))
}
