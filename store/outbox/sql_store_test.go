package outbox

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

var entryCols = []string{"id", "topic", "key", "payload", "attempts", "created_at"}

func newMock(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db), mock
}

func TestDrainPublishesInOrderAndStopsAtFirstFailure(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(entryCols).
			AddRow(1, "chat.events", "7", []byte(`{"n":1}`), 0, now).
			AddRow(2, "chat.events", "7", []byte(`{"n":2}`), 0, now).
			AddRow(3, "chat.events", "7", []byte(`{"n":3}`), 0, now))
	mock.ExpectExec(regexp.QuoteMeta("SET published_at = $2")).
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET attempts = $2, last_error = $3, dead = $4")).
		WithArgs(int64(2), 1, "bus down", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var seen []int64
	stats, err := s.Drain(context.Background(), DrainOptions{BatchSize: 10, MaxAttempts: 5}, func(_ context.Context, e Entry) error {
		seen = append(seen, e.ID)
		if e.ID == 2 {
			return errors.New("bus down")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, seen)
	require.Equal(t, DrainStats{Published: 1, Failed: 1}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainMarksEntryDeadAfterMaxAttempts(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM event_outbox")).
		WillReturnRows(sqlmock.NewRows(entryCols).
			AddRow(4, "chat.events", "7", []byte(`{}`), 2, now).
			AddRow(5, "chat.events", "8", []byte(`{}`), 0, now))
	mock.ExpectExec(regexp.QuoteMeta("SET attempts = $2, last_error = $3, dead = $4")).
		WithArgs(int64(4), 3, "rejected", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET published_at = $2")).
		WithArgs(int64(5), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stats, err := s.Drain(context.Background(), DrainOptions{BatchSize: 10, MaxAttempts: 3}, func(_ context.Context, e Entry) error {
		if e.ID == 4 {
			return errors.New("rejected")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, DrainStats{Published: 1, Dead: 1}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainEmptyBatchCommits(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM event_outbox")).
		WillReturnRows(sqlmock.NewRows(entryCols))
	mock.ExpectCommit()

	stats, err := s.Drain(context.Background(), DrainOptions{BatchSize: 10}, func(context.Context, Entry) error {
		t.Fatal("publish called for empty batch")
		return nil
	})
	require.NoError(t, err)
	require.True(t, stats.Empty())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeDeletesPublishedEntries(t *testing.T) {
	s, mock := newMock(t)
	cutoff := time.Now().Add(-24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM event_outbox WHERE published_at IS NOT NULL")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := s.Purge(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(12), n)
}

func TestRecordSkipsNilEntryFunc(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Record(context.Background(), db, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}
