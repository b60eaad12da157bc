package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/schoolhub/messaging/store/conversation"
	"github.com/schoolhub/messaging/store/outbox"
)

// SQLStore implements Store using a database/sql connection.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const selectMessages = `
	SELECT m.id, m.conversation_id, m.sender_id, u.name, m.content, m.message_type, m.file_url, m.replied_to_id, m.created_at
	FROM messages m
	JOIN users u ON u.id = m.sender_id
`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (Message, error) {
	var (
		m           Message
		content     sql.NullString
		fileURL     sql.NullString
		repliedToID sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &content,
		&m.Type, &fileURL, &repliedToID, &m.CreatedAt); err != nil {
		return m, err
	}
	if content.Valid {
		m.Content = &content.String
	}
	if fileURL.Valid {
		m.FileURL = &fileURL.String
	}
	if repliedToID.Valid {
		m.RepliedToID = &repliedToID.Int64
	}
	return m, nil
}

func (s *SQLStore) Create(ctx context.Context, m *Message, emit outbox.EntryFunc) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if m.Type == "" {
		m.Type = TypeText
	}

	// The counters update takes the conversation row lock before anything else,
	// so sends to one conversation commit in (created_at, id) order and a reader
	// walking forward from a cursor never misses a late commit. The timestamp is
	// taken under that lock and never goes backwards.
	counters := `
		UPDATE conversations
		SET messages_count = messages_count + 1,
			last_message_at = GREATEST(clock_timestamp(), COALESCE(last_message_at, '-infinity'::timestamptz)),
			updated_at = now()
		WHERE id = $1
		RETURNING last_message_at
	`
	if err = tx.QueryRowContext(ctx, counters, m.ConversationID).Scan(&m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = conversation.ErrConversationNotFound
			return err
		}
		return fmt.Errorf("update conversation counters: %w", err)
	}
	m.CreatedAt = m.CreatedAt.UTC()

	// Membership is checked again under the lock; RemoveParticipant takes the
	// same row lock, so a removed sender cannot slip one more message in.
	messageInsert := `
		INSERT INTO messages (conversation_id, sender_id, content, message_type, file_url, replied_to_id, created_at)
		SELECT $1::bigint, $2::bigint, $3::text, $4::text, $5::text, $6::bigint, $7::timestamptz
		WHERE EXISTS (
			SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2
		)
		RETURNING id
	`
	if err = tx.QueryRowContext(ctx, messageInsert, m.ConversationID, m.SenderID, m.Content, m.Type,
		m.FileURL, m.RepliedToID, m.CreatedAt).Scan(&m.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = conversation.ErrParticipantNotFound
			return err
		}
		return fmt.Errorf("insert message: %w", err)
	}

	if err = outbox.Record(ctx, tx, emit); err != nil {
		return fmt.Errorf("record message event: %w", err)
	}

	return tx.Commit()
}

func (s *SQLStore) Get(ctx context.Context, id int64) (*Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, selectMessages+` WHERE m.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return &m, nil
}

// List reads Limit+1 rows past the cursor using the (conversation_id, created_at, id) index.
func (s *SQLStore) List(ctx context.Context, q Query) (Page, error) {
	q = q.normalize()
	query := selectMessages + ` WHERE m.conversation_id = $1`
	args := []any{q.ConversationID}

	cmp, order := "<", "DESC"
	if q.Direction == Newer {
		cmp, order = ">", "ASC"
	}
	if q.Cursor != nil {
		query += fmt.Sprintf(` AND (m.created_at, m.id) %s ($2, $3)`, cmp)
		args = append(args, q.Cursor.CreatedAt, q.Cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY m.created_at %[1]s, m.id %[1]s LIMIT $%d`, order, len(args)+1)
	args = append(args, q.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, q.Limit+1)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return Page{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	return BuildPage(msgs, q), nil
}
