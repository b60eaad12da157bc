package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/schoolhub/messaging/store"
)

// SQLStore implements Store using a database/sql connection.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const conversationColumns = `c.id, c.type, c.title, c.created_by, c.last_message_at, c.messages_count, c.created_at, c.updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var (
		convo         Conversation
		title         sql.NullString
		lastMessageAt sql.NullTime
	)
	if err := row.Scan(&convo.ID, &convo.Type, &title, &convo.CreatedBy, &lastMessageAt,
		&convo.MessagesCount, &convo.CreatedAt, &convo.UpdatedAt); err != nil {
		return nil, err
	}
	if title.Valid {
		convo.Title = &title.String
	}
	if lastMessageAt.Valid {
		convo.LastMessageAt = &lastMessageAt.Time
	}
	return &convo, nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations c WHERE c.id = $1`

	convo, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("get conversation %d: %w", id, err)
	}
	return convo, nil
}

func (s *SQLStore) GetDirectBetween(ctx context.Context, userAID, userBID int64) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations c WHERE c.direct_key = $1`

	convo, err := scanConversation(s.db.QueryRowContext(ctx, query, DirectKey(userAID, userBID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("get direct conversation: %w", err)
	}
	return convo, nil
}

func (s *SQLStore) CreateDirect(ctx context.Context, createdBy, otherID int64) (convo *Conversation, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC().Truncate(time.Microsecond)
	convoInsert := `
		INSERT INTO conversations (type, created_by, direct_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (direct_key) DO NOTHING
		RETURNING id
	`

	var id int64
	err = tx.QueryRowContext(ctx, convoInsert, TypeDirect, createdBy, DirectKey(createdBy, otherID), now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race: the winner has committed, so its row is visible outside this tx.
		_ = tx.Rollback()
		existing, getErr := s.GetDirectBetween(ctx, createdBy, otherID)
		return existing, false, getErr
	}
	if err != nil {
		if store.IsForeignKeyViolation(err) {
			err = ErrUnknownUser
		}
		return nil, false, err
	}

	if _, err = insertParticipants(ctx, tx, id, []int64{createdBy, otherID}, RoleMember, now, false); err != nil {
		return nil, false, err
	}

	if err = tx.Commit(); err != nil {
		return nil, false, err
	}

	return &Conversation{
		ID:        id,
		Type:      TypeDirect,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}, true, nil
}

func (s *SQLStore) CreateGroup(ctx context.Context, convo *Conversation, memberIDs []int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if convo.CreatedAt.IsZero() {
		convo.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	convo.UpdatedAt = convo.CreatedAt
	convo.Type = TypeGroup

	convoInsert := `
		INSERT INTO conversations (type, title, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id
	`

	if err = tx.QueryRowContext(ctx, convoInsert, convo.Type, convo.Title, convo.CreatedBy, convo.CreatedAt).Scan(&convo.ID); err != nil {
		if store.IsForeignKeyViolation(err) {
			err = ErrUnknownUser
		}
		return err
	}

	if _, err = insertParticipants(ctx, tx, convo.ID, []int64{convo.CreatedBy}, RoleOwner, convo.CreatedAt, false); err != nil {
		return err
	}
	if len(memberIDs) > 0 {
		if _, err = insertParticipants(ctx, tx, convo.ID, memberIDs, RoleMember, convo.CreatedAt, false); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// insertParticipants adds all ids in one statement. With ignoreExisting, rows that are
// already present are skipped and the returned count covers only new rows.
func insertParticipants(ctx context.Context, tx *sql.Tx, conversationID int64, userIDs []int64, role Role, joinedAt time.Time, ignoreExisting bool) (int64, error) {
	memberInsert := `
		INSERT INTO conversation_participants (conversation_id, user_id, role, joined_at)
		SELECT $1, u, $3, $4 FROM unnest($2::bigint[]) AS u
	`
	if ignoreExisting {
		memberInsert += ` ON CONFLICT (conversation_id, user_id) DO NOTHING`
	}

	res, err := tx.ExecContext(ctx, memberInsert, conversationID, pq.Array(userIDs), role, joinedAt)
	if err != nil {
		if store.IsForeignKeyViolation(err) {
			return 0, ErrUnknownUser
		}
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) ListForUser(ctx context.Context, userID int64, limit int) ([]Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1
		ORDER BY c.last_message_at DESC NULLS LAST, c.id DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convos := make([]Conversation, 0, limit)
	for rows.Next() {
		convo, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convos = append(convos, *convo)
	}
	return convos, rows.Err()
}

func (s *SQLStore) GetParticipant(ctx context.Context, conversationID, userID int64) (*Participant, error) {
	query := `
		SELECT conversation_id, user_id, role, joined_at
		FROM conversation_participants
		WHERE conversation_id = $1 AND user_id = $2
	`

	var p Participant
	err := s.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&p.ConversationID, &p.UserID, &p.Role, &p.JoinedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return &p, nil
}

func (s *SQLStore) ListParticipants(ctx context.Context, conversationID int64) ([]Participant, error) {
	query := `
		SELECT p.conversation_id, p.user_id, u.name, p.role, p.joined_at
		FROM conversation_participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = $1
		ORDER BY p.joined_at, p.user_id
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Name, &p.Role, &p.JoinedAt); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (s *SQLStore) ListParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participant ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) AddParticipants(ctx context.Context, conversationID, actorID int64, userIDs []int64) (added int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = lockForManager(ctx, tx, conversationID, actorID); err != nil {
		return 0, err
	}
	n, err := insertParticipants(ctx, tx, conversationID, userIDs, RoleMember, time.Now().UTC(), true)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if _, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, conversationID); err != nil {
			return 0, err
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// RemoveParticipant locks the conversation row so concurrent removals cannot
// strip a group of its last owner.
func (s *SQLStore) RemoveParticipant(ctx context.Context, conversationID, actorID, userID int64) (removed bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !removed {
			_ = tx.Rollback()
		}
	}()

	if err = lockForManager(ctx, tx, conversationID, actorID); err != nil {
		return false, err
	}

	var role Role
	err = tx.QueryRowContext(ctx,
		`SELECT role FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if role == RoleOwner {
		var owners int
		err = tx.QueryRowContext(ctx,
			`SELECT count(*) FROM conversation_participants WHERE conversation_id = $1 AND role = 'owner'`,
			conversationID).Scan(&owners)
		if err != nil {
			return false, err
		}
		if owners <= 1 {
			return false, ErrLastOwner
		}
	}

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID); err != nil {
		return false, err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, conversationID); err != nil {
		return false, err
	}

	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// lockForManager locks the conversation row and checks that actorID is still
// an owner of the group. Sends and membership changes on one conversation take
// the same lock, so they apply one at a time.
func lockForManager(ctx context.Context, tx *sql.Tx, conversationID, actorID int64) error {
	var (
		typ  Type
		role sql.NullString
	)
	err := tx.QueryRowContext(ctx, `
		SELECT c.type, p.role
		FROM conversations c
		LEFT JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = $2
		WHERE c.id = $1
		FOR UPDATE OF c
	`, conversationID, actorID).Scan(&typ, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrConversationNotFound
	}
	if err != nil {
		return err
	}
	if !role.Valid {
		return ErrParticipantNotFound
	}
	if typ != TypeGroup || Role(role.String) != RoleOwner {
		return ErrNotManager
	}
	return nil
}
