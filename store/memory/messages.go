package memory

import (
	"context"
	"sort"

	"github.com/schoolhub/messaging/store/conversation"
	"github.com/schoolhub/messaging/store/message"
	"github.com/schoolhub/messaging/store/outbox"
	"github.com/schoolhub/messaging/store/reaction"
)

type MessageStore struct {
	db *DB
}

func (s *MessageStore) Create(_ context.Context, m *message.Message, emit outbox.EntryFunc) error {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	c, ok := db.conversations[m.ConversationID]
	if !ok {
		return conversation.ErrConversationNotFound
	}
	if _, ok := db.participants[m.ConversationID][m.SenderID]; !ok {
		return conversation.ErrParticipantNotFound
	}
	m.CreatedAt = db.now()
	if c.LastMessageAt != nil && m.CreatedAt.Before(*c.LastMessageAt) {
		m.CreatedAt = *c.LastMessageAt
	}
	if m.Type == "" {
		m.Type = message.TypeText
	}

	db.nextMessageID++
	m.ID = db.nextMessageID
	if u, ok := db.users[m.SenderID]; ok {
		m.SenderName = u.Name
	}

	if err := db.record(emit); err != nil {
		db.nextMessageID--
		m.ID = 0
		return err
	}
	stored := *m
	db.messages[m.ID] = &stored

	db.byConv[m.ConversationID] = append(db.byConv[m.ConversationID], m.ID)
	c.MessagesCount++
	if c.LastMessageAt == nil || m.CreatedAt.After(*c.LastMessageAt) {
		at := m.CreatedAt
		c.LastMessageAt = &at
	}
	c.UpdatedAt = db.now()
	return nil
}

func (s *MessageStore) Get(_ context.Context, id int64) (*message.Message, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	m, ok := s.db.messages[id]
	if !ok {
		return nil, message.ErrMessageNotFound
	}
	out := *m
	return &out, nil
}

func (s *MessageStore) List(_ context.Context, q message.Query) (message.Page, error) {
	s.db.mu.Lock()
	all := make([]message.Message, 0, len(s.db.byConv[q.ConversationID]))
	for _, id := range s.db.byConv[q.ConversationID] {
		all = append(all, *s.db.messages[id])
	}
	s.db.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return message.CursorOf(all[i]).Less(message.CursorOf(all[j]))
	})

	limit := q.Limit
	if limit <= 0 {
		limit = message.DefaultLimit
	}
	if limit > message.MaxLimit {
		limit = message.MaxLimit
	}

	var rows []message.Message
	if q.Direction == message.Newer {
		for _, m := range all {
			if q.Cursor == nil || q.Cursor.Less(message.CursorOf(m)) {
				rows = append(rows, m)
				if len(rows) > limit {
					break
				}
			}
		}
	} else {
		for i := len(all) - 1; i >= 0; i-- {
			if q.Cursor == nil || message.CursorOf(all[i]).Less(*q.Cursor) {
				rows = append(rows, all[i])
				if len(rows) > limit {
					break
				}
			}
		}
	}
	return message.BuildPage(rows, q), nil
}

type ReactionStore struct {
	db *DB
}

func (s *ReactionStore) Upsert(_ context.Context, r *reaction.Reaction, emit outbox.EntryFunc) error {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.messages[r.MessageID]; !ok {
		return message.ErrMessageNotFound
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = db.now()
	}
	if err := db.record(emit); err != nil {
		return err
	}
	db.reactions[reactionKey{r.MessageID, r.UserID}] = *r
	return nil
}

func (s *ReactionStore) ListForMessages(_ context.Context, messageIDs []int64) (map[int64][]reaction.Reaction, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	wanted := make(map[int64]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}
	out := make(map[int64][]reaction.Reaction, len(messageIDs))
	for k, r := range s.db.reactions {
		if wanted[k.messageID] {
			out[k.messageID] = append(out[k.messageID], r)
		}
	}
	for _, rs := range out {
		sort.Slice(rs, func(i, j int) bool {
			if !rs[i].UpdatedAt.Equal(rs[j].UpdatedAt) {
				return rs[i].UpdatedAt.Before(rs[j].UpdatedAt)
			}
			return rs[i].UserID < rs[j].UserID
		})
	}
	return out, nil
}
