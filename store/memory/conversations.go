package memory

import (
	"context"
	"sort"

	"github.com/schoolhub/messaging/store/conversation"
)

type ConversationStore struct {
	db *DB
}

func copyConversation(c *conversation.Conversation) *conversation.Conversation {
	out := *c
	if c.Title != nil {
		title := *c.Title
		out.Title = &title
	}
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		out.LastMessageAt = &at
	}
	return &out
}

func (s *ConversationStore) Get(_ context.Context, id int64) (*conversation.Conversation, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	c, ok := s.db.conversations[id]
	if !ok {
		return nil, conversation.ErrConversationNotFound
	}
	return copyConversation(c), nil
}

func (s *ConversationStore) GetDirectBetween(_ context.Context, userAID, userBID int64) (*conversation.Conversation, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	id, ok := s.db.directKeys[conversation.DirectKey(userAID, userBID)]
	if !ok {
		return nil, conversation.ErrConversationNotFound
	}
	return copyConversation(s.db.conversations[id]), nil
}

func (s *ConversationStore) CreateDirect(_ context.Context, createdBy, otherID int64) (*conversation.Conversation, bool, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	key := conversation.DirectKey(createdBy, otherID)
	if id, ok := db.directKeys[key]; ok {
		return copyConversation(db.conversations[id]), false, nil
	}
	if db.users[createdBy] == nil || db.users[otherID] == nil {
		return nil, false, conversation.ErrUnknownUser
	}

	now := db.now()
	db.nextConvID++
	c := &conversation.Conversation{
		ID:        db.nextConvID,
		Type:      conversation.TypeDirect,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	db.conversations[c.ID] = c
	db.directKeys[key] = c.ID
	db.participants[c.ID] = map[int64]conversation.Participant{}
	for _, uid := range []int64{createdBy, otherID} {
		db.participants[c.ID][uid] = conversation.Participant{
			ConversationID: c.ID, UserID: uid, Role: conversation.RoleMember, JoinedAt: now,
		}
	}
	return copyConversation(c), true, nil
}

func (s *ConversationStore) CreateGroup(_ context.Context, convo *conversation.Conversation, memberIDs []int64) error {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.users[convo.CreatedBy] == nil {
		return conversation.ErrUnknownUser
	}
	for _, id := range memberIDs {
		if db.users[id] == nil {
			return conversation.ErrUnknownUser
		}
	}

	if convo.CreatedAt.IsZero() {
		convo.CreatedAt = db.now()
	}
	convo.UpdatedAt = convo.CreatedAt
	convo.Type = conversation.TypeGroup
	db.nextConvID++
	convo.ID = db.nextConvID
	db.conversations[convo.ID] = copyConversation(convo)

	members := map[int64]conversation.Participant{
		convo.CreatedBy: {ConversationID: convo.ID, UserID: convo.CreatedBy, Role: conversation.RoleOwner, JoinedAt: convo.CreatedAt},
	}
	for _, id := range memberIDs {
		if _, ok := members[id]; ok {
			continue
		}
		members[id] = conversation.Participant{ConversationID: convo.ID, UserID: id, Role: conversation.RoleMember, JoinedAt: convo.CreatedAt}
	}
	db.participants[convo.ID] = members
	return nil
}

func (s *ConversationStore) ListForUser(_ context.Context, userID int64, limit int) ([]conversation.Conversation, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var out []conversation.Conversation
	for id, members := range s.db.participants {
		if _, ok := members[userID]; ok {
			out = append(out, *copyConversation(s.db.conversations[id]))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []conversation.Conversation{}
	}
	return out, nil
}

func (s *ConversationStore) GetParticipant(_ context.Context, conversationID, userID int64) (*conversation.Participant, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	p, ok := s.db.participants[conversationID][userID]
	if !ok {
		return nil, conversation.ErrParticipantNotFound
	}
	return &p, nil
}

func (s *ConversationStore) ListParticipants(_ context.Context, conversationID int64) ([]conversation.Participant, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	out := make([]conversation.Participant, 0, len(s.db.participants[conversationID]))
	for _, p := range s.db.participants[conversationID] {
		if u, ok := s.db.users[p.UserID]; ok {
			p.Name = u.Name
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *ConversationStore) ListParticipantIDs(_ context.Context, conversationID int64) ([]int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	ids := make([]int64, 0, len(s.db.participants[conversationID]))
	for id := range s.db.participants[conversationID] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *ConversationStore) AddParticipants(_ context.Context, conversationID, actorID int64, userIDs []int64) (int, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	c, err := db.managedBy(conversationID, actorID)
	if err != nil {
		return 0, err
	}
	for _, id := range userIDs {
		if db.users[id] == nil {
			return 0, conversation.ErrUnknownUser
		}
	}

	now := db.now()
	members := db.participants[conversationID]
	added := 0
	for _, id := range userIDs {
		if _, ok := members[id]; ok {
			continue
		}
		members[id] = conversation.Participant{ConversationID: conversationID, UserID: id, Role: conversation.RoleMember, JoinedAt: now}
		added++
	}
	if added > 0 {
		c.UpdatedAt = now
	}
	return added, nil
}

func (s *ConversationStore) RemoveParticipant(_ context.Context, conversationID, actorID, userID int64) (bool, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	c, err := db.managedBy(conversationID, actorID)
	if err != nil {
		return false, err
	}
	members := db.participants[conversationID]
	p, ok := members[userID]
	if !ok {
		return false, nil
	}
	if p.Role == conversation.RoleOwner {
		owners := 0
		for _, m := range members {
			if m.Role == conversation.RoleOwner {
				owners++
			}
		}
		if owners <= 1 {
			return false, conversation.ErrLastOwner
		}
	}
	delete(members, userID)
	c.UpdatedAt = db.now()
	return true, nil
}

// managedBy returns the conversation when actorID owns it. Callers hold db.mu.
func (db *DB) managedBy(conversationID, actorID int64) (*conversation.Conversation, error) {
	c, ok := db.conversations[conversationID]
	if !ok {
		return nil, conversation.ErrConversationNotFound
	}
	p, ok := db.participants[conversationID][actorID]
	if !ok {
		return nil, conversation.ErrParticipantNotFound
	}
	if c.Type != conversation.TypeGroup || p.Role != conversation.RoleOwner {
		return nil, conversation.ErrNotManager
	}
	return c, nil
}
