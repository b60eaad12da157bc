package memory

import (
	"context"
	"time"

	"github.com/schoolhub/messaging/store/user"
)

type UserStore struct {
	db *DB
}

func (s *UserStore) Create(_ context.Context, u *user.User) error {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.usersByName[u.Username]; ok {
		return user.ErrDuplicateUsername
	}
	now := db.now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.LastSeen.IsZero() {
		u.LastSeen = now
	}
	db.nextUserID++
	u.ID = db.nextUserID

	stored := *u
	db.users[u.ID] = &stored
	db.usersByName[u.Username] = u.ID
	return nil
}

func (s *UserStore) Get(_ context.Context, id int64) (*user.User, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	u, ok := s.db.users[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	out := *u
	return &out, nil
}

func (s *UserStore) GetByUsername(ctx context.Context, username string) (*user.User, error) {
	s.db.mu.Lock()
	id, ok := s.db.usersByName[username]
	s.db.mu.Unlock()
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return s.Get(ctx, id)
}

func (s *UserStore) Existing(_ context.Context, ids []int64) ([]int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var found []int64
	for _, id := range ids {
		if _, ok := s.db.users[id]; ok {
			found = append(found, id)
		}
	}
	return found, nil
}

func (s *UserStore) TouchLastSeen(_ context.Context, id int64, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if u, ok := s.db.users[id]; ok {
		u.LastSeen = at
	}
	return nil
}
