package user

import (
	"context"
	"errors"
	"time"
)

// User is the minimal identity record messaging needs: who sent what.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	LastSeen     time.Time `json:"last_seen"`
}

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrDuplicateUsername = errors.New("username already exists")
)

// Store defines user persistence operations.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id int64) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	// Existing returns the subset of ids that belong to a user.
	Existing(ctx context.Context, ids []int64) ([]int64, error)
	TouchLastSeen(ctx context.Context, id int64, at time.Time) error
}
