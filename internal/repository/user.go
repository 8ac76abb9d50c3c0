package repository

import (
	"context"
	"errors"

	"avatar-cache/internal/domain"
)

var (
	// ErrNotFound is returned when no user record exists for the given id.
	ErrNotFound = errors.New("user not found")
	// ErrDuplicate is returned by Create when the id is already taken.
	ErrDuplicate = errors.New("user already exists")
)

// UserRepository defines persistence operations for User records.
// Implementations must make UpdateAvatarHash atomic per user id.
type UserRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, user *domain.User) error
	Get(ctx context.Context, id string) (*domain.User, error)
	List(ctx context.Context) ([]domain.User, error)
	UpdateAvatarHash(ctx context.Context, id string, hash *string) error
	Delete(ctx context.Context, id string) error
	Close() error
}
