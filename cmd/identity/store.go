package identity

import (
	"context"
	"time"
)

// User is a relay account.
type User struct {
	ID           string
	Email        string // normalized
	Name         string
	PasswordHash string
	CreatedAt    time.Time
}

// Store is the account persistence boundary.
type Store interface {
	// CreateUser fails with a ConflictError when the email is taken.
	CreateUser(ctx context.Context, u User) (User, error)
	// UserByEmail expects a normalized email and fails with ErrNotFound.
	UserByEmail(ctx context.Context, email string) (User, error)
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
}
