// Package identity manages user records. TokenVersion is the single global
// revocation switch: bumping it invalidates every credential issued before
// the bump, including unexpired access tokens.
package identity

import (
	"context"
	"errors"
	"time"

	"loomchat.org/internal/rbac"
)

var (
	ErrNotFound      = errors.New("identity: not found")
	ErrAlreadyExists = errors.New("identity: already exists")
)

// User is a platform account.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Role         rbac.Role
	TokenVersion int64
	Banned       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store persists user records.
type Store interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)

	// SetBanned flips the ban flag and bumps TokenVersion in the same
	// statement, returning the new version.
	SetBanned(ctx context.Context, id string, banned bool) (int64, error)

	// SetRole changes the role and bumps TokenVersion so outstanding tokens
	// with the old role die with their natural expiry check.
	SetRole(ctx context.Context, id string, role rbac.Role) (int64, error)

	// UpdatePassword stores a new hash. Revocation of existing sessions is
	// the orchestrator's job.
	UpdatePassword(ctx context.Context, id, passwordHash string) error

	// BumpTokenVersion increments the revocation counter.
	BumpTokenVersion(ctx context.Context, id string) (int64, error)
}
