// Package session implements the refresh-session lifecycle: login and
// registration mint sessions, refresh rotates them (single-use tokens),
// logout and revoke-all tear them down. A refresh credential is only valid
// while a matching session row exists; absence of the row for a
// signature-valid token is treated as reuse.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Error taxonomy. Callers at the HTTP boundary collapse credential and
// session failures into one generic unauthenticated response; the split
// exists for internal logging and audit only.
var (
	ErrInvalidCredential = errors.New("session: invalid credential")
	ErrSessionNotFound   = errors.New("session: not found")
	ErrRevokedGlobally   = errors.New("session: revoked globally")
	ErrBanned            = errors.New("session: identity banned")
	ErrStoreUnavailable  = errors.New("session: store unavailable")
)

// Session is one live refresh-token grant. Rows are keyed by the SHA-256
// hash of the raw refresh token; the raw value is never stored. At most one
// live row exists per hash, and rotation replaces the row rather than
// updating it.
type Session struct {
	ID           string
	UserID       string
	TokenHash    string
	UserAgent    string
	IP           string
	CreatedAt    time.Time
	LastActiveAt time.Time
	ExpiresAt    time.Time
}

// Store persists session rows.
type Store interface {
	Create(ctx context.Context, s *Session) error
	FindByTokenHash(ctx context.Context, hash string) (*Session, error)

	// Rotate atomically deletes the row for oldHash and inserts next. It
	// returns ErrSessionNotFound when the old row is already gone, which a
	// concurrent refresh of the same token will observe: exactly one caller
	// rotates, the rest trip reuse detection.
	Rotate(ctx context.Context, oldHash string, next *Session) error

	// Delete removes the row for hash. Removing an absent row is not an
	// error.
	Delete(ctx context.Context, hash string) error

	DeleteByUser(ctx context.Context, userID string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	ListByUser(ctx context.Context, userID string) ([]*Session, error)
}

// HashToken derives the storage key for a raw refresh token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
