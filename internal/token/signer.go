// Package token implements the stateless credential signer. Access and
// refresh credentials are HS256 JWTs signed with independent secrets;
// verification fails closed and reports a single Invalid outcome regardless
// of the underlying cause.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"loomchat.org/internal/rbac"
)

const (
	defaultIssuer     = "loomchat"
	defaultAccessTTL  = 10 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// ErrInvalid is the single verification outcome for malformed, expired and
// signature-mismatched credentials. Callers never learn which one it was.
var ErrInvalid = errors.New("token: invalid credential")

// AccessClaims is the closed claim set of an access credential.
type AccessClaims struct {
	UserID       string    `json:"uid"`
	Role         rbac.Role `json:"role"`
	TokenVersion int64     `json:"tv"`
	jwt.RegisteredClaims
}

// RefreshClaims is the closed claim set of a refresh credential. SessionID
// ties the token to a server-side session row; the token alone is never
// sufficient.
type RefreshClaims struct {
	UserID       string    `json:"uid"`
	Role         rbac.Role `json:"role"`
	TokenVersion int64     `json:"tv"`
	SessionID    string    `json:"sid"`
	jwt.RegisteredClaims
}

// Signer issues and verifies both credential types. It holds no mutable
// state and is safe for concurrent use.
type Signer struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithAccessTTL overrides the access credential lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Signer) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL overrides the refresh credential lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Signer) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithIssuer overrides the issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Signer) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Signer) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSigner constructs a Signer. The two secrets must be set and distinct so
// that compromise of one cannot forge the other credential type.
func NewSigner(accessSecret, refreshSecret string, opts ...Option) (*Signer, error) {
	if strings.TrimSpace(accessSecret) == "" || strings.TrimSpace(refreshSecret) == "" {
		return nil, errors.New("token: both signing secrets are required")
	}
	if accessSecret == refreshSecret {
		return nil, errors.New("token: access and refresh secrets must differ")
	}
	s := &Signer{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		issuer:        defaultIssuer,
		accessTTL:     defaultAccessTTL,
		refreshTTL:    defaultRefreshTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AccessTTL returns the configured access credential lifetime.
func (s *Signer) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the configured refresh credential lifetime.
func (s *Signer) RefreshTTL() time.Duration { return s.refreshTTL }

// IssueAccess signs a short-lived access credential.
func (s *Signer) IssueAccess(userID string, role rbac.Role, tokenVersion int64) (string, time.Time, error) {
	now := s.now().UTC()
	exp := now.Add(s.accessTTL)
	claims := AccessClaims{
		UserID:       userID,
		Role:         role,
		TokenVersion: tokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.accessSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// IssueRefresh signs a long-lived refresh credential bound to a session id.
func (s *Signer) IssueRefresh(userID string, role rbac.Role, tokenVersion int64, sessionID string) (string, time.Time, error) {
	now := s.now().UTC()
	exp := now.Add(s.refreshTTL)
	claims := RefreshClaims{
		UserID:       userID,
		Role:         role,
		TokenVersion: tokenVersion,
		SessionID:    sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.refreshSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// VerifyAccess validates an access credential and returns its claims.
func (s *Signer) VerifyAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.parse(raw, claims, s.accessSecret); err != nil {
		return nil, ErrInvalid
	}
	if claims.UserID == "" || !claims.Role.Valid() {
		return nil, ErrInvalid
	}
	return claims, nil
}

// VerifyRefresh validates a refresh credential and returns its claims. A
// successful verification only proves the signature; the caller must still
// match the token against a live session row.
func (s *Signer) VerifyRefresh(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := s.parse(raw, claims, s.refreshSecret); err != nil {
		return nil, ErrInvalid
	}
	if claims.UserID == "" || claims.SessionID == "" || !claims.Role.Valid() {
		return nil, ErrInvalid
	}
	return claims, nil
}

func (s *Signer) parse(raw string, claims jwt.Claims, secret []byte) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrInvalid
	}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalid
		}
		return secret, nil
	},
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil || !parsed.Valid {
		return ErrInvalid
	}
	return nil
}
