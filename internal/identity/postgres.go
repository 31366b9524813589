package identity

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"loomchat.org/internal/ids"
	"loomchat.org/internal/rbac"
	"loomchat.org/internal/store"
)

// PostgresStore implements Store over database/sql with the pgx driver.
type PostgresStore struct {
	q store.Querier
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{q: db}
}

// In returns a copy of the store bound to the given querier, typically a
// transaction shared with other stores.
func (s *PostgresStore) In(q store.Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

func (s *PostgresStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.Email = strings.TrimSpace(strings.ToLower(u.Email))
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	var exists bool
	if err := s.q.QueryRowContext(ctx,
		`select exists(select 1 from users where email = $1)`, u.Email,
	).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrAlreadyExists
	}

	_, err := s.q.ExecContext(ctx, `
		insert into users(id, email, name, password_hash, role, token_version, banned, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, u.ID, u.Email, u.Name, u.PasswordHash, string(u.Role), u.TokenVersion, u.Banned, u.CreatedAt, u.UpdatedAt)
	return err
}

func (s *PostgresStore) Find(ctx context.Context, id string) (*User, error) {
	return s.scanOne(s.q.QueryRowContext(ctx, `
		select id, email, name, password_hash, role, token_version, banned, created_at, updated_at
		from users where id = $1
	`, id))
}

func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	return s.scanOne(s.q.QueryRowContext(ctx, `
		select id, email, name, password_hash, role, token_version, banned, created_at, updated_at
		from users where email = $1
	`, email))
}

func (s *PostgresStore) SetBanned(ctx context.Context, id string, banned bool) (int64, error) {
	var version int64
	err := s.q.QueryRowContext(ctx, `
		update users
		set banned = $2, token_version = token_version + 1, updated_at = now()
		where id = $1
		returning token_version
	`, id, banned).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return version, err
}

func (s *PostgresStore) SetRole(ctx context.Context, id string, role rbac.Role) (int64, error) {
	var version int64
	err := s.q.QueryRowContext(ctx, `
		update users
		set role = $2, token_version = token_version + 1, updated_at = now()
		where id = $1
		returning token_version
	`, id, string(role)).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return version, err
}

func (s *PostgresStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.q.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = now() where id = $1
	`, id, passwordHash)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) BumpTokenVersion(ctx context.Context, id string) (int64, error) {
	var version int64
	err := s.q.QueryRowContext(ctx, `
		update users
		set token_version = token_version + 1, updated_at = now()
		where id = $1
		returning token_version
	`, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return version, err
}

func (s *PostgresStore) scanOne(row *sql.Row) (*User, error) {
	var u User
	var role string
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role,
		&u.TokenVersion, &u.Banned, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = rbac.Role(role)
	return &u, nil
}
