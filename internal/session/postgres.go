package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"loomchat.org/internal/store"
)

// PostgresStore implements Store over database/sql with the pgx driver.
type PostgresStore struct {
	db *sql.DB
	q  store.Querier
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

// In returns a copy bound to the given querier, typically a transaction
// shared with other stores. Rotate on a bound copy relies on the caller's
// transaction for atomicity.
func (s *PostgresStore) In(q store.Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	_, err := s.q.ExecContext(ctx, `
		insert into sessions(id, user_id, token_hash, user_agent, ip, created_at, last_active_at, expires_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, sess.ID, sess.UserID, sess.TokenHash, sess.UserAgent, sess.IP,
		sess.CreatedAt, sess.LastActiveAt, sess.ExpiresAt)
	return err
}

func (s *PostgresStore) FindByTokenHash(ctx context.Context, hash string) (*Session, error) {
	row := s.q.QueryRowContext(ctx, `
		select id, user_id, token_hash, user_agent, ip, created_at, last_active_at, expires_at
		from sessions where token_hash = $1
	`, hash)
	var sess Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.UserAgent, &sess.IP,
		&sess.CreatedAt, &sess.LastActiveAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// Rotate deletes the old row and inserts the replacement in one
// transaction. Zero rows deleted means a concurrent rotation already
// consumed the token; the transaction unwinds and ErrSessionNotFound tells
// the caller to treat the token as reused.
func (s *PostgresStore) Rotate(ctx context.Context, oldHash string, next *Session) error {
	if s.db == nil {
		return s.rotateIn(ctx, s.q, oldHash, next)
	}
	return store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.rotateIn(ctx, tx, oldHash, next)
	})
}

func (s *PostgresStore) rotateIn(ctx context.Context, q store.Querier, oldHash string, next *Session) error {
	res, err := q.ExecContext(ctx, `delete from sessions where token_hash = $1`, oldHash)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	_, err = q.ExecContext(ctx, `
		insert into sessions(id, user_id, token_hash, user_agent, ip, created_at, last_active_at, expires_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, next.ID, next.UserID, next.TokenHash, next.UserAgent, next.IP,
		next.CreatedAt, next.LastActiveAt, next.ExpiresAt)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, hash string) error {
	_, err := s.q.ExecContext(ctx, `delete from sessions where token_hash = $1`, hash)
	return err
}

func (s *PostgresStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `delete from sessions where user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `delete from sessions where expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.q.QueryContext(ctx, `
		select id, user_id, token_hash, user_agent, ip, created_at, last_active_at, expires_at
		from sessions where user_id = $1
		order by created_at desc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.UserAgent, &sess.IP,
			&sess.CreatedAt, &sess.LastActiveAt, &sess.ExpiresAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}
