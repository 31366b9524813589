package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"loomchat.org/internal/ids"
	"loomchat.org/internal/rbac"
	"loomchat.org/internal/store"
)

const defaultQueryLimit = 100

// PostgresStore implements Store over database/sql with the pgx driver.
type PostgresStore struct {
	q store.Querier
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{q: db}
}

// In returns a copy bound to the given querier so destructive mutations can
// append their audit entry inside the same transaction.
func (s *PostgresStore) In(q store.Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	if e.IntegrityToken == "" {
		return ErrInvalidEntry
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	_, err := s.q.ExecContext(ctx, `
		insert into audit_log(
			id, actor_id, actor_role, action, target_type, target_id,
			previous_state, new_state, reason, ip, user_agent,
			secondary_verified, integrity_token, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, e.ID, e.ActorID, string(e.ActorRole), string(e.Action), e.TargetType, e.TargetID,
		e.PreviousState, e.NewState, e.Reason, e.IP, e.UserAgent,
		e.SecondaryVerified, e.IntegrityToken, e.CreatedAt)
	return err
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.TargetType != "" {
		add("target_type = $%d", f.TargetType)
	}
	if f.TargetID != "" {
		add("target_id = $%d", f.TargetID)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until.UTC())
	}

	query := `
		select id, actor_id, actor_role, action, target_type, target_id,
		       previous_state, new_state, reason, ip, user_agent,
		       secondary_verified, integrity_token, created_at
		from audit_log`
	if len(conds) > 0 {
		query += " where " + strings.Join(conds, " and ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 10000 {
		limit = defaultQueryLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" order by created_at desc limit $%d", len(args))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var role, action string
		if err := rows.Scan(&e.ID, &e.ActorID, &role, &action, &e.TargetType, &e.TargetID,
			&e.PreviousState, &e.NewState, &e.Reason, &e.IP, &e.UserAgent,
			&e.SecondaryVerified, &e.IntegrityToken, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorRole = rbac.Role(role)
		e.Action = Action(action)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
