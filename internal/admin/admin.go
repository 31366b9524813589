// Package admin implements privileged mutations on identities. Every
// destructive action is hierarchy-checked and written together with its
// audit entry in one transaction, so a mutation without its audit trail
// cannot exist.
package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"loomchat.org/internal/audit"
	"loomchat.org/internal/identity"
	"loomchat.org/internal/obs"
	"loomchat.org/internal/rbac"
	"loomchat.org/internal/session"
	"loomchat.org/internal/store"
)

// ErrForbidden covers hierarchy violations and self-modification attempts.
// Unlike rbac.ErrAccessDenied it names no capability: the caller had the
// capability but not the standing.
var ErrForbidden = errors.New("admin: forbidden")

// Actor is the authenticated administrator performing an operation.
type Actor struct {
	UserID            string
	Role              rbac.Role
	IP                string
	UserAgent         string
	SecondaryVerified bool
}

// Service performs admin mutations over the shared database handle.
type Service struct {
	db       *sql.DB
	users    *identity.PostgresStore
	sessions *session.PostgresStore
	audits   *audit.PostgresStore
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(db *sql.DB, opts ...Option) *Service {
	s := &Service{
		db:       db,
		users:    identity.NewPostgresStore(db),
		sessions: session.NewPostgresStore(db),
		audits:   audit.NewPostgresStore(db),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetBanned bans or unbans the target. Banning bumps the target's
// token_version and deletes their sessions, so outstanding credentials die
// immediately. The mutation and its audit entry commit together.
func (s *Service) SetBanned(ctx context.Context, actor Actor, targetID string, banned bool, reason string) error {
	target, err := s.guard(ctx, actor, targetID, rbac.CapUserBan, banAction(banned))
	if err != nil {
		return err
	}

	err = store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := s.users.In(tx).SetBanned(ctx, targetID, banned); err != nil {
			return err
		}
		if banned {
			if _, err := s.sessions.In(tx).DeleteByUser(ctx, targetID); err != nil {
				return err
			}
		}
		return s.append(ctx, s.audits.In(tx), &audit.Entry{
			ActorID:           actor.UserID,
			ActorRole:         actor.Role,
			Action:            banAction(banned),
			TargetType:        "user",
			TargetID:          targetID,
			PreviousState:     strconv.FormatBool(target.Banned),
			NewState:          strconv.FormatBool(banned),
			Reason:            reason,
			IP:                actor.IP,
			UserAgent:         actor.UserAgent,
			SecondaryVerified: actor.SecondaryVerified,
		})
	})
	if err != nil {
		// the in-transaction audit entry rolled back with the mutation;
		// leave a best-effort attempt record (may also fail if the store
		// itself is down)
		s.recordAttempt(ctx, actor, targetID, banAction(banned), "transaction failed")
		return fmt.Errorf("admin: set banned: %w", err)
	}
	if banned {
		obs.CountRevocation("ban")
	}
	return nil
}

// ChangeRole reassigns the target's role. The new role must also sit below
// the actor in the hierarchy: an admin cannot promote someone past
// themselves.
func (s *Service) ChangeRole(ctx context.Context, actor Actor, targetID string, newRole rbac.Role, reason string) error {
	if !newRole.Valid() {
		return fmt.Errorf("admin: unknown role %q", newRole)
	}
	target, err := s.guard(ctx, actor, targetID, rbac.CapUserPromote, audit.ActionUserRoleChange)
	if err != nil {
		return err
	}
	if !rbac.CanModify(actor.Role, newRole) {
		s.recordAttempt(ctx, actor, targetID, audit.ActionUserRoleChange, "new role above actor")
		return ErrForbidden
	}

	err = store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := s.users.In(tx).SetRole(ctx, targetID, newRole); err != nil {
			return err
		}
		return s.append(ctx, s.audits.In(tx), &audit.Entry{
			ActorID:           actor.UserID,
			ActorRole:         actor.Role,
			Action:            audit.ActionUserRoleChange,
			TargetType:        "user",
			TargetID:          targetID,
			PreviousState:     string(target.Role),
			NewState:          string(newRole),
			Reason:            reason,
			IP:                actor.IP,
			UserAgent:         actor.UserAgent,
			SecondaryVerified: actor.SecondaryVerified,
		})
	})
	if err != nil {
		s.recordAttempt(ctx, actor, targetID, audit.ActionUserRoleChange, "transaction failed")
		return fmt.Errorf("admin: change role: %w", err)
	}
	return nil
}

// QueryAudit returns audit entries with role-based redaction applied.
func (s *Service) QueryAudit(ctx context.Context, actor Actor, f audit.Filter) ([]*audit.Entry, error) {
	if err := rbac.Require(actor.Role, rbac.CapLogsRead); err != nil {
		return nil, err
	}
	entries, err := s.audits.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("admin: query audit: %w", err)
	}
	return audit.Redact(entries, actor.Role), nil
}

// ExportAudit serializes redacted entries and records the export itself.
func (s *Service) ExportAudit(ctx context.Context, actor Actor, f audit.Filter, format string) ([]byte, error) {
	if err := rbac.Require(actor.Role, rbac.CapAuditExport); err != nil {
		return nil, err
	}
	entries, err := s.audits.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("admin: export audit: %w", err)
	}
	out, err := audit.Export(audit.Redact(entries, actor.Role), format)
	if err != nil {
		return nil, err
	}
	s.recordAttempt(ctx, actor, "", audit.ActionAuditExport, format)
	return out, nil
}

// CheckAnomalies runs the anomaly heuristics over an actor's recent window.
func (s *Service) CheckAnomalies(ctx context.Context, actor Actor, subjectID string) (audit.AnomalyReport, error) {
	if err := rbac.Require(actor.Role, rbac.CapSecurityManage); err != nil {
		return audit.AnomalyReport{}, err
	}
	return audit.DetectAnomalies(ctx, s.audits, subjectID, s.now())
}

// guard runs the checks shared by every mutating operation: capability,
// self-modification, target existence and hierarchy. Rejected attempts by an
// authenticated actor are still audited.
func (s *Service) guard(ctx context.Context, actor Actor, targetID string, capability rbac.Capability, action audit.Action) (*identity.User, error) {
	if err := rbac.Require(actor.Role, capability); err != nil {
		s.recordAttempt(ctx, actor, targetID, action, "missing capability")
		return nil, err
	}
	if actor.UserID == targetID {
		s.recordAttempt(ctx, actor, targetID, action, "self-modification")
		return nil, ErrForbidden
	}
	target, err := s.users.Find(ctx, targetID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("admin: find target: %w", err)
	}
	if !rbac.CanModify(actor.Role, target.Role) {
		s.recordAttempt(ctx, actor, targetID, action, "target not below actor")
		return nil, ErrForbidden
	}
	return target, nil
}

// recordAttempt writes a best-effort audit entry for a rejected or
// informational action by an authenticated actor.
func (s *Service) recordAttempt(ctx context.Context, actor Actor, targetID string, action audit.Action, reason string) {
	targetType := ""
	if targetID != "" {
		targetType = "user"
	}
	e := &audit.Entry{
		ActorID:           actor.UserID,
		ActorRole:         actor.Role,
		Action:            action,
		TargetType:        targetType,
		TargetID:          targetID,
		Reason:            reason,
		IP:                actor.IP,
		UserAgent:         actor.UserAgent,
		SecondaryVerified: actor.SecondaryVerified,
	}
	if err := s.append(ctx, s.audits, e); err != nil {
		obs.LogSecurity("audit.append_failed", map[string]any{
			"action": string(action),
			"error":  err.Error(),
		})
	}
}

func banAction(banned bool) audit.Action {
	if banned {
		return audit.ActionUserBan
	}
	return audit.ActionUserUnban
}

func (s *Service) append(ctx context.Context, store *audit.PostgresStore, e *audit.Entry) error {
	if err := audit.Seal(e, s.now()); err != nil {
		return err
	}
	return store.Append(ctx, e)
}
