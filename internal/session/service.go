package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"loomchat.org/internal/audit"
	"loomchat.org/internal/identity"
	"loomchat.org/internal/obs"
	"loomchat.org/internal/rbac"
	"loomchat.org/internal/token"
)

// Meta carries request provenance recorded on sessions and audit entries.
type Meta struct {
	IP        string
	UserAgent string
}

// TokenPair is the result of login, registration and refresh.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Principal is the authenticated caller derived from an access credential.
type Principal struct {
	UserID       string
	Role         rbac.Role
	TokenVersion int64
}

// Service orchestrates the session lifecycle over the identity, session and
// audit stores. All dependencies are injected at construction.
type Service struct {
	users    identity.Store
	sessions Store
	audits   audit.Store
	signer   *token.Signer
	now      func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(users identity.Store, sessions Store, audits audit.Store, signer *token.Signer, opts ...ServiceOption) *Service {
	s := &Service{
		users:    users,
		sessions: sessions,
		audits:   audits,
		signer:   signer,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates an identity and its first session.
func (s *Service) Register(ctx context.Context, email, name, password string, meta Meta) (*identity.User, *TokenPair, error) {
	hash, err := identity.HashPassword(password)
	if err != nil {
		return nil, nil, err
	}
	user := &identity.User{
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Role:         rbac.RoleUser,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, identity.ErrAlreadyExists) {
			return nil, nil, err
		}
		return nil, nil, storeErr("create user", err)
	}
	pair, err := s.mint(ctx, user, meta)
	if err != nil {
		return nil, nil, err
	}
	s.record(ctx, &audit.Entry{
		ActorID:   user.ID,
		ActorRole: user.Role,
		Action:    audit.ActionRegister,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	})
	return user, pair, nil
}

// Login verifies the password and mints a fresh session. Every failure is
// surfaced as ErrInvalidCredential; the real cause goes to internal logs.
func (s *Service) Login(ctx context.Context, email, password string, meta Meta) (*identity.User, *TokenPair, error) {
	user, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, identity.ErrNotFound) {
		obs.CountLogin("failure")
		return nil, nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, nil, storeErr("find user", err)
	}
	if err := identity.VerifyPassword(user.PasswordHash, password); err != nil {
		obs.CountLogin("failure")
		return nil, nil, ErrInvalidCredential
	}
	if user.Banned {
		obs.CountLogin("banned")
		obs.LogSecurity("login.banned", map[string]any{"user_id": user.ID})
		return nil, nil, ErrBanned
	}
	pair, err := s.mint(ctx, user, meta)
	if err != nil {
		return nil, nil, err
	}
	obs.CountLogin("success")
	s.record(ctx, &audit.Entry{
		ActorID:   user.ID,
		ActorRole: user.Role,
		Action:    audit.ActionLogin,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	})
	return user, pair, nil
}

// Refresh exchanges a refresh credential for a new pair, rotating the
// session. Refresh tokens are single-use: the old row is deleted and a new
// one inserted in a single transaction, so two concurrent exchanges of the
// same token cannot both succeed.
func (s *Service) Refresh(ctx context.Context, rawRefresh string, meta Meta) (*TokenPair, error) {
	claims, err := s.signer.VerifyRefresh(rawRefresh)
	if err != nil {
		return nil, ErrInvalidCredential
	}

	hash := HashToken(rawRefresh)
	sess, err := s.sessions.FindByTokenHash(ctx, hash)
	if errors.Is(err, ErrSessionNotFound) {
		// Signature-valid token without a session row: it was already
		// rotated away or forged from leaked state. Revoke everything.
		s.handleReuse(ctx, claims, meta)
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, storeErr("find session", err)
	}

	now := s.now().UTC()
	if now.After(sess.ExpiresAt) {
		_ = s.sessions.Delete(ctx, hash)
		obs.LogSecurity("refresh.expired", map[string]any{"user_id": sess.UserID})
		return nil, ErrInvalidCredential
	}

	user, err := s.users.Find(ctx, sess.UserID)
	if errors.Is(err, identity.ErrNotFound) {
		_ = s.sessions.Delete(ctx, hash)
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, storeErr("find user", err)
	}
	if user.TokenVersion != claims.TokenVersion {
		_ = s.sessions.Delete(ctx, hash)
		obs.LogSecurity("refresh.revoked_globally", map[string]any{"user_id": user.ID})
		return nil, ErrRevokedGlobally
	}
	if user.Banned {
		_ = s.sessions.Delete(ctx, hash)
		obs.LogSecurity("refresh.banned", map[string]any{"user_id": user.ID})
		return nil, ErrBanned
	}

	sessionID := uuid.NewString()
	refresh, refreshExp, err := s.signer.IssueRefresh(user.ID, user.Role, user.TokenVersion, sessionID)
	if err != nil {
		return nil, err
	}
	next := &Session{
		ID:           sessionID,
		UserID:       user.ID,
		TokenHash:    HashToken(refresh),
		UserAgent:    meta.UserAgent,
		IP:           meta.IP,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    refreshExp,
	}
	if err := s.sessions.Rotate(ctx, hash, next); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			// Lost the race against a concurrent exchange of the same token.
			s.handleReuse(ctx, claims, meta)
			return nil, ErrInvalidCredential
		}
		return nil, storeErr("rotate session", err)
	}

	access, accessExp, err := s.signer.IssueAccess(user.ID, user.Role, user.TokenVersion)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Logout deletes the caller's session row. Logging out an already-removed
// session succeeds.
func (s *Service) Logout(ctx context.Context, rawRefresh string) error {
	if err := s.sessions.Delete(ctx, HashToken(rawRefresh)); err != nil {
		return storeErr("delete session", err)
	}
	if claims, err := s.signer.VerifyRefresh(rawRefresh); err == nil {
		s.record(ctx, &audit.Entry{
			ActorID:   claims.UserID,
			ActorRole: claims.Role,
			Action:    audit.ActionLogout,
		})
	}
	return nil
}

// RevokeAll deletes every session for the user and bumps TokenVersion,
// killing outstanding access tokens at their next verification. Cause is a
// short diagnostic label (password_change, ban, reuse, admin).
func (s *Service) RevokeAll(ctx context.Context, userID, cause string) error {
	if _, err := s.users.BumpTokenVersion(ctx, userID); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return err
		}
		return storeErr("bump token version", err)
	}
	deleted, err := s.sessions.DeleteByUser(ctx, userID)
	if err != nil {
		return storeErr("delete sessions", err)
	}
	obs.CountRevocation(cause)
	obs.LogSecurity("sessions.revoke_all", map[string]any{
		"user_id": userID,
		"cause":   cause,
		"deleted": deleted,
	})
	s.record(ctx, &audit.Entry{
		ActorID: userID,
		Action:  audit.ActionRevokeAll,
		Reason:  cause,
	})
	return nil
}

// Authorize validates an access credential against the identity's current
// state. Stateless signature checks alone are not enough: the token's
// version must still match, and the identity must not be banned.
func (s *Service) Authorize(ctx context.Context, rawAccess string) (*Principal, error) {
	claims, err := s.signer.VerifyAccess(rawAccess)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	user, err := s.users.Find(ctx, claims.UserID)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, storeErr("find user", err)
	}
	if user.TokenVersion != claims.TokenVersion {
		return nil, ErrRevokedGlobally
	}
	if user.Banned {
		return nil, ErrBanned
	}
	return &Principal{UserID: user.ID, Role: user.Role, TokenVersion: user.TokenVersion}, nil
}

// ChangePassword verifies the current password, stores the new hash and
// revokes every outstanding session and token.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	user, err := s.users.Find(ctx, userID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return ErrInvalidCredential
		}
		return storeErr("find user", err)
	}
	if err := identity.VerifyPassword(user.PasswordHash, oldPassword); err != nil {
		return ErrInvalidCredential
	}
	hash, err := identity.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		return storeErr("update password", err)
	}
	if err := s.RevokeAll(ctx, userID, "password_change"); err != nil {
		return err
	}
	s.record(ctx, &audit.Entry{
		ActorID:   user.ID,
		ActorRole: user.Role,
		Action:    audit.ActionPasswordChange,
	})
	return nil
}

// Sessions lists the user's live sessions.
func (s *Service) Sessions(ctx context.Context, userID string) ([]*Session, error) {
	list, err := s.sessions.ListByUser(ctx, userID)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	return list, nil
}

// SweepExpired removes sessions past their expiry. Run periodically.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	deleted, err := s.sessions.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, storeErr("sweep sessions", err)
	}
	return deleted, nil
}

// mint creates a new session and issues the credential pair for it.
func (s *Service) mint(ctx context.Context, user *identity.User, meta Meta) (*TokenPair, error) {
	sessionID := uuid.NewString()
	refresh, refreshExp, err := s.signer.IssueRefresh(user.ID, user.Role, user.TokenVersion, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.sessions.Create(ctx, &Session{
		ID:           sessionID,
		UserID:       user.ID,
		TokenHash:    HashToken(refresh),
		UserAgent:    meta.UserAgent,
		IP:           meta.IP,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    refreshExp,
	}); err != nil {
		return nil, storeErr("create session", err)
	}
	access, accessExp, err := s.signer.IssueAccess(user.ID, user.Role, user.TokenVersion)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// handleReuse revokes every session for the token's user and records the
// event. The caller still only sees a generic invalid-credential outcome.
func (s *Service) handleReuse(ctx context.Context, claims *token.RefreshClaims, meta Meta) {
	obs.CountTokenReuse()
	obs.LogSecurity("refresh.reuse_detected", map[string]any{
		"user_id":    claims.UserID,
		"session_id": claims.SessionID,
		"ip":         meta.IP,
	})
	if _, err := s.users.BumpTokenVersion(ctx, claims.UserID); err != nil {
		obs.LogSecurity("refresh.reuse_revoke_failed", map[string]any{
			"user_id": claims.UserID,
			"error":   err.Error(),
		})
	}
	if _, err := s.sessions.DeleteByUser(ctx, claims.UserID); err != nil {
		obs.LogSecurity("refresh.reuse_delete_failed", map[string]any{
			"user_id": claims.UserID,
			"error":   err.Error(),
		})
	}
	obs.CountRevocation("reuse")
	s.record(ctx, &audit.Entry{
		ActorID:   claims.UserID,
		ActorRole: claims.Role,
		Action:    audit.ActionReuseDetected,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	})
}

// record seals and appends an informational audit entry. Append failures are
// logged, not propagated: destructive admin actions go through the admin
// service, which writes its audit entry transactionally instead.
func (s *Service) record(ctx context.Context, e *audit.Entry) {
	if err := audit.Seal(e, s.now()); err != nil {
		obs.LogSecurity("audit.seal_failed", map[string]any{"action": string(e.Action), "error": err.Error()})
		return
	}
	if err := s.audits.Append(ctx, e); err != nil {
		obs.LogSecurity("audit.append_failed", map[string]any{"action": string(e.Action), "error": err.Error()})
	}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("session: %s: %w", op, errors.Join(ErrStoreUnavailable, err))
}
