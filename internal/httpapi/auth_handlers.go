package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"loomchat.org/internal/identity"
	"loomchat.org/internal/session"
)

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type passwordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type sessionResponse struct {
	ID           string    `json:"id"`
	UserAgent    string    `json:"user_agent,omitempty"`
	IP           string    `json:"ip,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.allowRate(w, r, "register") {
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, r, http.StatusBadRequest, "a valid email is required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, r, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	user, pair, err := a.sessions.Register(r.Context(), req.Email, req.Name, req.Password, a.meta(r))
	if err != nil {
		if errors.Is(err, identity.ErrAlreadyExists) {
			writeError(w, r, http.StatusConflict, "email already registered")
			return
		}
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user_id": user.ID,
		"tokens":  toPairResponse(pair),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.allowRate(w, r, "login") {
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	_, pair, err := a.sessions.Login(r.Context(), req.Email, req.Password, a.meta(r))
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPairResponse(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.allowRate(w, r, "refresh") {
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, err := a.sessions.Refresh(r.Context(), req.RefreshToken, a.meta(r))
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPairResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.sessions.Logout(r.Context(), req.RefreshToken); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req passwordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.NewPassword) < 8 {
		writeError(w, r, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	if err := a.sessions.ChangePassword(r.Context(), principal.UserID, req.OldPassword, req.NewPassword); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	sessions, err := a.sessions.Sessions(r.Context(), principal.UserID)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse{
			ID:           s.ID,
			UserAgent:    s.UserAgent,
			IP:           s.IP,
			CreatedAt:    s.CreatedAt,
			LastActiveAt: s.LastActiveAt,
			ExpiresAt:    s.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// allowRate applies the identity-keyed limiter to a credential endpoint,
// keyed by client IP. A denied or unavailable counter store fails the
// request; the limiter decides open-vs-closed per environment.
func (a *API) allowRate(w http.ResponseWriter, r *http.Request, scope string) bool {
	if a.limiter == nil {
		return true
	}
	res, err := a.limiter.Allow(r.Context(), scope+":"+clientIP(r), a.cfg.RateLimit, a.cfg.RateWindow)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "temporarily unavailable")
		return false
	}
	if !res.Allowed {
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

// handleAuthError collapses every credential and session failure into one
// generic unauthorized response. The caller never learns whether the token
// was expired, reused, revoked or tied to a banned account.
func (a *API) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidCredential),
		errors.Is(err, session.ErrRevokedGlobally),
		errors.Is(err, session.ErrBanned):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, session.ErrStoreUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) meta(r *http.Request) session.Meta {
	return session.Meta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func toPairResponse(pair *session.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:      pair.AccessToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshToken:     pair.RefreshToken,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
}
