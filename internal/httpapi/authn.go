package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"loomchat.org/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Endpoints reachable without an access credential. Everything else goes
// through Authorize, which re-checks token_version and the ban flag against
// the identity store on every request.
var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/logout",
}

type principalKey struct{}

// ContextWithPrincipal stores the authenticated caller on the context.
func ContextWithPrincipal(ctx context.Context, p *session.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (*session.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*session.Principal)
	return p, ok
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		principal, err := a.sessions.Authorize(r.Context(), raw)
		if err != nil {
			if errors.Is(err, session.ErrStoreUnavailable) {
				writeError(w, r, http.StatusServiceUnavailable, "temporarily unavailable")
				return
			}
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
