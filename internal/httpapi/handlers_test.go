package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"loomchat.org/internal/audit"
	"loomchat.org/internal/identity"
	"loomchat.org/internal/rbac"
	"loomchat.org/internal/session"
	"loomchat.org/internal/token"
)

// In-memory stores backing the handler tests.

type memUsers struct {
	mu   sync.Mutex
	byID map[string]*identity.User
	seq  int
}

func newMemUsers() *memUsers { return &memUsers{byID: map[string]*identity.User{}} }

func (m *memUsers) Create(ctx context.Context, u *identity.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.byID {
		if e.Email == u.Email {
			return identity.ErrAlreadyExists
		}
	}
	m.seq++
	if u.ID == "" {
		u.ID = fmt.Sprintf("u%03d", m.seq)
	}
	dup := *u
	m.byID[u.ID] = &dup
	return nil
}

func (m *memUsers) Find(ctx context.Context, id string) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	dup := *u
	return &dup, nil
}

func (m *memUsers) FindByEmail(ctx context.Context, email string) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Email == email {
			dup := *u
			return &dup, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (m *memUsers) SetBanned(ctx context.Context, id string, banned bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return 0, identity.ErrNotFound
	}
	u.Banned = banned
	u.TokenVersion++
	return u.TokenVersion, nil
}

func (m *memUsers) SetRole(ctx context.Context, id string, role rbac.Role) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return 0, identity.ErrNotFound
	}
	u.Role = role
	u.TokenVersion++
	return u.TokenVersion, nil
}

func (m *memUsers) UpdatePassword(ctx context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return identity.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (m *memUsers) BumpTokenVersion(ctx context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return 0, identity.ErrNotFound
	}
	u.TokenVersion++
	return u.TokenVersion, nil
}

type memSessions struct {
	mu     sync.Mutex
	byHash map[string]*session.Session
}

func newMemSessions() *memSessions { return &memSessions{byHash: map[string]*session.Session{}} }

func (m *memSessions) Create(ctx context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dup := *s
	m.byHash[s.TokenHash] = &dup
	return nil
}

func (m *memSessions) FindByTokenHash(ctx context.Context, hash string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byHash[hash]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	dup := *s
	return &dup, nil
}

func (m *memSessions) Rotate(ctx context.Context, oldHash string, next *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byHash[oldHash]; !ok {
		return session.ErrSessionNotFound
	}
	delete(m.byHash, oldHash)
	dup := *next
	m.byHash[next.TokenHash] = &dup
	return nil
}

func (m *memSessions) Delete(ctx context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byHash, hash)
	return nil
}

func (m *memSessions) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, s := range m.byHash {
		if s.UserID == userID {
			delete(m.byHash, h)
			n++
		}
	}
	return n, nil
}

func (m *memSessions) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, s := range m.byHash {
		if !now.Before(s.ExpiresAt) {
			delete(m.byHash, h)
			n++
		}
	}
	return n, nil
}

func (m *memSessions) ListByUser(ctx context.Context, userID string) ([]*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*session.Session
	for _, s := range m.byHash {
		if s.UserID == userID {
			dup := *s
			out = append(out, &dup)
		}
	}
	return out, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (m *memAudit) Append(ctx context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dup := *e
	m.entries = append(m.entries, &dup)
	return nil
}

func (m *memAudit) Query(ctx context.Context, f audit.Filter) ([]*audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*audit.Entry(nil), m.entries...), nil
}

func newTestAPI(t *testing.T) (*API, *memUsers) {
	t.Helper()
	signer, err := token.NewSigner("access-secret-for-tests", "refresh-secret-for-tests")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	users := newMemUsers()
	svc := session.NewService(users, newMemSessions(), &memAudit{}, signer)
	return New(ReadyProbe{}, svc, nil, nil, Config{Version: "test"}), users
}

func TestHealthAndInfo(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestRootIs404(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	// unknown paths sit behind the auth wall
	resp, err = http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestLoginRequiresPost(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/auth/login")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != http.MethodPost {
		t.Fatalf("Allow = %q", allow)
	}
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
