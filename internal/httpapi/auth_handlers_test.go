package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestRegisterLoginRefreshFlow(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	// register
	resp := postJSON(t, srv.URL+"/v1/auth/register", map[string]any{
		"email":    "alice@example.com",
		"name":     "Alice",
		"password": "s3cret-password",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: status %d", resp.StatusCode)
	}
	var reg struct {
		UserID string            `json:"user_id"`
		Tokens tokenPairResponse `json:"tokens"`
	}
	decodeBody(t, resp, &reg)
	if reg.UserID == "" || reg.Tokens.RefreshToken == "" {
		t.Fatalf("incomplete register response: %+v", reg)
	}

	// duplicate register
	resp = postJSON(t, srv.URL+"/v1/auth/register", map[string]any{
		"email":    "alice@example.com",
		"name":     "Alice",
		"password": "s3cret-password",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register: status %d", resp.StatusCode)
	}

	// login
	resp = postJSON(t, srv.URL+"/v1/auth/login", map[string]any{
		"email":    "alice@example.com",
		"password": "s3cret-password",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status %d", resp.StatusCode)
	}
	var pair tokenPairResponse
	decodeBody(t, resp, &pair)

	// authorized request
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/auth/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	authResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	var sessions struct {
		Sessions []sessionResponse `json:"sessions"`
	}
	decodeBody(t, authResp, &sessions)
	if authResp.StatusCode != http.StatusOK || len(sessions.Sessions) != 2 {
		t.Fatalf("sessions: status %d, %d sessions", authResp.StatusCode, len(sessions.Sessions))
	}

	// refresh rotates
	resp = postJSON(t, srv.URL+"/v1/auth/refresh", map[string]any{"refresh_token": pair.RefreshToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: status %d", resp.StatusCode)
	}
	var rotated tokenPairResponse
	decodeBody(t, resp, &rotated)
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh must rotate the token")
	}

	// replaying the consumed token is a uniform 401
	resp = postJSON(t, srv.URL+"/v1/auth/refresh", map[string]any{"refresh_token": pair.RefreshToken})
	var failure struct {
		Error string `json:"error"`
	}
	decodeBody(t, resp, &failure)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replay: status %d", resp.StatusCode)
	}
	if failure.Error != "invalid credentials" {
		t.Fatalf("replay must not explain itself, got %q", failure.Error)
	}
}

func TestLoginFailureIsUniform(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	for _, body := range []map[string]any{
		{"email": "ghost@example.com", "password": "whatever-123"},
		{"email": "", "password": ""},
	} {
		resp := postJSON(t, srv.URL+"/v1/auth/login", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("login %v: status %d", body, resp.StatusCode)
		}
	}
}

func TestLogoutIsIdempotentOverHTTP(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/auth/register", map[string]any{
		"email":    "bob@example.com",
		"password": "s3cret-password",
	})
	var reg struct {
		UserID string            `json:"user_id"`
		Tokens tokenPairResponse `json:"tokens"`
	}
	decodeBody(t, resp, &reg)

	for i := 0; i < 2; i++ {
		resp := postJSON(t, srv.URL+"/v1/auth/logout", map[string]any{"refresh_token": reg.Tokens.RefreshToken})
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("logout %d: status %d", i, resp.StatusCode)
		}
	}
}

func TestRegisterValidation(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	cases := []map[string]any{
		{"email": "not-an-email", "password": "s3cret-password"},
		{"email": "ok@example.com", "password": "short"},
		{"email": "", "password": ""},
	}
	for _, body := range cases {
		resp := postJSON(t, srv.URL+"/v1/auth/register", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("register %v: status %d", body, resp.StatusCode)
		}
	}
}
