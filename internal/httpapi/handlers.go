package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"loomchat.org/internal/admin"
	"loomchat.org/internal/obs"
	"loomchat.org/internal/ratelimit"
	"loomchat.org/internal/secretbox"
	"loomchat.org/internal/session"
)

// ReadyProbe reports whether backing services answer (e.g. a DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the handler-level knobs.
type Config struct {
	Version string

	// Identity-keyed limits applied to the credential endpoints.
	RateLimit  int64
	RateWindow time.Duration

	// At-rest encryption codec backing the envelope rotation endpoint.
	Codec *secretbox.Codec
}

// API is the HTTP layer over the session and admin services.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	sessions   *session.Service
	admins     *admin.Service
	limiter    *ratelimit.Limiter
	cfg        Config
}

func New(rp ReadyProbe, sessions *session.Service, admins *admin.Service, limiter *ratelimit.Limiter, cfg Config) *API {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		sessions:   sessions,
		admins:     admins,
		limiter:    limiter,
		cfg:        cfg,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// credential lifecycle
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/password", a.handleChangePassword)
	a.mux.HandleFunc("/v1/auth/sessions", a.handleSessions)

	// privileged operations
	a.mux.HandleFunc("/v1/admin/users/ban", a.handleBan)
	a.mux.HandleFunc("/v1/admin/users/role", a.handleRole)
	a.mux.HandleFunc("/v1/admin/audit", a.handleAuditQuery)
	a.mux.HandleFunc("/v1/admin/audit/export", a.handleAuditExport)
	a.mux.HandleFunc("/v1/admin/anomalies", a.handleAnomalies)
	a.mux.HandleFunc("/v1/admin/encryption/rotate", a.handleEncryptionRotate)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the instrumented handler chain for the server.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "loomchat-api",
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "loomchat-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.cfg.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
