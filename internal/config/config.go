// Package config centralizes environment configuration for the trust core.
// All variables share the LOOM_ prefix; development defaults are provided for
// everything except signing and encryption secrets, which are required.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the runtime configuration of the service.
type Config struct {
	Env      string // "production" or "development"
	HTTPAddr string

	// Postgres
	PostgresDSN string

	// Redis (shared counter store for the rate limiter)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Credential signing. Access and refresh secrets are independent so that
	// compromise of one cannot forge the other.
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration

	// Versioned encryption keys, e.g. "1:<32 bytes>,2:<32 bytes>".
	// The highest version is the current one.
	EncryptionKeys string

	// Default request budget per identity.
	RateLimit  int
	RateWindow time.Duration

	// Transport-level per-IP flood guard (token bucket at the HTTP edge).
	HTTPRateBurst int
	HTTPRateRPS   int

	StoreTimeout    time.Duration
	SessionSweepGap time.Duration
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		Env:             getenv("LOOM_ENV", "development"),
		HTTPAddr:        getenv("LOOM_HTTP_ADDR", ":8080"),
		PostgresDSN:     os.Getenv("LOOM_PG_DSN"),
		RedisAddr:       getenv("LOOM_REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("LOOM_REDIS_PASSWORD"),
		RedisDB:         getint("LOOM_REDIS_DB", 0),
		AccessSecret:    os.Getenv("LOOM_ACCESS_SECRET"),
		RefreshSecret:   os.Getenv("LOOM_REFRESH_SECRET"),
		AccessTTL:       getduration("LOOM_ACCESS_TTL", 10*time.Minute),
		RefreshTTL:      getduration("LOOM_REFRESH_TTL", 7*24*time.Hour),
		EncryptionKeys:  os.Getenv("LOOM_ENCRYPTION_KEYS"),
		RateLimit:       getint("LOOM_RATE_LIMIT", 100),
		RateWindow:      getduration("LOOM_RATE_WINDOW", time.Minute),
		HTTPRateBurst:   getint("LOOM_HTTP_RATE_BURST", 60),
		HTTPRateRPS:     getint("LOOM_HTTP_RATE_RPS", 30),
		StoreTimeout:    getduration("LOOM_STORE_TIMEOUT", 5*time.Second),
		SessionSweepGap: getduration("LOOM_SESSION_SWEEP", time.Hour),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Production reports whether the service runs with production policies
// (fail-closed rate limiting, strict secrets).
func (c Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

func (c Config) validate() error {
	if c.AccessSecret == "" {
		return errors.New("config: LOOM_ACCESS_SECRET is required")
	}
	if c.RefreshSecret == "" {
		return errors.New("config: LOOM_REFRESH_SECRET is required")
	}
	if c.AccessSecret == c.RefreshSecret {
		return errors.New("config: access and refresh secrets must differ")
	}
	if c.EncryptionKeys == "" {
		return errors.New("config: LOOM_ENCRYPTION_KEYS is required")
	}
	if c.Production() && c.PostgresDSN == "" {
		return errors.New("config: LOOM_PG_DSN is required in production")
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("config: invalid rate limit %d", c.RateLimit)
	}
	if c.HTTPRateBurst <= 0 || c.HTTPRateRPS <= 0 {
		return fmt.Errorf("config: invalid transport rate limit %d burst / %d rps", c.HTTPRateBurst, c.HTTPRateRPS)
	}
	return nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getduration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
