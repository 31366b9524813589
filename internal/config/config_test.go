package config

import (
	"strings"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LOOM_ENV", "development")
	t.Setenv("LOOM_ACCESS_SECRET", "access-secret-value")
	t.Setenv("LOOM_REFRESH_SECRET", "refresh-secret-value")
	t.Setenv("LOOM_ENCRYPTION_KEYS", "1:"+strings.Repeat("k", 32))
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr == "" {
		t.Fatal("HTTPAddr must have a default")
	}
	if cfg.AccessTTL != 10*time.Minute {
		t.Fatalf("AccessTTL = %v", cfg.AccessTTL)
	}
	if cfg.RefreshTTL != 168*time.Hour {
		t.Fatalf("RefreshTTL = %v", cfg.RefreshTTL)
	}
	if cfg.Production() {
		t.Fatal("development env must not report production")
	}
}

func TestLoadRejectsEqualSecrets(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("LOOM_REFRESH_SECRET", "access-secret-value")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for identical signing secrets")
	}
}

func TestLoadRequiresDSNInProduction(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("LOOM_ENV", "production")
	t.Setenv("LOOM_PG_DSN", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing DSN in production")
	}
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("LOOM_ACCESS_TTL", "5m")
	t.Setenv("LOOM_RATE_LIMIT", "25")
	t.Setenv("LOOM_RATE_WINDOW", "30s")
	t.Setenv("LOOM_HTTP_RATE_BURST", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AccessTTL != 5*time.Minute || cfg.RateLimit != 25 || cfg.RateWindow != 30*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.HTTPRateBurst != 10 || cfg.HTTPRateRPS != 30 {
		t.Fatalf("transport limits not applied: %+v", cfg)
	}
}

func TestLoadRejectsZeroTransportLimit(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("LOOM_HTTP_RATE_RPS", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero transport rate limit")
	}
}
