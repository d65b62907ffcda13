package config

import (
	"testing"
	"time"
)

func TestEnvStr(t *testing.T) {
	t.Setenv("TEST_STR", "hello")
	if v := envStr("TEST_STR", "fallback"); v != "hello" {
		t.Fatalf("expected hello, got %s", v)
	}
	if v := envStr("TEST_STR_MISSING", "fallback"); v != "fallback" {
		t.Fatalf("expected fallback, got %s", v)
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7 for invalid value, got %d", v)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	if v := envDuration("TEST_DUR_BAD", time.Minute); v != time.Minute {
		t.Fatalf("expected fallback 1m for invalid value, got %s", v)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.DailyRunQuota != 5 {
		t.Fatalf("expected default daily quota 5, got %d", cfg.DailyRunQuota)
	}
	if cfg.RunTimeout != 3*time.Minute {
		t.Fatalf("expected default run timeout 3m, got %s", cfg.RunTimeout)
	}
}

func TestValidate(t *testing.T) {
	base, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	bad := base
	bad.DatabaseURL = ""
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for empty DATABASE_URL")
	}

	bad = base
	bad.DailyRunQuota = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for zero daily quota")
	}

	bad = base
	bad.EmbeddingDimensions = -1
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for negative embedding dimensions")
	}
}
