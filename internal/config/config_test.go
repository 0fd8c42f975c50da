package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "high")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="high" is not a valid number` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " whatsapp, ,email ")
	got := envList("TEST_LIST", nil)
	if len(got) != 2 || got[0] != "whatsapp" || got[1] != "email" {
		t.Fatalf("unexpected list: %v", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("DENGON_HEALTH_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid DENGON_HEALTH_PORT")
	}
	if got := err.Error(); !strings.Contains(got, "DENGON_HEALTH_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention DENGON_HEALTH_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("DENGON_HEALTH_PORT", "abc")
	t.Setenv("SMTP_PORT", "xyz")
	t.Setenv("DENGON_CLAIM_TIMEOUT", "soon")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	for _, key := range []string{"DENGON_HEALTH_PORT", "SMTP_PORT", "DENGON_CLAIM_TIMEOUT"} {
		if !strings.Contains(got, key) {
			t.Fatalf("error should mention %s, got: %s", key, got)
		}
	}
}

func TestLoadRejectsUnknownBus(t *testing.T) {
	t.Setenv("DENGON_BUS", "kafka")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "DENGON_BUS") {
		t.Fatalf("expected DENGON_BUS validation error, got: %v", err)
	}
}

func TestLoadRejectsNonPositiveMaxAttempts(t *testing.T) {
	t.Setenv("DENGON_MAX_ATTEMPTS", "0")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "DENGON_MAX_ATTEMPTS") {
		t.Fatalf("expected DENGON_MAX_ATTEMPTS validation error, got: %v", err)
	}
}

func TestLoadRejectsClaimTimeoutBelowCallTimeouts(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"claim equals model timeout", map[string]string{"DENGON_CLAIM_TIMEOUT": "45s", "DENGON_MODEL_TIMEOUT": "45s"}},
		{"claim below model timeout", map[string]string{"DENGON_CLAIM_TIMEOUT": "30s"}},
		{"claim below send timeout", map[string]string{"DENGON_CLAIM_TIMEOUT": "50s", "DENGON_MODEL_TIMEOUT": "10s", "DENGON_SEND_TIMEOUT": "55s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), "DENGON_CLAIM_TIMEOUT") {
				t.Fatalf("expected DENGON_CLAIM_TIMEOUT validation error, got: %v", err)
			}
		})
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.HealthPort != 8081 {
		t.Fatalf("expected default health port 8081, got %d", cfg.HealthPort)
	}
	if cfg.Bus != "redis" || cfg.StreamPrefix != "dengon" {
		t.Fatalf("unexpected bus defaults: %q %q", cfg.Bus, cfg.StreamPrefix)
	}
	if cfg.MaxAttempts != 5 || cfg.ClaimTimeout != 60*time.Second {
		t.Fatalf("unexpected retry defaults: %d %s", cfg.MaxAttempts, cfg.ClaimTimeout)
	}
}
