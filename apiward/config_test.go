package apiward

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	raw := `
base_url: https://api.example.com
api_version: "2025-06"
csrf_ttl_s: 1800
rate_limits:
  login:
    limit: 5
    window_ms: 60000
  default:
    limit: 100
    window_ms: 60000
retry:
  max_attempts: 4
  base_delay_ms: 500
  multiplier: 2.0
sanitize_rules:
  - pattern: email
    kind: email
  - pattern: (avatar|photo)_url
    kind: url
`

	path := filepath.Join(t.TempDir(), "apiward.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.BaseURL != "https://api.example.com" {
		t.Errorf("unexpected base url: %q", cfg.BaseURL)
	}
	if cfg.CSRFTTLSeconds != 1800 {
		t.Errorf("unexpected csrf ttl: %d", cfg.CSRFTTLSeconds)
	}

	login := cfg.RateLimits["login"]
	if login.Limit != 5 || login.Window() != time.Minute {
		t.Errorf("unexpected login rule: %+v", login)
	}

	if cfg.Retry.MaxAttempts != 4 || cfg.Retry.BaseDelay() != 500*time.Millisecond || cfg.Retry.Multiplier != 2.0 {
		t.Errorf("unexpected retry policy: %+v", cfg.Retry)
	}

	if len(cfg.SanitizeRules) != 2 || cfg.SanitizeRules[1].Kind != "url" {
		t.Errorf("unexpected sanitize rules: %+v", cfg.SanitizeRules)
	}

	if err := cfg.validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("base_url: [unclosed"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{BaseURL: "https://api.example.com/"}
	cfg.applyDefaults()

	if cfg.CSRFTTLSeconds != 3600 {
		t.Errorf("unexpected csrf ttl default: %d", cfg.CSRFTTLSeconds)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay() != time.Second || cfg.Retry.Multiplier != 2.0 {
		t.Errorf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.normalizedBaseURL() != "https://api.example.com" {
		t.Errorf("trailing slash not trimmed: %q", cfg.normalizedBaseURL())
	}
}
