package apiward

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines the static configuration of a Client.
//
// BaseURL is required; every other field has a safe default. Durations are
// expressed in milliseconds (or seconds for the CSRF TTL) so configuration
// files stay plain scalars. The struct is validated strictly by New and is
// treated as immutable after construction.
type Config struct {
	// BaseURL points at the API origin, e.g. "https://api.example.com".
	// A trailing slash is trimmed.
	BaseURL string `yaml:"base_url"`

	// APIVersion is sent verbatim in the X-API-Version header.
	APIVersion string `yaml:"api_version"`

	// CSRFTTLSeconds bounds the lifetime of a minted CSRF token.
	// Defaults to 3600.
	CSRFTTLSeconds int64 `yaml:"csrf_ttl_s"`

	// RateLimits maps endpoint keys to their admission window. Keys not
	// present here fall back to the "default" rule, or the built-in
	// 60/minute window if no "default" rule is configured.
	RateLimits map[string]RateRule `yaml:"rate_limits"`

	// Retry governs backoff for transient failures.
	Retry RetryPolicy `yaml:"retry"`

	// SanitizeRules classify payload fields by name. Rules are evaluated
	// in order; the first matching pattern wins. Fields matching no rule
	// are treated as plain text.
	SanitizeRules []SanitizeRule `yaml:"sanitize_rules"`
}

// RateRule is one sliding-window admission rule.
type RateRule struct {
	Limit    int   `yaml:"limit"`
	WindowMs int64 `yaml:"window_ms"`
}

// Window returns the rule's window length as a duration.
func (r RateRule) Window() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

// RetryPolicy configures exponential backoff for transient failures.
//
// Attempt n (1-based) waits BaseDelay * Multiplier^(n-1) plus jitter before
// being re-dispatched. MaxAttempts counts dispatches, not waits: 3 attempts
// means at most 2 backoff sleeps.
type RetryPolicy struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelayMs int64   `yaml:"base_delay_ms"`
	Multiplier  float64 `yaml:"multiplier"`
}

// BaseDelay returns the first backoff delay as a duration.
func (p RetryPolicy) BaseDelay() time.Duration {
	return time.Duration(p.BaseDelayMs) * time.Millisecond
}

// SanitizeRule binds a field-name pattern to a sanitizer kind.
//
// Pattern is a case-insensitive regular expression matched against the field
// name. Kind must be one of "email", "url", "phone", "html", "filename" or
// "text".
type SanitizeRule struct {
	Pattern string `yaml:"pattern"`
	Kind    string `yaml:"kind"`
}

// LoadConfig reads a YAML configuration file into a Config.
//
// The result is not validated here; New performs strict validation so that
// programmatic and file-based configuration go through the same checks.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("apiward: read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("apiward: parse config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.CSRFTTLSeconds <= 0 {
		c.CSRFTTLSeconds = int64(defaultCSRFTTL / time.Second)
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = defaultRetryAttempts
	}
	if c.Retry.BaseDelayMs <= 0 {
		c.Retry.BaseDelayMs = int64(defaultRetryBaseDelay / time.Millisecond)
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = defaultRetryMult
	}
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return errors.New("apiward: base url is required")
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("apiward: invalid base url %q", c.BaseURL)
	}

	for key, rule := range c.RateLimits {
		if rule.Limit <= 0 {
			return fmt.Errorf("apiward: rate limit for %q must be positive", key)
		}
		if rule.WindowMs <= 0 {
			return fmt.Errorf("apiward: rate window for %q must be positive", key)
		}
	}

	for i, rule := range c.SanitizeRules {
		if _, err := regexp.Compile("(?i)" + rule.Pattern); err != nil {
			return fmt.Errorf("apiward: sanitize rule %d: bad pattern %q: %w", i, rule.Pattern, err)
		}
		if _, ok := parseSanitizeKind(rule.Kind); !ok {
			return fmt.Errorf("apiward: sanitize rule %d: unknown kind %q", i, rule.Kind)
		}
	}

	return nil
}

// normalizedBaseURL returns the base URL without a trailing slash.
func (c *Config) normalizedBaseURL() string {
	return strings.TrimRight(c.BaseURL, "/")
}
