package apiward

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
)

// Shared allow-list policies. UGC keeps harmless formatting markup and drops
// script/style elements, on* attributes and javascript: URLs; strict removes
// markup entirely, leaving plain text.
var (
	ugcPolicy    = bluemonday.UGCPolicy()
	strictPolicy = bluemonday.StrictPolicy()
)

type sanitizeKind int

const (
	kindText sanitizeKind = iota
	kindEmail
	kindURL
	kindPhone
	kindHTML
	kindFilename
)

func parseSanitizeKind(s string) (sanitizeKind, bool) {
	switch s {
	case "text":
		return kindText, true
	case "email":
		return kindEmail, true
	case "url":
		return kindURL, true
	case "phone":
		return kindPhone, true
	case "html":
		return kindHTML, true
	case "filename":
		return kindFilename, true
	}
	return kindText, false
}

// defaultSanitizeRules classify common field names when the configuration
// supplies no table of its own.
var defaultSanitizeRules = []SanitizeRule{
	{Pattern: `email`, Kind: "email"},
	{Pattern: `(url|link|website|homepage)`, Kind: "url"},
	{Pattern: `(phone|tel|mobile|fax)`, Kind: "phone"},
	{Pattern: `html`, Kind: "html"},
	{Pattern: `(file_?name|attachment)`, Kind: "filename"},
}

// Conservative email grammar: lowercase local part, dotted domain with a
// two-letter-or-longer TLD. Anything it rejects is cleared rather than sent.
var emailRe = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9\-]+(\.[a-z0-9\-]+)*\.[a-z]{2,}$`)

type compiledSanitizeRule struct {
	re   *regexp.Regexp
	kind sanitizeKind
}

// sanitizer rewrites outbound payloads field by field.
//
// Leaves that are strings are classified by their field name against the
// ordered rule table (first match wins) and transformed for that kind.
// The walk never fails: values that cannot be made safe degrade to an empty
// or nearest-safe value, and the downgrade is logged.
type sanitizer struct {
	rules  []compiledSanitizeRule
	logger *zap.Logger
}

func newSanitizer(rules []SanitizeRule, logger *zap.Logger) *sanitizer {
	if len(rules) == 0 {
		rules = defaultSanitizeRules
	}

	s := &sanitizer{logger: logger}
	for _, rule := range rules {
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			// Config validation compiles every pattern up front; a bad
			// pattern here can only come from the built-in table.
			continue
		}
		kind, _ := parseSanitizeKind(rule.Kind)
		s.rules = append(s.rules, compiledSanitizeRule{re: re, kind: kind})
	}
	return s
}

func (s *sanitizer) classify(field string) sanitizeKind {
	for _, rule := range s.rules {
		if rule.re.MatchString(field) {
			return rule.kind
		}
	}
	return kindText
}

// sanitize walks an arbitrary JSON-shaped value tree and returns a rewritten
// copy. Object keys are never transformed, but keys that would collide with
// prototype machinery on a JavaScript consumer are dropped before recursion.
func (s *sanitizer) sanitize(v any) any {
	return s.walk("", v)
}

func (s *sanitizer) walk(field string, v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if isPollutionKey(k) {
				s.logDowngrade(k, "dropped prototype-pollution key")
				continue
			}
			out[k] = s.walk(k, child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = s.walk(field, child)
		}
		return out
	case string:
		return s.transform(field, t)
	default:
		// Numbers, booleans, null and anything non-JSON-shaped pass
		// through untouched.
		return v
	}
}

func isPollutionKey(k string) bool {
	return k == "__proto__" || k == "constructor" || k == "prototype"
}

func (s *sanitizer) transform(field, value string) string {
	var out string

	switch s.classify(field) {
	case kindEmail:
		out = sanitizeEmail(value)
	case kindURL:
		out = sanitizeURL(value)
	case kindPhone:
		out = sanitizePhone(value)
	case kindHTML:
		out = ugcPolicy.Sanitize(value)
	case kindFilename:
		out = sanitizeFilename(value)
	default:
		out = strictPolicy.Sanitize(value)
	}

	if out != value {
		s.logDowngrade(field, "value rewritten to safe form")
	}
	return out
}

func sanitizeEmail(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if !emailRe.MatchString(v) {
		return ""
	}
	return v
}

func sanitizeURL(v string) string {
	trimmed := strings.TrimSpace(v)

	u, err := url.Parse(trimmed)
	if err != nil {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "mailto":
		return trimmed
	}
	return ""
}

func sanitizePhone(v string) string {
	var b strings.Builder
	for i, r := range v {
		switch {
		case r >= '0' && r <= '9', r == '-', r == '(', r == ')', r == ' ':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sanitizeFilename(v string) string {
	var b strings.Builder
	for _, r := range v {
		if r == '/' || r == '\\' || r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	for strings.Contains(out, "..") {
		out = strings.ReplaceAll(out, "..", "")
	}
	return out
}

func (s *sanitizer) logDowngrade(field, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Debug("sanitizer downgrade",
		zap.String("field", field),
		zap.String("reason", reason),
	)
}
