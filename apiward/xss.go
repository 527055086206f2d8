package apiward

import (
	"html"
	"net/url"
	"regexp"
	"strings"
)

// Fixed signature set for Detect. These are telemetry heuristics, not the
// defense itself: escaping and allow-list sanitization are what make output
// safe.
var xssSignatures = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script\b`),
	regexp.MustCompile(`(?i)<\s*/\s*script\s*>`),
	regexp.MustCompile(`(?i)\bon[a-z]+\s*=`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
	regexp.MustCompile(`(?i)<\s*iframe\b`),
	regexp.MustCompile(`(?i)<\s*object\b`),
	regexp.MustCompile(`(?i)<\s*embed\b`),
}

// Escape HTML-entity-encodes the five characters that can break out of text
// context: & < > " '. Apply it exactly once per render path; SafeText exists
// to make the "exactly once" part hard to get wrong.
func Escape(text string) string {
	return html.EscapeString(text)
}

// Detect reports whether text matches any known injection signature. It is
// meant for logging and telemetry, never as the sole defense.
func Detect(text string) bool {
	for _, re := range xssSignatures {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// SafeURL returns text if it parses as a URL with an allowed scheme and
// carries no injection signatures. Otherwise it returns "" and false.
func SafeURL(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if Detect(trimmed) {
		return "", false
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "mailto":
		return trimmed, true
	}
	return "", false
}

// SafeText is an untrusted string captured in its escaped form. Constructing
// it escapes once; rendering it never escapes again.
type SafeText struct {
	escaped string
}

// NewSafeText escapes text for rendering in an HTML text context.
func NewSafeText(text string) SafeText {
	return SafeText{escaped: Escape(text)}
}

// String returns the escaped form. Safe to interpolate into HTML text
// context as-is.
func (t SafeText) String() string {
	return t.escaped
}

// SafeHTML is markup that has already passed the allow-list HTML sanitizer.
// There is no way to construct a non-empty SafeHTML from a raw untrusted
// string.
type SafeHTML string

// AsSafeHTML accepts only strings that are a fixed point of the allow-list
// sanitizer, i.e. strings the Sanitizer's html path has already produced.
// Anything else is rejected.
func AsSafeHTML(s string) (SafeHTML, bool) {
	if ugcPolicy.Sanitize(s) != s {
		return "", false
	}
	return SafeHTML(s), true
}

// String returns the sanitized markup.
func (h SafeHTML) String() string {
	return string(h)
}
