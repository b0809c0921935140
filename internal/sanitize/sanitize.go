// Package sanitize scrubs sensitive values from log output and tool results,
// and confines filesystem paths to their owning directories.
// Patterns use Go's RE2 engine for guaranteed linear-time matching; a
// Sanitizer is built once at startup and is safe for concurrent use.
package sanitize

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Redacted is the replacement marker for matched values and denied keys.
const Redacted = "[REDACTED]"

// builtinPatterns are always active regardless of configuration.
var builtinPatterns = []struct {
	name    string
	pattern string
}{
	{name: "telegram-bot-token", pattern: `\b\d{8,10}:[A-Za-z0-9_-]{35}\b`},
	{name: "bearer-token", pattern: `Bearer [A-Za-z0-9\-._~+/]+=*`},
	{name: "basic-auth", pattern: `Basic [A-Za-z0-9+/]+=*`},
	{name: "jwt", pattern: `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]+`},
	{name: "aws-key", pattern: `AKIA[0-9A-Z]{16}`},
	{name: "github-pat", pattern: `(ghp_[A-Za-z0-9]{36,}|github_pat_[A-Za-z0-9_]{36,})`},
	{name: "private-key", pattern: `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`},
	{name: "api-key-assignment", pattern: `(?i)(api[_-]?key|apikey|secret[_-]?key|bot[_-]?token)\s*[:=]\s*\S+`},
}

// defaultRedactKeys are map keys whose values are always replaced wholesale.
var defaultRedactKeys = []string{
	"token", "bot_token", "api_key", "apikey", "secret", "password",
	"authorization", "auth", "credential", "credentials", "private_key",
}

type compiledPattern struct {
	name  string
	regex *regexp.Regexp
}

// Sanitizer applies redaction patterns to strings and nested maps.
type Sanitizer struct {
	patterns   []compiledPattern
	redactKeys map[string]struct{}
}

// Option configures a Sanitizer.
type Option func(*Sanitizer)

// WithPatterns adds custom regex patterns on top of the built-ins.
// Invalid expressions are skipped.
func WithPatterns(patterns map[string]string) Option {
	return func(s *Sanitizer) {
		for name, expr := range patterns {
			re, err := regexp.Compile(expr)
			if err != nil {
				continue
			}
			s.patterns = append(s.patterns, compiledPattern{name: name, regex: re})
		}
	}
}

// WithRedactKeys adds map keys (case-insensitive) whose values are replaced
// entirely, in addition to the default key set.
func WithRedactKeys(keys ...string) Option {
	return func(s *Sanitizer) {
		for _, k := range keys {
			s.redactKeys[strings.ToLower(k)] = struct{}{}
		}
	}
}

// New builds a Sanitizer with the built-in patterns and default redact keys.
func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{redactKeys: make(map[string]struct{}, len(defaultRedactKeys))}
	for _, bp := range builtinPatterns {
		re, err := regexp.Compile(bp.pattern)
		if err != nil {
			continue
		}
		s.patterns = append(s.patterns, compiledPattern{name: bp.name, regex: re})
	}
	for _, k := range defaultRedactKeys {
		s.redactKeys[k] = struct{}{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Text replaces every pattern match in s with the redaction marker.
func (sn *Sanitizer) Text(s string) string {
	for _, p := range sn.patterns {
		s = p.regex.ReplaceAllString(s, Redacted)
	}
	return s
}

// DeniedKey reports whether a map key's value must be replaced wholesale.
func (sn *Sanitizer) DeniedKey(key string) bool {
	_, ok := sn.redactKeys[strings.ToLower(key)]
	return ok
}

// Map returns a sanitized deep copy of m. Values under denied keys become the
// redaction marker; string values elsewhere are pattern-scrubbed. The input
// map is never mutated.
func (sn *Sanitizer) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sn.DeniedKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = sn.Value(v)
	}
	return out
}

// Value sanitizes a single value, recursing into maps and slices.
func (sn *Sanitizer) Value(v any) any {
	switch t := v.(type) {
	case string:
		return sn.Text(t)
	case map[string]any:
		return sn.Map(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sn.Value(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, e := range t {
			out[i] = sn.Text(e)
		}
		return out
	default:
		return v
	}
}

// ExpandHome replaces a leading "~/" with the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// ConfinePath normalizes rel against base and rejects any result escaping
// base. It is the guard for every externally supplied filename.
func ConfinePath(base, rel string) (string, error) {
	cleanBase := filepath.Clean(ExpandHome(base))
	candidate := rel
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(cleanBase, candidate)
	}
	candidate = filepath.Clean(ExpandHome(candidate))
	if candidate != cleanBase && !strings.HasPrefix(candidate, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %q", rel, base)
	}
	return candidate, nil
}

// SafeFilename reports whether name is a plain filename: no separators, no
// parent references, not hidden.
func SafeFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return !strings.HasPrefix(name, ".")
}
