package secrets

import (
	"regexp"
	"strings"
	"unicode"
)

// Redacted replaces sensitive values in sanitized output.
const Redacted = "[REDACTED]"

// Substrings that mark a key as sensitive wherever they occur.
var sensitiveSubstrings = []string{
	"password", "passwd", "secret", "credential",
	"apikey", "api_key", "api-key",
	"private_key", "privatekey", "access_key", "accesskey",
	"auth_token", "authtoken", "access_token", "accesstoken",
}

// Key segments (split on punctuation) that mark a key as sensitive.
var sensitiveSegments = map[string]bool{
	"pwd": true, "pass": true, "token": true, "key": true, "auth": true,
	"authorization": true, "bearer": true, "cookie": true, "session": true,
}

// IsSensitiveKey reports whether a map key names a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	for _, seg := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if sensitiveSegments[seg] {
			return true
		}
	}
	return false
}

// SensitiveKeys returns the keys of m that IsSensitiveKey flags.
func SensitiveKeys(m map[string]any) []string {
	var keys []string
	for k := range m {
		if IsSensitiveKey(k) {
			keys = append(keys, k)
		}
	}
	return keys
}

// SanitizeMap returns a copy of m with the values of sensitive keys replaced
// by Redacted, recursing into nested maps and lists.
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return SanitizeMap(t)
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, m := range t {
			out[i] = SanitizeMap(m)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e)
		}
		return out
	case string:
		return SanitizeString(t)
	default:
		return v
	}
}

type redaction struct {
	re   *regexp.Regexp
	repl string
}

// Applied in order: header and URL forms first so the generic assignment
// rule does not swallow the scheme word.
var redactions = []redaction{
	{regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.\-]*://[^:/\s@]+):[^@\s/]+@`), "${1}:" + Redacted + "@"},
	{regexp.MustCompile(`(?i)\b(bearer\s+)[A-Za-z0-9\-._~+/]+=*`), "${1}" + Redacted},
	{regexp.MustCompile(`(?i)\b(basic\s+)[A-Za-z0-9+/]{8,}=*`), "${1}" + Redacted},
	{regexp.MustCompile(`(?i)\b([a-z0-9_\-]*?(?:password|passwd|pwd|secret|token|api[_\-]?key|access[_\-]?key|private[_\-]?key|credential)[a-z0-9_\-]*)(["']?\s*[=:]\s*)("[^"]*"|'[^']*'|[^\s,;&"'\[]+)`), "${1}${2}" + Redacted},
	{regexp.MustCompile(`\b(?:sk-ant-[A-Za-z0-9\-_]{8,}|sk-[A-Za-z0-9\-_]{16,}|ghp_[A-Za-z0-9]{20,}|gho_[A-Za-z0-9]{20,}|github_pat_[A-Za-z0-9_]{20,}|xox[bpas]-[A-Za-z0-9\-]{10,}|AKIA[0-9A-Z]{16}|AIza[0-9A-Za-z\-_]{35})`), Redacted},
}

// SanitizeString redacts credential-shaped substrings: key=value and
// key: value assignments, Bearer and Basic credentials, URL passwords and
// well-known API key prefixes. It is a heuristic for logs and error text.
func SanitizeString(s string) string {
	if s == "" {
		return s
	}
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}
