// Package sandbox confines user-supplied paths to a base directory.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrPathTraversal is matched by every *TraversalError.
	ErrPathTraversal = errors.New("path traversal rejected")
	// ErrInvalidBase is returned by New when the base is not an existing directory.
	ErrInvalidBase = errors.New("invalid sandbox base directory")
)

// TraversalError reports a path that was rejected and why.
type TraversalError struct {
	Path   string
	Reason string
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPathTraversal.Error(), e.Reason)
}

func (e *TraversalError) Unwrap() error { return ErrPathTraversal }

// traversalSignatures are rejected wherever they appear, case-insensitively.
var traversalSignatures = []string{
	"..",
	"../",
	`..\`,
	"%2e%2e%2f",
	"%2e%2e/",
	"..%2f",
	"%252e%252e%252f",
	"%2e%2e%5c",
	"..%5c",
	"%252e%252e%255c",
}

var windowsAbs = regexp.MustCompile(`^[A-Za-z]:[\\/]`)

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithAllowAbsolute permits absolute paths. They must still resolve inside the base.
func WithAllowAbsolute(allow bool) Option {
	return func(s *Sandbox) { s.allowAbsolute = allow }
}

// Sandbox validates and resolves paths relative to a fixed base directory.
// It holds no mutable state and is safe for concurrent use.
type Sandbox struct {
	base          string
	allowAbsolute bool
}

// New creates a Sandbox rooted at baseDir, which must exist and be a directory.
func New(baseDir string, opts ...Option) (*Sandbox, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidBase)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidBase, baseDir)
	}
	s := &Sandbox{base: resolved}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Base returns the resolved base directory.
func (s *Sandbox) Base() string { return s.base }

// Validate checks p without touching the filesystem. It returns false and a
// reason for empty paths, control characters, traversal signatures and,
// unless allowed, absolute paths.
func (s *Sandbox) Validate(p string) (bool, string) {
	if strings.TrimSpace(p) == "" {
		return false, "empty path"
	}
	if reason := checkRaw(p); reason != "" {
		return false, reason
	}
	lower := strings.ToLower(p)
	for _, sig := range traversalSignatures {
		if strings.Contains(lower, sig) {
			return false, fmt.Sprintf("traversal sequence %q", sig)
		}
	}
	if !s.allowAbsolute && isAbsolute(p) {
		return false, "absolute paths not allowed"
	}
	return true, ""
}

// checkRaw rejects what no normalization can make safe: control characters
// and percent-encoded traversal.
func checkRaw(p string) string {
	if strings.ContainsAny(p, "\x00\r\n") {
		return "control character in path"
	}
	lower := strings.ToLower(p)
	for _, sig := range traversalSignatures {
		if strings.Contains(sig, "%") && strings.Contains(lower, sig) {
			return fmt.Sprintf("encoded traversal sequence %q", sig)
		}
	}
	return ""
}

func isAbsolute(p string) bool {
	return strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\\`) || windowsAbs.MatchString(p)
}

// Sanitize normalizes p and returns it relative to the base, in slash form.
// Inner ".." segments that stay inside the base are folded away, so
// "subdir/../file.txt" becomes "file.txt"; anything that escapes the base,
// directly or through a symlink, is a *TraversalError.
func (s *Sandbox) Sanitize(p string) (string, error) {
	raw := strings.TrimSpace(p)
	if raw == "" {
		return "", &TraversalError{Path: p, Reason: "empty path"}
	}
	if reason := checkRaw(raw); reason != "" {
		return "", &TraversalError{Path: p, Reason: reason}
	}

	slashed := strings.ReplaceAll(raw, `\`, "/")
	var rel string
	if isAbsolute(raw) {
		if !s.allowAbsolute {
			return "", &TraversalError{Path: p, Reason: "absolute paths not allowed"}
		}
		abs := filepath.Clean(filepath.FromSlash(slashed))
		r, err := filepath.Rel(s.base, abs)
		if err != nil {
			return "", &TraversalError{Path: p, Reason: "path outside sandbox"}
		}
		rel = filepath.ToSlash(r)
	} else {
		rel = path.Clean(strings.TrimLeft(slashed, "/"))
	}

	if rel == "." || rel == "" {
		return "", &TraversalError{Path: p, Reason: "path resolves to sandbox root"}
	}
	if ok, reason := s.Validate(rel); !ok {
		return "", &TraversalError{Path: p, Reason: reason}
	}

	candidate := filepath.Join(s.base, filepath.FromSlash(rel))
	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", p, err)
	}
	if !s.contains(resolved) {
		return "", &TraversalError{Path: p, Reason: "path escapes sandbox"}
	}
	return rel, nil
}

// SafePath sanitizes p and returns the absolute path under the base. With
// createParents the parent directory is created.
func (s *Sandbox) SafePath(p string, createParents bool) (string, error) {
	rel, err := s.Sanitize(p)
	if err != nil {
		return "", err
	}
	full := filepath.Join(s.base, filepath.FromSlash(rel))
	if createParents {
		if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
			return "", fmt.Errorf("create parent of %q: %w", rel, err)
		}
	}
	return full, nil
}

func (s *Sandbox) contains(p string) bool {
	return p == s.base || strings.HasPrefix(p, s.base+string(filepath.Separator))
}

// resolveExisting follows symlinks on the longest existing prefix of p and
// appends the not-yet-existing remainder.
func resolveExisting(p string) (string, error) {
	existing := p
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{resolved}, rest...)...), nil
}
