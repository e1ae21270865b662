// Package fsbackend implements the agent filesystem tools on the local disk.
// Every path an agent supplies goes through the sandbox before it touches the
// filesystem.
package fsbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/Strob0t/AgentDeck/internal/sandbox"
)

// DefaultMaxFileBytes caps how much of a file Read returns.
const DefaultMaxFileBytes = 256 << 10

var (
	// ErrNotFound is returned for missing files and directories.
	ErrNotFound = errors.New("no such file or directory")
	// ErrNoMatch is returned by Edit when the old text does not occur.
	ErrNoMatch = errors.New("old_string not found")
	// ErrAmbiguous is returned by Edit when the old text occurs more than once.
	ErrAmbiguous = errors.New("old_string is not unique")
	// ErrIsDirectory is returned when a file operation names a directory.
	ErrIsDirectory = errors.New("is a directory")
)

// Entry is one item of a directory listing.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Backend performs sandboxed file operations.
type Backend struct {
	sb           *sandbox.Sandbox
	maxFileBytes int64
}

// New creates a backend rooted at the sandbox base.
func New(sb *sandbox.Sandbox) *Backend {
	return &Backend{sb: sb, maxFileBytes: DefaultMaxFileBytes}
}

// Root returns the sandbox base directory.
func (b *Backend) Root() string { return b.sb.Base() }

// Read returns the file content, truncated to the size cap.
func (b *Backend) Read(_ context.Context, p string) (string, error) {
	full, err := b.sb.SafePath(p, false)
	if err != nil {
		return "", err
	}
	f, err := os.Open(full) //nolint:gosec // path validated by the sandbox
	if err != nil {
		return "", mapErr(p, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", mapErr(p, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s: %w", p, ErrIsDirectory)
	}
	data, err := io.ReadAll(io.LimitReader(f, b.maxFileBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p, err)
	}
	return string(data), nil
}

// Write creates or replaces a file, creating parent directories.
func (b *Backend) Write(_ context.Context, p, content string) error {
	full, err := b.sb.SafePath(p, true)
	if err != nil {
		return err
	}
	if info, err := os.Stat(full); err == nil && info.IsDir() {
		return fmt.Errorf("%s: %w", p, ErrIsDirectory)
	}
	if err := os.WriteFile(full, []byte(content), 0o640); err != nil { //nolint:gosec // path validated by the sandbox
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

// Edit replaces the single occurrence of oldText with newText.
func (b *Backend) Edit(ctx context.Context, p, oldText, newText string) error {
	if oldText == "" {
		return ErrNoMatch
	}
	content, err := b.Read(ctx, p)
	if err != nil {
		return err
	}
	switch strings.Count(content, oldText) {
	case 0:
		return fmt.Errorf("%s: %w", p, ErrNoMatch)
	case 1:
	default:
		return fmt.Errorf("%s: %w", p, ErrAmbiguous)
	}
	return b.Write(ctx, p, strings.Replace(content, oldText, newText, 1))
}

// List returns the entries of a directory sorted by name. "", "." and "/"
// list the sandbox root.
func (b *Backend) List(_ context.Context, p string) ([]Entry, error) {
	dir := b.sb.Base()
	if !isRoot(p) {
		full, err := b.sb.SafePath(p, false)
		if err != nil {
			return nil, err
		}
		dir = full
	}
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, mapErr(p, err)
	}
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		e := Entry{Name: it.Name(), IsDir: it.IsDir()}
		if !it.IsDir() {
			if info, err := it.Info(); err == nil {
				e.Size = info.Size()
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Mkdir creates a directory and its parents.
func (b *Backend) Mkdir(_ context.Context, p string) error {
	full, err := b.sb.SafePath(p, false)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o750); err != nil {
		return fmt.Errorf("mkdir %s: %w", p, err)
	}
	return nil
}

// Delete removes a file or an empty directory.
func (b *Backend) Delete(_ context.Context, p string) error {
	full, err := b.sb.SafePath(p, false)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return mapErr(p, err)
	}
	return nil
}

func isRoot(p string) bool {
	switch strings.TrimSpace(p) {
	case "", ".", "/", "./":
		return true
	}
	return false
}

func mapErr(p string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", p, err)
}
