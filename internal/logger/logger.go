// Package logger provides structured logging setup for AgentDeck.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/secrets"
)

const (
	asyncBuffer  = 4096
	asyncWorkers = 2
)

// New builds the process logger: JSON on stdout, a "service" attribute on
// every record, request and execution ids lifted from the context, and
// credentials scrubbed from error attributes. With cfg.Async, writes go
// through an AsyncHandler; call the returned Closer on shutdown to flush.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg config.Logging, w io.Writer) (*slog.Logger, Closer) {
	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redactErrors,
	})

	var closer Closer = nopCloser{}
	if cfg.Async {
		ah := NewAsyncHandler(handler, asyncBuffer, asyncWorkers)
		handler, closer = ah, ah
	}

	// context attrs are read before the record is queued
	handler = &contextHandler{inner: handler}
	return slog.New(handler).With("service", cfg.Service), closer
}

// redactErrors scrubs credentials from "error" and "cause" attributes.
// Provider and driver errors sometimes quote request headers or DSNs.
func redactErrors(_ []string, a slog.Attr) slog.Attr {
	if a.Key != "error" && a.Key != "cause" {
		return a
	}
	switch v := a.Value.Any().(type) {
	case error:
		return slog.String(a.Key, secrets.SanitizeString(v.Error()))
	case string:
		return slog.String(a.Key, secrets.SanitizeString(v))
	}
	return a
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
