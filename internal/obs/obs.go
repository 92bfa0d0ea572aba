// Package obs owns the process logger: JSON lines on stderr, one "pkg"
// attribute per package logger, and request fields pulled from context.
package obs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	level   = new(slog.LevelVar)
	current atomic.Pointer[slog.Logger]
)

// Init installs the stderr JSON logger as the slog default. Calling it again
// is a no-op.
func Init() {
	if current.Load() == nil {
		install(os.Stderr)
	}
}

// SetLevel accepts debug, info, warn or error. Anything else means info.
func SetLevel(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// Capture sends every log line to w at debug level until restore is called.
// Package loggers created with Pkg before the call keep their old handler.
func Capture(w io.Writer) (restore func()) {
	prevLogger := current.Load()
	prevLevel := level.Level()
	level.Set(slog.LevelDebug)
	install(w)
	return func() {
		level.Set(prevLevel)
		if prevLogger == nil {
			install(os.Stderr)
			return
		}
		current.Store(prevLogger)
		slog.SetDefault(prevLogger)
	}
}

func install(w io.Writer) {
	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: utcTime,
	}))
	current.Store(l)
	slog.SetDefault(l)
}

func utcTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.TimeKey {
		return a
	}
	if t, ok := a.Value.Any().(time.Time); ok {
		return slog.String(slog.TimeKey, t.UTC().Format(time.RFC3339Nano))
	}
	return a
}

func root() *slog.Logger {
	Init()
	return current.Load()
}

// Pkg returns the logger for a package.
func Pkg(name string) *slog.Logger {
	return root().With("pkg", name)
}

// From returns the logger carrying the request fields stored in ctx.
func From(ctx context.Context) *slog.Logger {
	attrs := fieldsFrom(ctx).attrs()
	if len(attrs) == 0 {
		return root()
	}
	return root().With(attrs...)
}
