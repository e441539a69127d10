package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Options selects the handler installed by Setup.
type Options struct {
	Level  string
	Format string // "text" (tint console) or "json"
	Color  *bool  // nil = auto-detect from the output
}

var disabled atomic.Bool

// Disable turns off all logging
func Disable() {
	disabled.Store(true)
}

// Enable turns logging back on
func Enable() {
	disabled.Store(false)
}

// Setup installs the process-wide default slog logger and returns it.
func Setup(opts Options) *slog.Logger {
	return SetupWriter(os.Stderr, opts)
}

// SetupWriter is Setup with an explicit output.
func SetupWriter(w io.Writer, opts Options) *slog.Logger {
	level := ParseLevel(opts.Level)

	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		color := isTerminal(w)
		if opts.Color != nil {
			color = *opts.Color
		}
		h = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !color,
		})
	}

	logger := slog.New(&gate{Handler: h})
	slog.SetDefault(logger)
	return logger
}

// Component returns the default logger tagged with a component name.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

// ParseLevel maps a config string to a slog level; unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// gate drops every record while logging is disabled.
type gate struct {
	slog.Handler
}

func (g *gate) Enabled(ctx context.Context, l slog.Level) bool {
	if disabled.Load() {
		return false
	}
	return g.Handler.Enabled(ctx, l)
}

func (g *gate) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &gate{Handler: g.Handler.WithAttrs(attrs)}
}

func (g *gate) WithGroup(name string) slog.Handler {
	return &gate{Handler: g.Handler.WithGroup(name)}
}
