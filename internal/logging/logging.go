package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// LevelFatal marks conditions that need an operator. Logging at this level
// never exits the process.
const LevelFatal = slog.Level(12)

type Options struct {
	Level string
	JSON  bool
}

var def atomic.Value

func init() {
	def.Store(newLogger(slog.LevelInfo, false))
}

func Configure(opts Options) {
	def.Store(newLogger(parseLevel(opts.Level), opts.JSON))
}

func newLogger(lvl slog.Level, json bool) *slog.Logger {
	cfg := &slog.HandlerOptions{Level: lvl, ReplaceAttr: renameFatal}
	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(os.Stderr, cfg)
	} else {
		h = slog.NewTextHandler(os.Stderr, cfg)
	}
	return slog.New(h).With("app", "ditto")
}

// slog prints custom levels as ERROR+4.
func renameFatal(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelFatal {
		a.Value = slog.StringValue("FATAL")
	}
	return a
}

func parseLevel(s string) slog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "fatal":
		return LevelFatal
	default:
		return slog.LevelInfo
	}
}

func L() *slog.Logger {
	l, _ := def.Load().(*slog.Logger)
	return l
}

// Fatal logs at LevelFatal on l.
func Fatal(l *slog.Logger, msg string, args ...any) {
	l.Log(context.Background(), LevelFatal, msg, args...)
}

func InitFromEnv() {
	Configure(FromEnv(Options{}))
}

// FromEnv overlays DITTO_LOG_LEVEL / DITTO_LOG_JSON on opts.
func FromEnv(opts Options) Options {
	if lvl := os.Getenv("DITTO_LOG_LEVEL"); lvl != "" {
		opts.Level = lvl
	}
	if b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv("DITTO_LOG_JSON"))); err == nil {
		opts.JSON = b
	}
	return opts
}

// Err renders an error attribute the same way everywhere.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", fmt.Sprint(err))
}
