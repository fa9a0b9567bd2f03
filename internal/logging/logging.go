package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a leveled key/value logger backed by zerolog.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger creates a Logger writing to stdout. Console output is meant for
// development; otherwise every line is a JSON object.
func NewLogger(level string, console bool) *Logger {
	var w io.Writer = os.Stdout
	if console {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return New(w, level)
}

// New creates a Logger writing to w at the given level ("debug", "info", ...).
// Unknown levels fall back to info.
func New(w io.Writer, level string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zl := zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "inteltrace").Logger()
	return &Logger{zl: zl}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child logger that always carries the given key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{zl: l.zl.With().Fields(pairs(args)).Logger()}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...any) {
	l.zl.Debug().Fields(pairs(args)).Msg(msg)
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...any) {
	l.zl.Info().Fields(pairs(args)).Msg(msg)
}

// Warn logs a warning.
func (l *Logger) Warn(msg string, args ...any) {
	l.zl.Warn().Fields(pairs(args)).Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	l.zl.Error().Fields(pairs(args)).Msg(msg)
}

// pairs pads a dangling key so zerolog never drops the last field.
func pairs(args []any) []any {
	if len(args)%2 == 1 {
		return append(args, "(missing)")
	}
	return args
}
