package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options controls where and how log lines are written.
type Options struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string

	// Destination is stderr, stdout or a file path. Default: stderr.
	Destination string

	// Format is console or json. Default: console.
	Format string

	// NoColor disables ANSI colours in console format.
	NoColor bool

	// Writer overrides Destination when set (tests).
	Writer io.Writer
}

// Logger provides structured logging with redaction support
type Logger struct {
	zl     zerolog.Logger
	closer io.Closer
}

// New creates a console logger on stderr, matching the CLI flags.
func New(debug, noColor bool) *Logger {
	level := "info"
	if debug {
		level = "debug"
	}
	l, err := NewWithOptions(Options{Level: level, NoColor: noColor})
	if err != nil {
		// stderr with a known level cannot fail
		return Nop()
	}
	return l
}

// NewWithOptions creates a logger from explicit options.
func NewWithOptions(opts Options) (*Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		if parsed != zerolog.NoLevel {
			level = parsed
		}
	}

	var (
		out    io.Writer
		closer io.Closer
	)
	switch {
	case opts.Writer != nil:
		out = opts.Writer
	case opts.Destination == "" || opts.Destination == "stderr":
		out = os.Stderr
	case opts.Destination == "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(opts.Destination, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log destination: %w", err)
		}
		out = f
		closer = f
	}

	if !strings.EqualFold(opts.Format, "json") {
		out = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    opts.NoColor || closer != nil,
			TimeFormat: time.RFC3339,
		}
	}

	return &Logger{
		zl:     zerolog.New(out).Level(level).With().Timestamp().Logger(),
		closer: closer,
	}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child logger that adds key=value to every line.
func (l *Logger) With(key string, value interface{}) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.zl.Info().Msgf(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.zl.Warn().Msgf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.zl.Error().Msgf(format, args...)
}

// Debug logs a debug message if debug mode is enabled
func (l *Logger) Debug(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.zl.Debug().Msgf(format, args...)
}

// Close releases the log file, if one was opened.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Secret represents a value that should be redacted in logs
type Secret string

// String implements the Stringer interface, always returning a redacted value
func (s Secret) String() string {
	return "[REDACTED]"
}

// GoString implements the GoStringer interface for %#v formatting
func (s Secret) GoString() string {
	return "[REDACTED]"
}

// Redact replaces sensitive values in a string with [REDACTED]
func Redact(s string, secrets []string) string {
	result := s
	for _, secret := range secrets {
		if secret != "" && len(secret) > 3 { // Only redact non-trivial secrets
			result = strings.ReplaceAll(result, secret, "[REDACTED]")
		}
	}
	return result
}
