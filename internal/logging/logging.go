// Package logging holds the process-wide zerolog logger.
//
// The proxy speaks MCP on stdout, so logs always go to stderr by
// default; pointing them at stdout would corrupt the protocol stream.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the shared logger. Packages log through the event helpers
// below rather than holding their own instances, so Init can swap the
// configuration for the whole process at once.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Options configures Init.
type Options struct {
	// Level is the minimum severity, parsed case-insensitively.
	// One of DEBUG, INFO, WARN, ERROR, FATAL; anything else means INFO.
	Level string

	// Pretty switches from JSON lines to a human-readable console
	// format. JSON is the default so log collectors can parse it.
	Pretty bool

	// Output overrides the log destination. Defaults to stderr and
	// must never be stdout while the proxy is serving.
	Output io.Writer
}

// Init replaces the shared logger with one built from opts.
func Init(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	Logger = zerolog.New(out).
		Level(parseLevel(opts.Level)).
		With().
		Timestamp().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Debug starts a debug-level log event.
func Debug() *zerolog.Event {
	return Logger.Debug()
}

// Info starts an info-level log event.
func Info() *zerolog.Event {
	return Logger.Info()
}

// Warn starts a warn-level log event.
func Warn() *zerolog.Event {
	return Logger.Warn()
}

// Error starts an error-level log event.
func Error() *zerolog.Event {
	return Logger.Error()
}
