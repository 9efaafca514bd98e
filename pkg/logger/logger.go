// Package logger provides structured logging for the flash utility using zerolog.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Verbosity maps the CLI's repeatable -v flag onto zerolog levels. Zero is
// the quiet default; each extra -v reveals one more level.
func Verbosity(count int) zerolog.Level {
	switch {
	case count <= 0:
		return zerolog.WarnLevel
	case count == 1:
		return zerolog.InfoLevel
	case count == 2:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// New builds the root logger. Output goes to stderr; when stderr is a
// terminal the console writer is used instead of raw JSON.
func New(level zerolog.Level) zerolog.Logger {
	var out io.Writer = os.Stderr
	if isatty.IsTerminal(os.Stderr.Fd()) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Nop returns a disabled logger for tests and optional collaborators.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
