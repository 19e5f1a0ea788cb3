// Package logger builds the structured loggers used across tierbench.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// EnvLevel is consulted when no level is given explicitly.
const EnvLevel = "TIERBENCH_LOG_LEVEL"

// New returns a logger writing to stderr, or appending to logFile when set.
// The returned close func releases the log file and is always non-nil.
func New(level, logFile string) (*log.Logger, func() error, error) {
	var out io.Writer = os.Stderr
	closeFn := func() error { return nil }
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, closeFn, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closeFn = f.Close
	}

	l := log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})
	l.SetLevel(ParseLevel(level))
	return l, closeFn, nil
}

// ParseLevel resolves a level name, falling back to the environment and then to info.
func ParseLevel(level string) log.Level {
	if level == "" {
		level = os.Getenv(EnvLevel)
	}
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// Discard returns a logger that drops everything. Useful as a nil default.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *log.Logger) *log.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
