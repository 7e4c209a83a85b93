// Package logx holds the process-wide logger. main calls Configure once
// after resolving configuration; subsystems take tagged children through
// Component so their output can be filtered by field.
package logx

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Log is the root logger. It writes console-formatted lines to stderr.
var Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// Configure sets the global level from a config or flag value. Unknown
// values fall back to info rather than failing startup.
func Configure(level string) {
	zerolog.SetGlobalLevel(parseLevel(level))
}

// Component returns a child of Log tagged with the subsystem name.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}

// parseLevel is tolerant of case and of the synonyms operators reach for:
// "all" for trace, "warning" for warn, "none" or "off" to silence.
func parseLevel(level string) zerolog.Level {
	s := strings.ToLower(strings.TrimSpace(level))
	switch s {
	case "all":
		return zerolog.TraceLevel
	case "warning":
		return zerolog.WarnLevel
	case "none", "off":
		return zerolog.Disabled
	}
	if s != "" {
		if lvl, err := zerolog.ParseLevel(s); err == nil {
			return lvl
		}
	}
	return zerolog.InfoLevel
}

func init() {
	Configure(os.Getenv("LOG_LEVEL"))
}
