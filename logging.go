package waypoint

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log file rotation limits.
const (
	logMaxSizeMB  = 10
	logMaxBackups = 3
	logMaxAgeDays = 28
)

// NewLogger builds the logger described by cfg. When LogPath is set the
// returned closer releases the rotating log file; otherwise it is a no-op.
func NewLogger(cfg Config) (zerolog.Logger, io.Closer) {
	var w io.Writer
	var closer io.Closer = nopCloser{}

	switch {
	case cfg.LogPath != "":
		lj := &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
			MaxAge:     logMaxAgeDays,
			Compress:   true,
		}
		w, closer = lj, lj
	case isatty.IsTerminal(os.Stderr.Fd()):
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	default:
		w = os.Stderr
	}

	return zerolog.New(w).
		Level(logLevel(cfg)).
		With().
		Timestamp().
		Str("service", "waypoint").
		Logger(), closer
}

func logLevel(cfg Config) zerolog.Level {
	if cfg.Debug {
		return zerolog.DebugLevel
	}
	if cfg.LogLevel == "" {
		return zerolog.WarnLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return zerolog.WarnLevel
	}
	return lvl
}

// truncateForLog shortens request and response bodies in debug logs.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... [truncated]"
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
