package core

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the root logger. Format "json" writes JSON lines; anything
// else writes human-readable console output to out. Extra writers, such as a
// LogRingBuffer, always receive the JSON form. The level is applied globally
// so a config reload can change it for every derived logger.
func NewLogger(cfg LoggingConfig, out io.Writer, extra ...io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}

	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	w := out
	if len(extra) > 0 {
		w = zerolog.MultiLevelWriter(append([]io.Writer{out}, extra...)...)
	}
	logger := zerolog.New(w).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	return logger
}

// ParseLevel maps a config level onto zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
