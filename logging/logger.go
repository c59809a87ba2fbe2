package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// LoggerConfig selects the level and output format of the process logger.
type LoggerConfig struct {
	Level  string
	Format string
}

// NewLogger builds the process logger. Format is "console" or "json".
func NewLogger(w io.Writer, cfg LoggerConfig) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), eris.Wrapf(err, "invalid log level %q", cfg.Level)
		}
		level = parsed
	}
	switch strings.ToLower(cfg.Format) {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), eris.Errorf("invalid log format %q", cfg.Format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
