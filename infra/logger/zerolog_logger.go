package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// zerologger adapts rs/zerolog to the Logger interface. Logs go to
// stderr so command output on stdout stays machine-readable.
type zerologger struct {
	log zerolog.Logger
}

func newZerologger(component string) Logger {
	out := io.Writer(os.Stderr)
	if strings.EqualFold(os.Getenv("MCPD_ENV"), "dev") {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	level := zerolog.InfoLevel
	if lv, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("MCPD_LOG_LEVEL"))); err == nil && lv != zerolog.NoLevel {
		level = lv
	}
	z := zerolog.New(out).Level(level).With().Timestamp().Str("component", component).Logger()
	return &zerologger{log: z}
}

func (l *zerologger) Debugf(format string, args ...any) { l.log.Debug().Msgf(format, args...) }

func (l *zerologger) Debugw(msg string, fields map[string]any) {
	l.log.Debug().Fields(fields).Msg(msg)
}

func (l *zerologger) Infof(format string, args ...any) { l.log.Info().Msgf(format, args...) }

func (l *zerologger) Warnf(format string, args ...any) { l.log.Warn().Msgf(format, args...) }

func (l *zerologger) Errorf(format string, args ...any) { l.log.Error().Msgf(format, args...) }
