package irc

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger with a Sub helper for deriving
// per-component child loggers (dispatcher, each connection, and so
// on), the way hunter3's internal logging package is used throughout
// its IRC channel.
type Logger struct {
	zerolog.Logger
}

// NewLogger returns a Logger writing to os.Stderr at info level. Pass
// the result (or a Sub of it) as irc config's Logger option; the zero
// value of Logger is a valid, fully-disabled logger.
func NewLogger() *Logger {
	return &Logger{Logger: zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()}
}

// Sub returns a child logger that tags every event with
// component=name, preserving any fields already attached to l.
func (l *Logger) Sub(name string) *Logger {
	if l == nil {
		return NewLogger().Sub(name)
	}
	return &Logger{Logger: l.Logger.With().Str("component", name).Logger()}
}

// defaultLogger is used wherever a Connection/Pool is constructed
// without an explicit Logger option.
func defaultLogger() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}
