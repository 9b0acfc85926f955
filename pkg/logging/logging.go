// Package logging builds the root zerolog logger of a binary.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a JSON logger on stdout, or a console logger on stderr when
// env is "development". An unparsable level falls back to info.
func New(env, level string) zerolog.Logger {
	return newLogger(os.Stdout, os.Stderr, env, level)
}

func newLogger(out, console io.Writer, env, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	var w io.Writer = out
	if env == "development" {
		w = zerolog.ConsoleWriter{Out: console}
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Caller().Logger()
}
