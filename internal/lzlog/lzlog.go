// Package lzlog wires a single zerolog.Logger through the rest of
// lazycluster, mirroring how the teacher wires its ambient logger through
// internal/ package constructors rather than through a global.
package lzlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a console-formatted logger for CLI use, or a JSON logger when
// json is true. The CLI always builds the console form.
func New(w io.Writer, json bool, debug bool) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	var out io.Writer = w
	if !json {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything, for tests and library
// callers who don't want lazycluster's internal logging.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
