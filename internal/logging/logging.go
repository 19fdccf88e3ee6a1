// Package logging constructs the single structured logger shared by every
// other package in this module, following the facade/adapter/backend split
// of the logiface family: github.com/joeycumines/logiface (facade) bound to
// github.com/joeycumines/izerolog (adapter) over github.com/rs/zerolog
// (backend).
package logging

import (
	"io"
	"os"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the shared logger type used by every package's constructor.
type Logger = *logiface.Logger[*izerolog.Event]

// DefaultLevel is used by New whenever Options.Level is left as its zero
// value, since logiface.Level's zero value (LevelEmergency) is itself a
// meaningful, far more restrictive level.
const DefaultLevel = logiface.LevelInformational

// Options configures New.
type Options struct {
	// Writer defaults to os.Stderr.
	Writer io.Writer
	// Level defaults to DefaultLevel when left unset (HasLevel false).
	Level    logiface.Level
	HasLevel bool
	// Pretty enables zerolog's human-readable console writer instead of raw
	// JSON lines; intended for local/interactive use.
	Pretty bool
}

// New constructs the shared root Logger.
func New(opts Options) Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if opts.Pretty {
		w = zerolog.ConsoleWriter{Out: w}
	}

	level := DefaultLevel
	if opts.HasLevel {
		level = opts.Level
	}

	zl := zerolog.New(w).With().Timestamp().Logger()

	return logiface.New[*izerolog.Event](
		izerolog.L.WithZerolog(zl),
		logiface.WithLevel[*izerolog.Event](level),
	)
}

// Discard returns a Logger that drops everything, for tests that don't care
// about log output.
func Discard() Logger {
	return New(Options{Writer: io.Discard, Level: logiface.LevelDisabled, HasLevel: true})
}
