// Package nodlog provides structured logging for NOD using zerolog: a
// process-global logger, a Config to pick JSON vs. console output, and
// component/rank/transaction-scoped child loggers.
package nodlog

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-global logger. Init replaces it; until Init is
// called it defaults to a console writer at info level so packages used
// as a library (without a call to Init) still produce readable output.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).
		With().Timestamp().Logger()
}

// Level mirrors zerolog's level vocabulary without leaking the zerolog
// type into every caller's imports.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init (re)configures the global Logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the given component
// name (e.g. "block", "vlock", "index", "txn").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithPeer returns a child logger tagged with this process's rank.
func WithPeer(rank int) zerolog.Logger {
	return Logger.With().Int("rank", rank).Logger()
}

// WithTxn returns a child logger tagged with a transaction id.
func WithTxn(id string) zerolog.Logger {
	return Logger.With().Str("txn_id", id).Logger()
}

// WithLocator returns a child logger tagged with a locator's rank/offset
// pair, rendered via fmt.Stringer so callers don't need to import
// internal/locator just to log one.
func WithLocator(loc fmt.Stringer) zerolog.Logger {
	return Logger.With().Stringer("locator", loc).Logger()
}
