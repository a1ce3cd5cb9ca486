// Package obslog builds the single process-wide zerolog.Logger handle each
// tier's main() constructs once and threads through its subsystems.
package obslog

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger for the given tier ("reasoner",
// "executor") and returns it. Call once from main().
func Init(tier string, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		With().
		Timestamp().
		Str("tier", tier).
		Logger()

	log.Logger = logger
	return logger
}
