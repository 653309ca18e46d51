package observability

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var loggingSetup sync.Once

// NewLogger returns a structured JSON logger tagged with the component
// name. Level comes from COVER_LOG_LEVEL (default info); set
// COVER_LOG_PRETTY=1 for human-readable console output during local
// development.
func NewLogger(component string) zerolog.Logger {
	loggingSetup.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano
	})

	out := zerolog.New(os.Stdout)
	if os.Getenv("COVER_LOG_PRETTY") == "1" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	lvl, err := zerolog.ParseLevel(os.Getenv("COVER_LOG_LEVEL"))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return out.Level(lvl).With().
		Timestamp().
		Str("component", component).
		Logger()
}
