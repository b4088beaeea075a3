package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the process-wide logger. Both the -debug flag and
// DEBUG=true raise the level; ENVIRONMENT=development trades the JSON stream
// for a console writer. Caller annotation stays on so debug lines point at
// the file that wrote them.
func Setup(debugMode bool) {
	if os.Getenv("ENVIRONMENT") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	level := zerolog.InfoLevel
	if debugMode || strings.EqualFold(os.Getenv("DEBUG"), "true") {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	// Instances run in branches across time zones; incident timelines only
	// line up if every log record is stamped in UTC.
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }

	log.Logger = log.With().
		Str("service", "fleetmon").
		Timestamp().
		Caller().
		Logger()
}

// Component tags a child logger with the subsystem it logs for, one per
// long-lived goroutine (scheduler, workers, alert engine) so records sort
// by origin.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
