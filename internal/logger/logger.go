package logger

import (
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Setup initializes the global zerolog logger for one binary.
//   - level: log level string (trace, debug, info, warn, error, fatal, panic)
//   - format: "json" for production, "pretty" for human-readable dev output
//   - app: binary name stamped on every line (server, migrate, seed-tests)
func Setup(level, format, app string) zerolog.Logger {
	return New(os.Stdout, level, format, app)
}

// New builds the logger Setup returns on an arbitrary writer.
// Timestamps carry milliseconds and durations are logged as integer
// milliseconds, matching the clock the session timers run on.
func New(w io.Writer, level, format, app string) zerolog.Logger {
	zerolog.TimeFieldFormat = "2006-01-02T15:04:05.000Z07:00"
	zerolog.DurationFieldUnit = time.Millisecond
	zerolog.DurationFieldInteger = true

	if format == "pretty" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	ctx := zerolog.New(w).With().Timestamp()
	if app != "" {
		ctx = ctx.Str("app", app)
	}
	if lvl <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// ForSession returns a child logger tagged with the session and its owner.
func ForSession(log zerolog.Logger, sessionID, userID uuid.UUID) zerolog.Logger {
	return log.With().
		Str("session_id", sessionID.String()).
		Str("user_id", userID.String()).
		Logger()
}
