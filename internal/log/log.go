package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// L is the shared logger (use log.L.Info().Msg("hi"))
	L zerolog.Logger
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	L = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// SetOutput redirects the shared logger, keeping its level.
func SetOutput(w io.Writer) {
	L = zerolog.New(w).Level(L.GetLevel()).With().Timestamp().Logger()
}

// SetLevel sets the minimum level of the shared logger.
func SetLevel(level zerolog.Level) {
	L = L.Level(level)
}

// With returns a child logger carrying the component name.
func With(component string) zerolog.Logger {
	return L.With().Str("component", component).Logger()
}

// Sampled wraps a logger so that bursts of identical warnings (queue drops)
// do not flood the output.
func Sampled(l zerolog.Logger, burst uint32) zerolog.Logger {
	return l.Sample(&zerolog.BurstSampler{
		Burst:  burst,
		Period: time.Second,
	})
}

func Debug() *zerolog.Event { return L.Debug() }
func Info() *zerolog.Event  { return L.Info() }
func Warn() *zerolog.Event  { return L.Warn() }
func Error() *zerolog.Event { return L.Error() }
