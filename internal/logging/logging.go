package logging

import (
	"cequeue/internal/config"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup builds the process logger and installs it as the global and default
// context logger, so log.Ctx(ctx) never falls back to a disabled logger.
// The returned writer is the formatted output, for loggers built elsewhere.
func Setup(cfg config.Log) (zerolog.Logger, io.Writer) {
	return setup(cfg, os.Stdout)
}

func setup(cfg config.Log, out io.Writer) (zerolog.Logger, io.Writer) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(out).With().Timestamp().Logger()

	log.Logger = logger
	zerolog.DefaultContextLogger = &logger
	return logger, out
}
