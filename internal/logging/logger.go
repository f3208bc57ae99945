package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/deploygate/internal/config"
)

// NewLogger creates the structured zerolog.Logger shared by all components.
// Component loggers are derived from it with With().Str("component", ...).
func NewLogger(cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(os.Stdout).With().Timestamp()

	if cfg.ServiceName != "" {
		ctx = ctx.Str("service", cfg.ServiceName)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
