package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ebernhardson/fastcgi/internal/logging"
)

// InitLogger configures process-wide logging and returns a logger tagged
// with the application name for use as a client logger.
func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	logger := log.Logger.With().Str("app", app).Logger()
	return logger
}
