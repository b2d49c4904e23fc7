package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger derives a logger from the configured global one, tagged
// with the service and component names.
func ComponentLogger(service, component string) zerolog.Logger {
	return log.Logger.With().Str("service", service).Str("component", component).Logger()
}
