package app

import (
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-live/internal/config"
	"github.com/Tyrowin/gochat-live/internal/logging"
	"github.com/Tyrowin/gochat-live/internal/server"
)

// applyReload applies the settings that can change without a restart: the
// log level, the origin allowlist and the limits given to new connections.
// Storage, seeds and the listen address are read once at startup.
func applyReload(c *config.Config, srv *server.Server, log zerolog.Logger) {
	logging.SetLevel(c.Logging.Level)
	srv.ApplyConfig(server.ConfigFrom(c.Server))
	log.Info().Str("level", c.Logging.Level).Msg("Live settings applied")
}
