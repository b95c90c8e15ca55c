package bootstrap

import (
	"p2p_energy_market/internal/core"
	"p2p_energy_market/pkg/logging"
)

// InitLogger builds the application's structured logger from configuration.
func InitLogger(cfg *Config) core.ILogger {
	logger, err := logging.NewLoggerFromString(cfg.System.LogLevel, nil)
	if err != nil {
		logger, _ = logging.NewLoggerFromString("INFO", nil)
	}
	return logger
}
