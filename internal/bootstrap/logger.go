package bootstrap

import (
	"fmt"
	"strings"

	"perp_trader/internal/core"
	"perp_trader/pkg/logging"
)

// InitLogger builds the production logger from configuration and installs it
// as the package-global default.
func InitLogger(cfg *Config) (core.ILogger, error) {
	zapLogger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	logger := zapLogger.WithFields(map[string]interface{}{
		"mode":    mode(cfg),
		"symbols": strings.Join(cfg.App.Symbols, ","),
	})
	logging.SetGlobalLogger(logger)

	return logger, nil
}

func mode(cfg *Config) string {
	if cfg.App.PaperTrading {
		return "paper"
	}
	return "live"
}
