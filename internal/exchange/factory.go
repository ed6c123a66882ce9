// Package exchange selects the venue adapter from configuration.
package exchange

import (
	"fmt"
	"strings"

	"perp_trader/internal/config"
	"perp_trader/internal/core"
	"perp_trader/internal/exchange/binance"
	"perp_trader/internal/exchange/paper"
)

// NewExchange builds the configured venue adapter. Paper mode synthesizes
// fills against the supplied price source and never touches a real venue;
// live mode talks to the named exchange with real credentials.
func NewExchange(cfg *config.Config, prices paper.PriceSource, logger core.ILogger) (core.IExchange, error) {
	if cfg.App.PaperTrading {
		return paper.NewBackend(prices, cfg, logger), nil
	}

	switch strings.ToLower(cfg.Exchange.Name) {
	case "binance":
		return binance.NewExchange(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", cfg.Exchange.Name)
	}
}
