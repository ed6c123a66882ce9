// Package bootstrap wires configuration, logging, and telemetry into an
// application shell and runs components until a termination signal arrives.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"perp_trader/internal/core"
	"perp_trader/pkg/telemetry"
)

const shutdownFlushTimeout = 5 * time.Second

// App holds the ambient dependencies every component is built from.
type App struct {
	Cfg       *Config
	Logger    core.ILogger
	Telemetry *telemetry.Telemetry
}

// NewApp loads configuration and initializes logging and telemetry.
// Overrides run after validation, so command-line flags can flip settings
// such as the trading mode or log level.
func NewApp(configPath string, overrides ...func(*Config)) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	for _, override := range overrides {
		override(cfg)
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.Setup("perp_trader")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	return &App{
		Cfg:       cfg,
		Logger:    logger,
		Telemetry: tel,
	}, nil
}

// Runner is a component that runs until its context is canceled.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts every runner and blocks until all return. The shared context is
// canceled on SIGINT/SIGTERM or on the first runner error.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("Application starting")
	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	err := g.Wait()
	a.flush()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.WithField("error", err.Error()).Error("Application stopped with error")
		return err
	}
	a.Logger.Info("Application shut down")
	return nil
}

// flush drains telemetry pipelines and buffered log entries.
func (a *App) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()

	if a.Telemetry != nil {
		if err := a.Telemetry.Shutdown(ctx); err != nil {
			a.Logger.WithField("error", err.Error()).Warn("Telemetry flush failed")
		}
	}
	if syncer, ok := a.Logger.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}
}
