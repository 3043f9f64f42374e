package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raysh454/scoop/internal/archivestore"
	"github.com/raysh454/scoop/internal/catalog"
	"github.com/raysh454/scoop/internal/logging"
	"github.com/raysh454/scoop/internal/telemetry"
)

// Application is the runtime state shared by every command: config, logger,
// storage and the orchestrator. Pass it to code that needs global state
// rather than using package-level variables.
type Application struct {
	Config *Config
	Logger logging.Logger
	Orch   *Orchestrator

	catalog           *catalog.Catalog
	shutdownTelemetry func(context.Context) error
}

// Bootstrap builds an Application from cfg: logger, tracing, archive store,
// catalog and orchestrator.
func Bootstrap(ctx context.Context, cfg *Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := logging.New("scoop", cfg.LogLevel, cfg.LogFormat)

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	store, err := archivestore.New(cfg.ArchiveDir())
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	cat, err := catalog.Open(cfg.CatalogFile(), logger)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	return &Application{
		Config:            cfg,
		Logger:            logger,
		Orch:              NewOrchestrator(cfg, store, cat, logger, opts...),
		catalog:           cat,
		shutdownTelemetry: shutdown,
	}, nil
}

// Shutdown cancels running jobs, then closes the catalog and flushes traces.
func (a *Application) Shutdown(ctx context.Context) error {
	if a == nil {
		return errors.New("application is nil")
	}
	a.Logger.Debug("application shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var errs []error
	if a.Orch != nil {
		if err := a.Orch.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("orchestrator shutdown returned error", logging.Err(err))
			errs = append(errs, err)
		}
	}
	if a.catalog != nil {
		if err := a.catalog.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.shutdownTelemetry != nil {
		if err := a.shutdownTelemetry(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
