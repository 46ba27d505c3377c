package app

import (
	"context"
	"time"

	"github.com/pinus-go/pinus/coordinator"
	"github.com/pinus-go/pinus/pkg/config"
	"github.com/pinus-go/pinus/pkg/metrics"
	"github.com/pinus-go/pinus/pkg/pinuslog"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	manager *coordinator.Manager
	cfg     *config.Engine
}

func NewApp(m *coordinator.Manager, cfg *config.Engine) *App {
	return &App{
		manager: m,
		cfg:     cfg,
	}
}

// Run starts the manager and the metrics endpoint and serves until ctx is
// done, then shuts both down.
func (app *App) Run(ctx context.Context) error {
	pinuslog.Zero.Info().Msg("running pinus app")

	if err := app.manager.Startup(ctx, app.cfg); err != nil {
		return err
	}

	var srv *metrics.Server
	if app.cfg.MetricsAddr != "" {
		srv = metrics.NewServer(app.cfg.MetricsAddr, app.manager.Health)
		srv.Start()
	}

	<-ctx.Done()
	pinuslog.Zero.Info().Msg("stopping pinus app")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(sctx); err != nil {
			pinuslog.Zero.Error().Err(err).Msg("failed to stop metrics server")
		}
	}
	if err := app.manager.Shutdown(sctx); err != nil {
		return err
	}

	pinuslog.Zero.Debug().Msg("exit pinus app")
	return nil
}
