package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sceneswitch/internal/config"
)

// App owns the services of one sceneswitch process.
type App struct {
	cfg      *config.Config
	services *Services
	ctx      context.Context
	cancel   context.CancelCauseFunc
}

// New loads script controllers, validates the configuration and builds every
// service without starting any of them.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		services: services,
	}, nil
}

// Start starts the services. A fatal backend error cancels the app context;
// Err reports it once Wait returns.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancelCause(ctx)

	onFatalError := func(err error) {
		log.Error().Err(err).Msg("Fatal error, initiating shutdown")
		a.cancel(err)
	}

	if err := a.services.Start(a.ctx, onFatalError); err != nil {
		return err
	}

	a.logSummary()
	return nil
}

// logSummary prints one line per controller so the running setup is visible in the log.
func (a *App) logSummary() {
	for _, c := range a.cfg.Controllers {
		log.Info().
			Str("controller", c.Name).
			Str("scene_switch", c.SceneSwitch).
			Int("linked", len(c.OffScene)).
			Int("scenes", len(c.OnScenes)).
			Int("restore_window_s", c.SnapshotSeconds()).
			Msg("Controller ready")
	}
	log.Info().
		Str("backend", a.cfg.Backend).
		Bool("api", a.cfg.API.Enabled).
		Bool("telemetry", a.services.Telemetry != nil).
		Msg("sceneswitch started")
}

// Stop cancels the app context and releases every service.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down...")

	if a.cancel != nil {
		a.cancel(nil)
	}

	if a.services != nil {
		return a.services.Stop()
	}

	return nil
}

// Wait blocks until the app context is cancelled by a signal or a fatal error.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// Err returns the fatal error that stopped the app, or nil for a normal shutdown.
func (a *App) Err() error {
	if a.ctx == nil {
		return nil
	}
	err := context.Cause(a.ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// SignalContext creates a context that is cancelled when SIGINT or SIGTERM is received.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}
