package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sceneswitch/internal/config"
	"github.com/dokzlo13/sceneswitch/internal/db"
	"github.com/dokzlo13/sceneswitch/internal/ledger"
	"github.com/dokzlo13/sceneswitch/internal/scene"
	"github.com/dokzlo13/sceneswitch/internal/script"
	"github.com/dokzlo13/sceneswitch/internal/telemetry"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB        *db.DB
	Ledger    *ledger.Ledger
	Telemetry *telemetry.Writer // nil when disabled

	recorder *activityFanout

	// High-level services
	Backend     *BackendService
	Controllers *ControllerService
	API         *APIService

	started bool
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	if err := PrepareConfig(cfg); err != nil {
		return nil, err
	}

	sceneCfgs := make([]scene.Config, 0, len(cfg.Controllers))
	for i := range cfg.Controllers {
		sceneCfgs = append(sceneCfgs, cfg.Controllers[i].SceneConfig())
	}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	// Initialize ledger
	s.Ledger = ledger.New(database.DB)
	s.recorder = newActivityFanout(s.Ledger)

	// Initialize telemetry
	if cfg.InfluxDB.Enabled {
		w, err := telemetry.Connect(telemetry.Config{
			Enabled:       true,
			URL:           cfg.InfluxDB.URL,
			Token:         cfg.InfluxDB.Token,
			Org:           cfg.InfluxDB.Org,
			Bucket:        cfg.InfluxDB.Bucket,
			BatchSize:     cfg.InfluxDB.BatchSize,
			FlushInterval: cfg.InfluxDB.FlushInterval.Duration(),
		})
		if err != nil {
			// Telemetry is optional, keep running without it
			log.Warn().Err(err).Msg("InfluxDB unavailable, telemetry disabled")
		} else {
			s.Telemetry = w
			s.recorder.Add(w)
		}
	}

	// Initialize switch backend
	s.Backend, err = NewBackendService(cfg, WatchedEntities(sceneCfgs))
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Controllers = NewControllerService(sceneCfgs, s.Backend.Backend, s.Backend.Bus, s.recorder, s.Ledger)
	s.API = NewAPIService(cfg, s.Controllers)

	return s, nil
}

// PrepareConfig appends the controllers defined by the Lua script, if any, and
// validates the result.
func PrepareConfig(cfg *config.Config) error {
	if cfg.Script != "" {
		defined, err := script.LoadFile(cfg.Script)
		if err != nil {
			return err
		}
		cfg.Controllers = append(cfg.Controllers, defined...)
	}
	return cfg.Validate()
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g., max reconnects exceeded).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	s.started = true
	go s.recorder.Run(ctx)

	// Load current switch states before any controller resynchronizes
	if err := s.Backend.Start(ctx); err != nil {
		return err
	}

	s.Controllers.Start(ctx)
	s.Backend.StartBackground(ctx, onFatalError)

	go s.Ledger.RunCleanup(
		ctx,
		s.cfg.Ledger.CleanupInterval.Duration(),
		time.Duration(s.cfg.Ledger.RetentionDays)*24*time.Hour,
	)

	s.API.Start(ctx)
	s.API.SetReady()

	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Controllers != nil {
		s.Controllers.Close()
	}
	if s.Backend != nil {
		s.Backend.Close()
	}
	if s.recorder != nil {
		s.recorder.Close(s.started)
	}
	if s.Telemetry != nil {
		s.Telemetry.Close()
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
