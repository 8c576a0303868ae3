package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sceneswitch/internal/api"
	"github.com/dokzlo13/sceneswitch/internal/config"
)

// APIService wraps the HTTP API server.
type APIService struct {
	cfg    *config.Config
	server *api.Server
}

// NewAPIService creates a new APIService.
func NewAPIService(cfg *config.Config, controllers api.Controllers) *APIService {
	return &APIService{
		cfg:    cfg,
		server: api.NewServer(cfg.API.Host, cfg.API.Port, controllers),
	}
}

// Start begins the API server if enabled.
func (s *APIService) Start(ctx context.Context) {
	if !s.cfg.API.Enabled {
		log.Debug().Msg("API server disabled")
		return
	}

	go func() {
		if err := s.server.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
			log.Error().Err(err).Msg("API server error")
		}
	}()
}

// SetReady marks the service ready once controllers are running.
func (s *APIService) SetReady() {
	s.server.SetReady(true)
}
