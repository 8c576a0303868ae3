package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sceneswitch/internal/config"
	"github.com/dokzlo13/sceneswitch/internal/eventbus"
	"github.com/dokzlo13/sceneswitch/internal/homeassistant"
	"github.com/dokzlo13/sceneswitch/internal/mqtt"
	"github.com/dokzlo13/sceneswitch/internal/switches"
)

// mqttPrimeTimeout bounds how long startup waits for retained switch states.
const mqttPrimeTimeout = 5 * time.Second

// BackendService owns the switch backend and the event bus it publishes to.
type BackendService struct {
	cfg *config.Config

	Backend switches.Backend
	Bus     *eventbus.Bus
}

// NewBackendService creates the configured backend for the watched entities.
// The MQTT backend connects to the broker here, Home Assistant connects in Start.
func NewBackendService(cfg *config.Config, watched []string) (*BackendService, error) {
	bus := eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	var (
		backend switches.Backend
		err     error
	)
	switch cfg.Backend {
	case config.BackendHomeAssistant:
		backend, err = newHomeAssistantBackend(cfg.HomeAssistant, watched, bus)
	case config.BackendMQTT:
		backend, err = newMQTTBackend(cfg.MQTT, watched, bus)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		bus.Close(context.Background())
		return nil, err
	}

	return &BackendService{
		cfg:     cfg,
		Backend: backend,
		Bus:     bus,
	}, nil
}

func newHomeAssistantBackend(cfg config.HomeAssistantConfig, watched []string, bus *eventbus.Bus) (switches.Backend, error) {
	retry := homeassistant.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetries

	client := homeassistant.NewClient(homeassistant.ClientConfig{
		URL:          cfg.URL,
		Token:        cfg.Token,
		Timeout:      cfg.Timeout.Duration(),
		RateLimitRPS: cfg.RateLimitRPS,
		Retry:        retry,
	})

	streamCfg := homeassistant.StreamConfig{
		MinBackoff:    cfg.MinRetryBackoff.Duration(),
		MaxBackoff:    cfg.MaxRetryBackoff.Duration(),
		Multiplier:    cfg.RetryMultiplier,
		MaxReconnects: cfg.MaxReconnects,
	}

	return homeassistant.NewBackend(client, streamCfg, watched, bus)
}

func newMQTTBackend(cfg config.MQTTConfig, watched []string, bus *eventbus.Bus) (switches.Backend, error) {
	client, err := mqtt.Connect(mqtt.Config{
		Broker:            cfg.Broker,
		ClientID:          cfg.ClientID,
		Username:          cfg.Username,
		Password:          cfg.Password,
		QoS:               byte(cfg.QoS),
		ConnectTimeout:    cfg.ConnectTimeout.Duration(),
		MaxReconnectDelay: cfg.MaxReconnectDelay.Duration(),
	})
	if err != nil {
		return nil, err
	}

	opts := mqtt.BackendOptions{
		Topics: mqtt.Topics{
			State:        cfg.StateTopic,
			Command:      cfg.CommandTopic,
			Availability: cfg.AvailabilityTopic,
		},
		QoS:          byte(cfg.QoS),
		PayloadOn:    cfg.PayloadOn,
		PayloadOff:   cfg.PayloadOff,
		PrimeTimeout: mqttPrimeTimeout,
	}
	return mqtt.NewBackend(client, opts, watched, bus), nil
}

// Start connects the backend and loads the current switch states.
func (s *BackendService) Start(ctx context.Context) error {
	if err := s.Backend.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s backend: %w", s.cfg.Backend, err)
	}
	log.Info().Str("backend", s.cfg.Backend).Msg("Switch backend started")
	return nil
}

// StartBackground streams backend events until ctx is cancelled.
// onFatalError is called when the backend gives up (e.g., max reconnects exceeded).
func (s *BackendService) StartBackground(ctx context.Context, onFatalError func(error)) {
	go func() {
		err := s.Backend.Run(ctx)
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("backend", s.cfg.Backend).Msg("Switch backend stopped")
		if onFatalError != nil {
			onFatalError(err)
		}
	}()
}

// Close releases the backend and drains the event bus.
func (s *BackendService) Close() {
	s.Backend.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()
	s.Bus.Close(ctx)
}
