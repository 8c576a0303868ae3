package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sceneswitch/internal/eventbus"
	"github.com/dokzlo13/sceneswitch/internal/switches"
)

// BackendName identifies this backend in bus events.
const BackendName = "mqtt"

// Availability payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// BackendOptions configures topic and payload mapping.
type BackendOptions struct {
	Topics       Topics
	QoS          byte
	PayloadOn    string
	PayloadOff   string
	PrimeTimeout time.Duration // how long Start waits for retained states
}

// Backend implements switches.Backend over MQTT.
type Backend struct {
	transport Transport
	opts      BackendOptions
	cache     *switches.Cache
	bus       *eventbus.Bus

	mu        sync.Mutex
	lastState map[string]switches.State // last reported payload, kept while offline
	offline   map[string]bool
}

var _ switches.Backend = (*Backend)(nil)

// NewBackend creates a backend that tracks the watched entities.
func NewBackend(transport Transport, opts BackendOptions, watched []string, bus *eventbus.Bus) *Backend {
	if opts.PayloadOn == "" {
		opts.PayloadOn = "ON"
	}
	if opts.PayloadOff == "" {
		opts.PayloadOff = "OFF"
	}
	return &Backend{
		transport: transport,
		opts:      opts,
		cache:     switches.NewCache(watched),
		bus:       bus,
		lastState: make(map[string]switches.State),
		offline:   make(map[string]bool),
	}
}

// Start subscribes to every watched entity and waits for retained states.
func (b *Backend) Start(ctx context.Context) error {
	b.transport.SetOnConnect(b.onConnect)
	b.transport.SetOnDisconnect(b.onDisconnect)

	for _, id := range b.cache.Watched() {
		id := id
		if err := b.transport.Subscribe(b.opts.Topics.StateTopic(id), b.opts.QoS, func(_ string, payload []byte) {
			b.onState(id, payload)
		}); err != nil {
			return fmt.Errorf("subscribing to %s: %w", id, err)
		}

		topic := b.opts.Topics.AvailabilityTopic(id)
		if topic == "" {
			continue
		}
		if err := b.transport.Subscribe(topic, b.opts.QoS, func(_ string, payload []byte) {
			b.onAvailability(id, payload)
		}); err != nil {
			return fmt.Errorf("subscribing to %s availability: %w", id, err)
		}
	}

	b.waitPrimed(ctx)
	log.Info().Int("entities", len(b.cache.Watched())).Msg("MQTT backend started")
	return nil
}

// waitPrimed blocks until every watched entity reported or the prime timeout elapses.
func (b *Backend) waitPrimed(ctx context.Context) {
	if b.opts.PrimeTimeout <= 0 {
		return
	}
	deadline := time.NewTimer(b.opts.PrimeTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		missing := b.missing()
		if len(missing) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			log.Warn().Strs("entities", missing).Msg("No retained state received, treating as unavailable")
			return
		case <-ticker.C:
		}
	}
}

func (b *Backend) missing() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []string
	for _, id := range b.cache.Watched() {
		if _, ok := b.lastState[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Run blocks until ctx is cancelled. Paho reconnects on its own.
func (b *Backend) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// State returns the last reported state.
func (b *Backend) State(entityID string) switches.State {
	return b.cache.Get(entityID)
}

// Set publishes one command per entity.
func (b *Backend) Set(_ context.Context, ids []string, state switches.State) error {
	var payload string
	switch state {
	case switches.On:
		payload = b.opts.PayloadOn
	case switches.Off:
		payload = b.opts.PayloadOff
	default:
		return fmt.Errorf("cannot set state %q", state)
	}

	var errs []error
	for _, id := range ids {
		if err := b.transport.Publish(b.opts.Topics.CommandTopic(id), []byte(payload), b.opts.QoS, false); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Close disconnects from the broker.
func (b *Backend) Close() {
	if err := b.transport.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close MQTT client")
	}
}

// parsePayload maps a state payload using the configured on/off payloads first.
func (b *Backend) parsePayload(payload []byte) switches.State {
	raw := strings.TrimSpace(string(payload))
	switch {
	case strings.EqualFold(raw, b.opts.PayloadOn):
		return switches.On
	case strings.EqualFold(raw, b.opts.PayloadOff):
		return switches.Off
	default:
		return switches.ParseState(raw)
	}
}

func (b *Backend) onState(id string, payload []byte) {
	st := b.parsePayload(payload)

	b.mu.Lock()
	b.lastState[id] = st
	offline := b.offline[id]
	b.mu.Unlock()

	if offline {
		return
	}
	b.update(id, st)
}

func (b *Backend) onAvailability(id string, payload []byte) {
	online := strings.EqualFold(strings.TrimSpace(string(payload)), PayloadOnline)

	b.mu.Lock()
	b.offline[id] = !online
	last, known := b.lastState[id]
	b.mu.Unlock()

	switch {
	case !online:
		b.update(id, switches.Unavailable)
	case known:
		b.update(id, last)
	}
}

func (b *Backend) onConnect() {
	b.bus.Publish(eventbus.Event{Type: eventbus.EventTypeConnected, Backend: BackendName})
}

// onDisconnect marks every entity unavailable until retained states arrive again.
func (b *Backend) onDisconnect(error) {
	b.mu.Lock()
	b.lastState = make(map[string]switches.State)
	b.mu.Unlock()

	for _, ch := range b.cache.MarkAllUnavailable() {
		b.publish(ch)
	}
	b.bus.Publish(eventbus.Event{Type: eventbus.EventTypeDisconnected, Backend: BackendName})
}

func (b *Backend) update(id string, st switches.State) {
	if ch, ok := b.cache.Update(id, st); ok {
		b.publish(ch)
	}
}

func (b *Backend) publish(ch switches.Change) {
	log.Debug().
		Str("entity", ch.EntityID).
		Str("old", ch.Old.String()).
		Str("new", ch.New.String()).
		Msg("Switch state changed")
	b.bus.Publish(eventbus.Event{Type: eventbus.EventTypeStateChanged, Backend: BackendName, Change: ch})
}
