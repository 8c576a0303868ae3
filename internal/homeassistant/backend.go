package homeassistant

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sceneswitch/internal/eventbus"
	"github.com/dokzlo13/sceneswitch/internal/switches"
)

// BackendName identifies this backend in bus events.
const BackendName = "homeassistant"

// Backend implements switches.Backend on top of Home Assistant.
type Backend struct {
	client *Client
	stream *EventStream
	cache  *switches.Cache
	bus    *eventbus.Bus
}

var _ switches.Backend = (*Backend)(nil)

// NewBackend creates a backend that tracks the watched entities.
func NewBackend(client *Client, streamCfg StreamConfig, watched []string, bus *eventbus.Bus) (*Backend, error) {
	wsURL, err := client.WebsocketURL()
	if err != nil {
		return nil, err
	}

	b := &Backend{
		client: client,
		cache:  switches.NewCache(watched),
		bus:    bus,
	}

	b.stream = NewEventStream(wsURL, client.token, streamCfg)
	b.stream.OnConnected = b.onConnected
	b.stream.OnDisconnected = b.onDisconnected
	b.stream.OnStateChange = b.onStateChange
	return b, nil
}

// Start verifies the connection and primes the cache with the current states.
func (b *Backend) Start(ctx context.Context) error {
	if err := b.client.Ping(ctx); err != nil {
		return err
	}
	if _, err := b.refresh(ctx); err != nil {
		return err
	}
	log.Info().Int("entities", len(b.cache.Watched())).Msg("Home Assistant backend started")
	return nil
}

// Run streams state changes until ctx is cancelled.
func (b *Backend) Run(ctx context.Context) error {
	return b.stream.Run(ctx)
}

// State returns the last reported state.
func (b *Backend) State(entityID string) switches.State {
	return b.cache.Get(entityID)
}

// Set switches the entities with one service call.
func (b *Backend) Set(ctx context.Context, ids []string, state switches.State) error {
	return b.client.SetState(ctx, ids, state)
}

// Close releases the HTTP client.
func (b *Backend) Close() {
	b.client.Close()
}

// refresh reloads every watched entity and returns the changes against the cache.
func (b *Backend) refresh(ctx context.Context) ([]switches.Change, error) {
	entities, err := b.client.States(ctx)
	if err != nil {
		return nil, fmt.Errorf("refreshing states: %w", err)
	}

	seen := make(map[string]bool, len(entities))
	var changes []switches.Change
	for _, e := range entities {
		if !b.cache.Watches(e.EntityID) {
			continue
		}
		seen[e.EntityID] = true
		if ch, ok := b.cache.Update(e.EntityID, switches.ParseState(e.State)); ok {
			changes = append(changes, ch)
		}
	}

	for _, id := range b.cache.Watched() {
		if seen[id] {
			continue
		}
		log.Warn().Str("entity", id).Msg("Watched entity not found in Home Assistant")
		if ch, ok := b.cache.Update(id, switches.Unavailable); ok {
			changes = append(changes, ch)
		}
	}
	return changes, nil
}

// onConnected catches up on changes missed while disconnected.
func (b *Backend) onConnected(ctx context.Context) {
	changes, err := b.refresh(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to refresh states after connect")
	}
	for _, ch := range changes {
		b.publish(ch)
	}
	b.bus.Publish(eventbus.Event{Type: eventbus.EventTypeConnected, Backend: BackendName})
}

func (b *Backend) onDisconnected(err error) {
	log.Warn().Err(err).Msg("Home Assistant event stream lost")
	b.bus.Publish(eventbus.Event{Type: eventbus.EventTypeDisconnected, Backend: BackendName})
}

func (b *Backend) onStateChange(sc StateChange) {
	if !b.cache.Watches(sc.EntityID) {
		return
	}
	if ch, ok := b.cache.Update(sc.EntityID, switches.ParseState(sc.NewState)); ok {
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
