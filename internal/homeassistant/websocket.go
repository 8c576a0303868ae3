package homeassistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrMaxReconnectsExceeded is returned when the maximum number of reconnect attempts is exceeded.
var ErrMaxReconnectsExceeded = errors.New("max reconnects exceeded")

// ErrAuthInvalid is returned when Home Assistant rejects the access token.
var ErrAuthInvalid = errors.New("home assistant rejected access token")

// StreamConfig contains configuration for websocket reconnection.
type StreamConfig struct {
	MinBackoff    time.Duration // Minimum backoff between reconnects
	MaxBackoff    time.Duration // Maximum backoff between reconnects
	Multiplier    float64       // Backoff multiplier
	MaxReconnects int           // Max reconnect attempts, 0 = infinite
}

// DefaultStreamConfig returns sensible defaults for websocket reconnection.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MinBackoff:    1 * time.Second,
		MaxBackoff:    2 * time.Minute,
		Multiplier:    2.0,
		MaxReconnects: 0, // infinite
	}
}

// StateChange is a state_changed event reduced to what controllers need.
type StateChange struct {
	EntityID string
	OldState string // empty when the entity was just created
	NewState string // empty when the entity was removed
}

// wsMessage covers every message shape used on the websocket.
type wsMessage struct {
	ID          int      `json:"id,omitempty"`
	Type        string   `json:"type"`
	AccessToken string   `json:"access_token,omitempty"`
	EventType   string   `json:"event_type,omitempty"`
	Success     *bool    `json:"success,omitempty"`
	Event       *wsEvent `json:"event,omitempty"`
	Message     string   `json:"message,omitempty"`
}

type wsEvent struct {
	EventType string `json:"event_type"`
	Data      struct {
		EntityID string         `json:"entity_id"`
		OldState *wsEntityState `json:"old_state"`
		NewState *wsEntityState `json:"new_state"`
	} `json:"data"`
}

type wsEntityState struct {
	State string `json:"state"`
}

const subscribeID = 1

// EventStream subscribes to state_changed events over the Home Assistant websocket.
type EventStream struct {
	url    string
	token  string
	dialer *websocket.Dialer
	config StreamConfig

	// OnConnected runs after every successful subscription, before events are read.
	OnConnected func(ctx context.Context)
	// OnDisconnected runs when an established connection drops.
	OnDisconnected func(err error)
	// OnStateChange receives every state_changed event.
	OnStateChange func(StateChange)
}

// NewEventStream creates a websocket listener for the given endpoint
func NewEventStream(url, token string, config StreamConfig) *EventStream {
	return &EventStream{
		url:    url,
		token:  token,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		config: config,
	}
}

// Run listens with automatic reconnection.
// Returns ErrMaxReconnectsExceeded if max reconnects is exceeded.
func (e *EventStream) Run(ctx context.Context) error {
	retryCount := 0
	currentBackoff := e.config.MinBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		subscribed, err := e.connect(ctx)
		if subscribed {
			// Reset retry count and backoff after a successful subscription
			retryCount = 0
			currentBackoff = e.config.MinBackoff
			if e.OnDisconnected != nil && ctx.Err() == nil {
				e.OnDisconnected(err)
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		retryCount++
		if e.config.MaxReconnects > 0 && retryCount > e.config.MaxReconnects {
			log.Error().
				Int("max_reconnects", e.config.MaxReconnects).
				Msg("Home Assistant websocket: max reconnects exceeded, terminating")
			return ErrMaxReconnectsExceeded
		}

		log.Warn().
			Err(err).
			Dur("backoff", currentBackoff).
			Int("retry", retryCount).
			Int("max_reconnects", e.config.MaxReconnects).
			Msg("Home Assistant websocket disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(currentBackoff):
		}

		// Calculate next backoff with multiplier, capped at max
		nextBackoff := time.Duration(float64(currentBackoff) * e.config.Multiplier)
		if nextBackoff > e.config.MaxBackoff {
			nextBackoff = e.config.MaxBackoff
		}
		currentBackoff = nextBackoff
	}
}

// connect runs one websocket session and reports whether the subscription was established.
func (e *EventStream) connect(ctx context.Context) (bool, error) {
	conn, _, err := e.dialer.DialContext(ctx, e.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblock reads on shutdown
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if err := e.authenticate(conn); err != nil {
		return false, err
	}

	if err := conn.WriteJSON(wsMessage{ID: subscribeID, Type: "subscribe_events", EventType: "state_changed"}); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return false, fmt.Errorf("subscribe: %w", err)
		}
		if msg.Type != "result" || msg.ID != subscribeID {
			continue
		}
		if msg.Success == nil || !*msg.Success {
			return false, fmt.Errorf("subscribe rejected")
		}
		break
	}

	log.Info().Str("url", e.url).Msg("Subscribed to Home Assistant state changes")

	if e.OnConnected != nil {
		e.OnConnected(ctx)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return true, err
		}
		if msg.Type != "event" || msg.Event == nil || msg.Event.EventType != "state_changed" {
			continue
		}
		e.handleEvent(msg.Event)
	}
}

func (e *EventStream) authenticate(conn *websocket.Conn) error {
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if msg.Type != "auth_required" {
		return fmt.Errorf("auth: unexpected message %q", msg.Type)
	}

	if err := conn.WriteJSON(wsMessage{Type: "auth", AccessToken: e.token}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	switch msg.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("%w: %s", ErrAuthInvalid, msg.Message)
	default:
		return fmt.Errorf("auth: unexpected message %q", msg.Type)
	}
}

func (e *EventStream) handleEvent(ev *wsEvent) {
	change := StateChange{EntityID: ev.Data.EntityID}
	if ev.Data.OldState != nil {
		change.OldState = ev.Data.OldState.State
	}
	if ev.Data.NewState != nil {
		change.NewState = ev.Data.NewState.State
	}

	log.Trace().
		Str("entity", change.EntityID).
		Str("old", change.OldState).
		Str("new", change.NewState).
		Msg("State changed event")

	if e.OnStateChange != nil {
		e.OnStateChange(change)
	}
}
