// Package switches defines the binary switch model shared by backends and controllers.
package switches

import (
	"context"
	"strings"
)

// State is the reported state of a switch entity.
type State string

const (
	On          State = "on"
	Off         State = "off"
	Unavailable State = "unavailable"
)

// IsBinary reports whether the state is on or off.
func (s State) IsBinary() bool {
	return s == On || s == Off
}

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// ParseState maps a backend payload to a State.
// Anything that is not recognisably on or off is treated as unavailable,
// which covers Home Assistant's "unknown" and empty payloads.
func ParseState(raw string) State {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on", "true", "1":
		return On
	case "off", "false", "0":
		return Off
	default:
		return Unavailable
	}
}

// Change is a single observed state transition.
type Change struct {
	EntityID string
	Old      State
	New      State
}

// Backend connects controllers to the system that owns the switches.
//
// State must be cheap and non-blocking: controllers call it from their event loop.
// Set is fire-and-forget from the controller's point of view; its completion is
// observed only as a later state change.
type Backend interface {
	// Start connects and primes the state cache for the watched entities.
	Start(ctx context.Context) error
	// Run streams state changes until ctx is cancelled.
	Run(ctx context.Context) error
	// State returns the last reported state, or Unavailable for unknown entities.
	State(entityID string) State
	// Set requests that every entity in ids be switched to state.
	Set(ctx context.Context, ids []string, state State) error
	Close()
}
