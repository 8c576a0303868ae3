package switches

import (
	"sync"
	"time"
)

type cachedState struct {
	State     State
	UpdatedAt time.Time
}

// Cache holds the last reported state of every watched entity.
// It does NOT talk to the backend - backends feed it as reports arrive.
type Cache struct {
	mu       sync.RWMutex
	watched  map[string]struct{}
	entities map[string]*cachedState
}

// NewCache creates a cache restricted to the given entity IDs.
func NewCache(watched []string) *Cache {
	c := &Cache{
		watched:  make(map[string]struct{}, len(watched)),
		entities: make(map[string]*cachedState, len(watched)),
	}
	for _, id := range watched {
		c.watched[id] = struct{}{}
	}
	return c
}

// Watches reports whether the entity is one the cache tracks.
func (c *Cache) Watches(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.watched[id]
	return ok
}

// Watched returns the tracked entity IDs.
func (c *Cache) Watched() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.watched))
	for id := range c.watched {
		ids = append(ids, id)
	}
	return ids
}

// Get returns the cached state, Unavailable if never reported.
func (c *Cache) Get(id string) State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, ok := c.entities[id]
	if !ok {
		return Unavailable
	}
	return cached.State
}

// Update stores a new state and returns the transition it caused.
// changed is false for unwatched entities and for repeats of the current state.
func (c *Cache) Update(id string, state State) (change Change, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.watched[id]; !ok {
		return Change{}, false
	}

	old := Unavailable
	if cached, ok := c.entities[id]; ok {
		old = cached.State
	}

	c.entities[id] = &cachedState{State: state, UpdatedAt: time.Now()}

	if old == state {
		return Change{}, false
	}
	return Change{EntityID: id, Old: old, New: state}, true
}

// MarkAllUnavailable flips every known entity to Unavailable and returns the
// resulting transitions.
func (c *Cache) MarkAllUnavailable() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()

	var changes []Change
	now := time.Now()
	for id, cached := range c.entities {
		if cached.State == Unavailable {
			continue
		}
		changes = append(changes, Change{EntityID: id, Old: cached.State, New: Unavailable})
		c.entities[id] = &cachedState{State: Unavailable, UpdatedAt: now}
	}
	return changes
}
