package mqtt

import "strings"

// EntityPlaceholder is replaced by the entity ID in topic templates.
const EntityPlaceholder = "{entity}"

// Topics builds per-entity topics from templates.
type Topics struct {
	State        string // e.g. sceneswitch/{entity}/state
	Command      string // e.g. sceneswitch/{entity}/set
	Availability string // optional, e.g. sceneswitch/{entity}/availability
}

// StateTopic returns the topic the entity reports its state on.
func (t Topics) StateTopic(entityID string) string {
	return expand(t.State, entityID)
}

// CommandTopic returns the topic the entity accepts commands on.
func (t Topics) CommandTopic(entityID string) string {
	return expand(t.Command, entityID)
}

// AvailabilityTopic returns the entity's availability topic, or "" if not configured.
func (t Topics) AvailabilityTopic(entityID string) string {
	if t.Availability == "" {
		return ""
	}
	return expand(t.Availability, entityID)
}

func expand(template, entityID string) string {
	return strings.ReplaceAll(template, EntityPlaceholder, entityID)
}
