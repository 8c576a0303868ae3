package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dokzlo13/sceneswitch/internal/scene"
	"github.com/dokzlo13/sceneswitch/internal/switches"
)

// ErrInvalidConfig is returned when the configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks the whole configuration, including every controller definition.
// All problems are reported at once.
func (cfg *Config) Validate() error {
	var errs []string

	switch cfg.Backend {
	case BackendHomeAssistant:
		if cfg.HomeAssistant.Token == "" {
			errs = append(errs, "homeassistant.token is required")
		}
	case BackendMQTT:
		if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if !strings.Contains(cfg.MQTT.StateTopic, "{entity}") {
			errs = append(errs, "mqtt.state_topic must contain {entity}")
		}
		if !strings.Contains(cfg.MQTT.CommandTopic, "{entity}") {
			errs = append(errs, "mqtt.command_topic must contain {entity}")
		}
		if cfg.MQTT.AvailabilityTopic != "" && !strings.Contains(cfg.MQTT.AvailabilityTopic, "{entity}") {
			errs = append(errs, "mqtt.availability_topic must contain {entity}")
		}
	default:
		errs = append(errs, fmt.Sprintf("backend must be %q or %q, got %q", BackendHomeAssistant, BackendMQTT, cfg.Backend))
	}

	// Controllers rely on receiving each entity's changes in the order they happened
	if cfg.EventBus.Workers > 1 {
		errs = append(errs, fmt.Sprintf("eventbus.workers must be 1, got %d", cfg.EventBus.Workers))
	}

	if cfg.API.Enabled && (cfg.API.Port < 1 || cfg.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if cfg.InfluxDB.Enabled && (cfg.InfluxDB.URL == "" || cfg.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when enabled")
	}

	if len(cfg.Controllers) == 0 {
		errs = append(errs, "at least one controller is required")
	}

	names := make(map[string]bool)
	for i := range cfg.Controllers {
		c := &cfg.Controllers[i]
		c.ApplyDefaults()

		label := c.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if names[c.Name] {
			errs = append(errs, fmt.Sprintf("controller %s: duplicate name", label))
		}
		names[c.Name] = true

		for _, e := range c.validate() {
			errs = append(errs, fmt.Sprintf("controller %s: %s", label, e))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

func (c *ControllerConfig) validate() []string {
	var errs []string

	if c.Name == "" {
		errs = append(errs, "name is required")
	}
	if c.SceneSwitch == "" {
		errs = append(errs, "scene_switch is required")
	}

	if c.SnapshotSeconds() < 0 {
		errs = append(errs, "state_snapshot_seconds cannot be negative")
	}

	if len(c.OffScene) == 0 {
		errs = append(errs, "off_scene must name at least one switch")
	}
	for _, id := range sortedKeys(c.OffScene) {
		if id == c.SceneSwitch {
			errs = append(errs, fmt.Sprintf("scene switch %s cannot also be a linked switch", id))
		}
		if st, ok := parseBinary(c.OffScene[id]); !ok || st != switches.Off {
			errs = append(errs, fmt.Sprintf("off_scene %s must be off, got %q", id, c.OffScene[id]))
		}
	}

	if len(c.OnScenes) == 0 {
		errs = append(errs, "at least one on scene is required")
	}
	for i, sc := range c.OnScenes {
		label := sc.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		anyOn := false
		for _, id := range sortedKeys(sc.Switches) {
			if _, linked := c.OffScene[id]; !linked {
				errs = append(errs, fmt.Sprintf("scene %s: %s is not in off_scene", label, id))
			}
			st, ok := parseBinary(sc.Switches[id])
			if !ok {
				errs = append(errs, fmt.Sprintf("scene %s: %s must be on or off, got %q", label, id, sc.Switches[id]))
			}
			anyOn = anyOn || st == switches.On
		}
		if !anyOn {
			errs = append(errs, fmt.Sprintf("scene %s: at least one switch must be on", label))
		}
	}

	return errs
}

// SceneConfig converts a validated controller definition into the controller's configuration.
func (c *ControllerConfig) SceneConfig() scene.Config {
	table := scene.Table{
		Off: make(map[string]switches.State, len(c.OffScene)),
		On:  make([]scene.Scene, 0, len(c.OnScenes)),
	}
	for id, raw := range c.OffScene {
		st, _ := parseBinary(raw)
		table.Off[id] = st
	}
	for i, sc := range c.OnScenes {
		name := sc.Name
		if name == "" {
			name = fmt.Sprintf("scene %d", i+1)
		}
		states := make(map[string]switches.State, len(sc.Switches))
		for id, raw := range sc.Switches {
			st, _ := parseBinary(raw)
			states[id] = st
		}
		table.On = append(table.On, scene.Scene{Name: name, Switches: states})
	}

	return scene.Config{
		Name:          c.Name,
		MasterSwitch:  c.SceneSwitch,
		Table:         table,
		RestoreWindow: time.Duration(c.SnapshotSeconds()) * time.Second,
		OffDelay:      c.OffDelay.Duration(),
		ApplyTimeout:  c.ApplyTimeout.Duration(),
	}
}

// parseBinary accepts only the two literal scene values.
func parseBinary(raw string) (switches.State, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on":
		return switches.On, true
	case "off":
		return switches.Off, true
	default:
		return switches.Unavailable, false
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
