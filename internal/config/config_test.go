package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dokzlo13/sceneswitch/internal/switches"
)

const sampleConfig = `
backend: homeassistant
homeassistant:
  url: ${TEST_HA_URL:http://ha.local:8123}
  token: secret
log:
  level: debug
controllers:
  - name: living
    scene_switch: switch.living_scene
    off_scene:
      switch.lamp_a: off
      switch.lamp_b: off
    on_scenes:
      - name: Evening
        switches:
          switch.lamp_a: on
          switch.lamp_b: on
      - name: Reading
        switches:
          switch.lamp_a: on
    state_snapshot_seconds: 20
    off_delay: 500ms
`

func TestParse_DefaultsAndEnv(t *testing.T) {
	t.Setenv("TEST_HA_URL", "")

	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.HomeAssistant.URL != "http://ha.local:8123" {
		t.Errorf("url = %q, want env default", cfg.HomeAssistant.URL)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if cfg.EventBus.GetWorkers() != 1 {
		t.Errorf("workers = %d, want 1", cfg.EventBus.GetWorkers())
	}
	if cfg.MQTT.StateTopic != "sceneswitch/{entity}/state" {
		t.Errorf("state topic = %q", cfg.MQTT.StateTopic)
	}

	c := cfg.Controllers[0]
	if c.SnapshotSeconds() != 20 {
		t.Errorf("snapshot = %d, want 20", c.SnapshotSeconds())
	}
	if c.OffDelay.Duration() != 500*time.Millisecond {
		t.Errorf("off delay = %v", c.OffDelay.Duration())
	}
	if c.ApplyTimeout.Duration() != DefaultApplyTimeout {
		t.Errorf("apply timeout = %v, want default", c.ApplyTimeout.Duration())
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestParse_EnvOverride(t *testing.T) {
	t.Setenv("TEST_HA_URL", "http://override:8123")

	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HomeAssistant.URL != "http://override:8123" {
		t.Errorf("url = %q", cfg.HomeAssistant.URL)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Controllers) != 1 {
		t.Errorf("controllers = %d, want 1", len(cfg.Controllers))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func validController() ControllerConfig {
	return ControllerConfig{
		Name:        "living",
		SceneSwitch: "switch.scene",
		OffScene:    map[string]string{"switch.a": "off", "switch.b": "off"},
		OnScenes: []SceneConfig{
			{Name: "Both", Switches: map[string]string{"switch.a": "on", "switch.b": "on"}},
		},
	}
}

func TestValidate_Controllers(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"no_controllers", func(cfg *Config) { cfg.Controllers = nil }, "at least one controller"},
		{"duplicate_name", func(cfg *Config) {
			cfg.Controllers = append(cfg.Controllers, validController())
		}, "duplicate name"},
		{"master_is_linked", func(cfg *Config) {
			cfg.Controllers[0].OffScene["switch.scene"] = "off"
		}, "cannot also be a linked switch"},
		{"off_scene_empty", func(cfg *Config) {
			cfg.Controllers[0].OffScene = nil
		}, "off_scene must name"},
		{"off_scene_on_value", func(cfg *Config) {
			cfg.Controllers[0].OffScene["switch.a"] = "on"
		}, "must be off"},
		{"no_on_scenes", func(cfg *Config) {
			cfg.Controllers[0].OnScenes = nil
		}, "at least one on scene"},
		{"unlinked_switch", func(cfg *Config) {
			cfg.Controllers[0].OnScenes[0].Switches["switch.x"] = "on"
		}, "not in off_scene"},
		{"bad_value", func(cfg *Config) {
			cfg.Controllers[0].OnScenes[0].Switches["switch.a"] = "dim"
		}, "must be on or off"},
		{"no_on_switch", func(cfg *Config) {
			cfg.Controllers[0].OnScenes[0].Switches = map[string]string{"switch.a": "off"}
		}, "at least one switch must be on"},
		{"negative_snapshot", func(cfg *Config) {
			seconds := -1
			cfg.Controllers[0].StateSnapshotSeconds = &seconds
		}, "cannot be negative"},
		{"single_bus_worker", func(cfg *Config) { cfg.EventBus.Workers = 1 }, ""},
		{"parallel_bus_workers", func(cfg *Config) { cfg.EventBus.Workers = 4 }, "eventbus.workers must be 1"},
		{"bad_backend", func(cfg *Config) { cfg.Backend = "zigbee" }, "backend must be"},
		{"mqtt_topic_without_entity", func(cfg *Config) {
			cfg.Backend = BackendMQTT
			cfg.MQTT.CommandTopic = "lights/set"
		}, "command_topic must contain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte("homeassistant:\n  token: x\n"))
			if err != nil {
				t.Fatal(err)
			}
			cfg.Controllers = []ControllerConfig{validController()}
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSceneConfig(t *testing.T) {
	c := validController()
	c.OnScenes = append(c.OnScenes, SceneConfig{Switches: map[string]string{"switch.a": "ON"}})
	c.ApplyDefaults()

	sc := c.SceneConfig()

	if sc.MasterSwitch != "switch.scene" || sc.Name != "living" {
		t.Errorf("identity = %s/%s", sc.Name, sc.MasterSwitch)
	}
	if sc.RestoreWindow != 10*time.Second {
		t.Errorf("restore window = %v, want 10s", sc.RestoreWindow)
	}
	if sc.Table.Len() != 2 {
		t.Fatalf("scenes = %d, want 2", sc.Table.Len())
	}
	if sc.Table.On[1].Name != "scene 2" {
		t.Errorf("unnamed scene = %q", sc.Table.On[1].Name)
	}
	if sc.Table.On[1].Switches["switch.a"] != switches.On {
		t.Errorf("upper-case value not parsed")
	}
	if sc.Table.Off["switch.b"] != switches.Off {
		t.Errorf("off scene not converted")
	}
}

func TestSceneConfig_RestoreWindow(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want time.Duration
	}{
		{"unset_uses_default", "", 10 * time.Second},
		{"explicit", "    state_snapshot_seconds: 4\n", 4 * time.Second},
		{"zero_disables_restore", "    state_snapshot_seconds: 0\n", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := "homeassistant:\n  token: x\ncontrollers:\n" +
				"  - name: living\n" +
				"    scene_switch: switch.scene\n" +
				"    off_scene: {switch.a: off}\n" +
				"    on_scenes: [{name: All, switches: {switch.a: on}}]\n" +
				tt.yaml
			cfg, err := Parse([]byte(data))
			if err != nil {
				t.Fatal(err)
			}
			if err := cfg.Validate(); err != nil {
				t.Fatal(err)
			}
			if got := cfg.Controllers[0].SceneConfig().RestoreWindow; got != tt.want {
				t.Errorf("restore window = %v, want %v", got, tt.want)
			}
		})
	}
}
