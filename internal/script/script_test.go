package script

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleScript = `
local scenes = require("scenes")
local log = require("log")

local lamps = { "switch.lamp_a", "switch.lamp_b" }

scenes.define{
  name = "living",
  scene_switch = "switch.living_scene",
  off_scene = lamps,
  on_scenes = {
    { name = "Evening", switches = { ["switch.lamp_a"] = "on", ["switch.lamp_b"] = true } },
    { name = "Reading", switches = { ["switch.lamp_a"] = "on" } },
  },
  state_snapshot_seconds = 15,
  off_delay = "750ms",
  apply_timeout = 5,
}

log.info("defined controllers", { count = 1 })
`

func TestLoadString_Define(t *testing.T) {
	defined, err := LoadString(sampleScript)
	if err != nil {
		t.Fatal(err)
	}
	if len(defined) != 1 {
		t.Fatalf("defined %d controllers, want 1", len(defined))
	}

	c := defined[0]
	if c.Name != "living" || c.SceneSwitch != "switch.living_scene" {
		t.Errorf("identity = %s/%s", c.Name, c.SceneSwitch)
	}
	if len(c.OffScene) != 2 || c.OffScene["switch.lamp_b"] != "off" {
		t.Errorf("off scene = %v", c.OffScene)
	}
	if len(c.OnScenes) != 2 || c.OnScenes[0].Name != "Evening" {
		t.Fatalf("on scenes = %+v", c.OnScenes)
	}
	if c.OnScenes[0].Switches["switch.lamp_b"] != "on" {
		t.Errorf("boolean switch value not converted: %v", c.OnScenes[0].Switches)
	}
	if c.SnapshotSeconds() != 15 {
		t.Errorf("snapshot = %d", c.SnapshotSeconds())
	}
	if c.OffDelay.Duration() != 750*time.Millisecond {
		t.Errorf("off delay = %v", c.OffDelay.Duration())
	}
	if c.ApplyTimeout.Duration() != 5*time.Second {
		t.Errorf("apply timeout = %v", c.ApplyTimeout.Duration())
	}
}

func TestLoadString_Defaults(t *testing.T) {
	defined, err := LoadString(`require("scenes").define{ name = "x", scene_switch = "switch.s", off_scene = { ["switch.a"] = "off" }, on_scenes = { { switches = { ["switch.a"] = "on" } } } }`)
	if err != nil {
		t.Fatal(err)
	}
	if defined[0].SnapshotSeconds() != 10 || defined[0].OffDelay.Duration() != time.Second {
		t.Errorf("defaults not applied: %+v", defined[0])
	}
}

func TestLoadString_Errors(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"syntax", `scenes.define{`},
		{"bad_duration", `require("scenes").define{ name = "x", off_delay = "soon" }`},
		{"bad_off_scene", `require("scenes").define{ name = "x", off_scene = "switch.a" }`},
		{"bad_scene_entry", `require("scenes").define{ name = "x", on_scenes = { "Evening" } }`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadString(tt.source); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controllers.lua")
	if err := os.WriteFile(path, []byte(sampleScript), 0o600); err != nil {
		t.Fatal(err)
	}

	defined, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(defined) != 1 {
		t.Errorf("defined %d controllers", len(defined))
	}
}
