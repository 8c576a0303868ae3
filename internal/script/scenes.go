package script

import (
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/sceneswitch/internal/config"
)

// scenesModule collects controllers defined with scenes.define{...}.
type scenesModule struct {
	defined []config.ControllerConfig
}

func (m *scenesModule) loader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetField(mod, "define", L.NewFunction(m.define))
	L.Push(mod)
	return 1
}

// define parses one controller table:
//
//	scenes.define{
//	  name = "living",
//	  scene_switch = "switch.living_scene",
//	  off_scene = { "switch.lamp_a", "switch.lamp_b" },  -- or { ["switch.lamp_a"] = "off" }
//	  on_scenes = {
//	    { name = "Evening", switches = { ["switch.lamp_a"] = "on", ["switch.lamp_b"] = true } },
//	  },
//	  state_snapshot_seconds = 10,
//	  off_delay = "1s",
//	}
func (m *scenesModule) define(L *lua.LState) int {
	tbl := L.CheckTable(1)

	c := config.ControllerConfig{
		Name:        lua.LVAsString(tbl.RawGetString("name")),
		SceneSwitch: lua.LVAsString(tbl.RawGetString("scene_switch")),
		OffScene:    make(map[string]string),
	}

	switch off := tbl.RawGetString("off_scene").(type) {
	case *lua.LTable:
		off.ForEach(func(k, v lua.LValue) {
			if _, isIndex := k.(lua.LNumber); isIndex {
				// list form: every entry is switched off
				c.OffScene[lua.LVAsString(v)] = "off"
				return
			}
			c.OffScene[lua.LVAsString(k)] = switchValue(v)
		})
	case *lua.LNilType:
	default:
		L.ArgError(1, "off_scene must be a table")
		return 0
	}

	if scenes, ok := tbl.RawGetString("on_scenes").(*lua.LTable); ok {
		for i := 1; i <= scenes.Len(); i++ {
			sc, ok := scenes.RawGetInt(i).(*lua.LTable)
			if !ok {
				L.ArgError(1, fmt.Sprintf("on_scenes[%d] must be a table", i))
				return 0
			}
			c.OnScenes = append(c.OnScenes, parseScene(sc))
		}
	}

	if n, ok := tbl.RawGetString("state_snapshot_seconds").(lua.LNumber); ok {
		seconds := int(n)
		c.StateSnapshotSeconds = &seconds
	}

	var err error
	if c.OffDelay, err = durationField(tbl, "off_delay"); err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	if c.ApplyTimeout, err = durationField(tbl, "apply_timeout"); err != nil {
		L.ArgError(1, err.Error())
		return 0
	}

	c.ApplyDefaults()
	m.defined = append(m.defined, c)
	return 0
}

func parseScene(tbl *lua.LTable) config.SceneConfig {
	sc := config.SceneConfig{
		Name:     lua.LVAsString(tbl.RawGetString("name")),
		Switches: make(map[string]string),
	}
	if sw, ok := tbl.RawGetString("switches").(*lua.LTable); ok {
		sw.ForEach(func(k, v lua.LValue) {
			sc.Switches[lua.LVAsString(k)] = switchValue(v)
		})
	}
	return sc
}

// durationField accepts a duration string ("1.5s") or a number of seconds.
func durationField(tbl *lua.LTable, name string) (config.Duration, error) {
	switch v := tbl.RawGetString(name).(type) {
	case *lua.LNilType:
		return 0, nil
	case lua.LNumber:
		return config.Duration(time.Duration(float64(v) * float64(time.Second))), nil
	case lua.LString:
		d, err := time.ParseDuration(string(v))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return config.Duration(d), nil
	default:
		return 0, fmt.Errorf("%s must be a duration string or seconds", name)
	}
}
