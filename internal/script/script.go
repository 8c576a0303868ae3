// Package script loads controller definitions from a Lua file.
package script

import (
	"fmt"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/sceneswitch/internal/config"
)

// LoadFile runs the script at path and returns the controllers it defined.
func LoadFile(path string) ([]config.ControllerConfig, error) {
	log.Info().Str("path", path).Msg("Loading Lua script")
	return run(func(L *lua.LState) error { return L.DoFile(path) })
}

// LoadString runs script source and returns the controllers it defined.
func LoadString(source string) ([]config.ControllerConfig, error) {
	return run(func(L *lua.LState) error { return L.DoString(source) })
}

func run(exec func(L *lua.LState) error) ([]config.ControllerConfig, error) {
	L := lua.NewState()
	defer L.Close()

	scenes := &scenesModule{}
	L.PreloadModule("log", logLoader)
	L.PreloadModule("scenes", scenes.loader)

	if err := exec(L); err != nil {
		return nil, fmt.Errorf("failed to execute Lua script: %w", err)
	}

	log.Info().Int("controllers", len(scenes.defined)).Msg("Lua script loaded successfully")
	return scenes.defined, nil
}
