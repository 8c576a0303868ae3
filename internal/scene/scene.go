// Package scene implements the scene-switch controller: a master toggle kept in sync
// with a group of linked switches whose combined states form named scenes.
package scene

import (
	"sort"

	"github.com/dokzlo13/sceneswitch/internal/switches"
)

// Scene indexes with special meaning.
const (
	// Unknown marks a linked-switch combination that matches no configured scene.
	Unknown = -1
	// OffIndex is the index of the off scene.
	OffIndex = 0
)

// Scene is a named desired-state mapping over a subset of the linked switches.
type Scene struct {
	Name     string
	Switches map[string]switches.State
}

// onSet returns the IDs this scene wants switched on.
func (s Scene) onSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.Switches))
	for id, st := range s.Switches {
		if st == switches.On {
			set[id] = struct{}{}
		}
	}
	return set
}

// Table is the immutable scene configuration of one controller.
// Off maps every linked switch to off and so also defines the linked set.
type Table struct {
	Off map[string]switches.State
	On  []Scene
}

// Len returns the number of on-scenes.
func (t Table) Len() int {
	return len(t.On)
}

// Linked returns the linked switch IDs in a stable order.
func (t Table) Linked() []string {
	ids := make([]string, 0, len(t.Off))
	for id := range t.Off {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsLinked reports whether id is one of the linked switches.
func (t Table) IsLinked(id string) bool {
	_, ok := t.Off[id]
	return ok
}

// Name returns a display name for a scene index.
func (t Table) Name(index int) string {
	switch {
	case index == OffIndex:
		return "off"
	case index > 0 && index <= len(t.On):
		return t.On[index-1].Name
	default:
		return "unknown"
	}
}

// Resolve returns the full desired state for a scene index.
// On-scenes are laid over the off scene, so switches a scene does not name are
// switched off when it is activated.
func (t Table) Resolve(index int) (map[string]switches.State, bool) {
	if index < 0 || index > len(t.On) {
		return nil, false
	}

	desired := make(map[string]switches.State, len(t.Off))
	for id, st := range t.Off {
		desired[id] = st
	}
	if index == OffIndex {
		return desired, true
	}
	for id, st := range t.On[index-1].Switches {
		desired[id] = st
	}
	return desired, true
}

// NextSceneIndex returns the scene that follows current in the cycle 1..count.
// The off scene is never reached by cycling.
func NextSceneIndex(current, count int) int {
	switch {
	case current < 0:
		return 1
	case current < count:
		return current + 1
	default:
		return 1
	}
}

// Next is NextSceneIndex over this table's on-scenes.
func (t Table) Next(current int) int {
	return NextSceneIndex(current, len(t.On))
}

// DetectSceneIndex maps a full set of linked-switch states to a scene index.
// It returns OffIndex when nothing is on, the 1-based index of the first scene whose
// on-set equals the current on-set exactly, and Unknown otherwise.
func (t Table) DetectSceneIndex(states map[string]switches.State) int {
	on := make(map[string]struct{})
	for id, st := range states {
		if st == switches.On {
			on[id] = struct{}{}
		}
	}

	if len(on) == 0 {
		return OffIndex
	}

	for i, sc := range t.On {
		if sameSet(on, sc.onSet()) {
			return i + 1
		}
	}

	return Unknown
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
