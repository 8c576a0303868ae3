package scene

import (
	"time"

	"github.com/dokzlo13/sceneswitch/internal/switches"
)

// Switches is the controller's view of the switch backend.
// State is a synchronous read of the live reported state. Set is fire-and-forget:
// completion is only ever observed as a later state change notification.
type Switches interface {
	State(entityID string) switches.State
	Set(ids []string, state switches.State)
}

// Timer is a single-shot timer handle. Stop must be safe on fired timers.
type Timer interface {
	Stop()
}

// Timers arms single-shot timers whose callbacks run on the controller's event loop.
type Timers interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Recorder receives a record of every scene-level decision the controller makes.
type Recorder interface {
	Record(a Activity)
}

// ActivityKind classifies a recorded activity.
type ActivityKind string

const (
	ActivitySceneActivated ActivityKind = "scene_activated"
	ActivitySceneRestored  ActivityKind = "scene_restored"
	ActivityResync         ActivityKind = "resync"
	ActivityRecovery       ActivityKind = "recovery"
)

// Valid reports whether k is one of the recorded activity kinds.
func (k ActivityKind) Valid() bool {
	switch k {
	case ActivitySceneActivated, ActivitySceneRestored, ActivityResync, ActivityRecovery:
		return true
	}
	return false
}

// Reasons attached to activities.
const (
	ReasonCycle              = "cycle"
	ReasonFirst              = "first"
	ReasonOff                = "off"
	ReasonManual             = "manual"
	ReasonRestore            = "restore"
	ReasonStartup            = "startup"
	ReasonReconnect          = "reconnect"
	ReasonRequested          = "requested"
	ReasonLinkedApplyTimeout = "linked_apply_timeout"
	ReasonMasterApplyTimeout = "master_apply_timeout"
)

// Activity is one recorded controller decision.
type Activity struct {
	Controller string
	Kind       ActivityKind
	SceneIndex int
	SceneName  string
	Reason     string
	BatchID    string // set when linked-switch commands were issued
	At         time.Time
}
