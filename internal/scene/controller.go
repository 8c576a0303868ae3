package scene

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sceneswitch/internal/switches"
)

// ErrSceneOutOfRange is returned for a manual activation of a scene that does not exist.
var ErrSceneOutOfRange = errors.New("scene index out of range")

// Config is the immutable configuration of one controller.
type Config struct {
	Name          string
	MasterSwitch  string
	Table         Table
	RestoreWindow time.Duration // off->on within this window restores the previous scene
	OffDelay      time.Duration // how long an off is held before the off scene is applied
	ApplyTimeout  time.Duration // how long to wait for echoes of issued commands
}

// Deps are the collaborators a controller calls into.
type Deps struct {
	Switches Switches
	Timers   Timers
	Clock    Clock    // optional, defaults to the system clock
	Recorder Recorder // optional
}

// Controller keeps a master scene switch and its linked switches in sync.
//
// A controller is NOT safe for concurrent use. Every method, including timer
// callbacks, must run on one event loop.
type Controller struct {
	cfg      Config
	switches Switches
	timers   Timers
	clock    Clock
	recorder Recorder
	logger   zerolog.Logger

	current int

	// Commands awaiting their echo, keyed by entity ID.
	pendingMaster map[string]switches.State
	pendingLinked map[string]switches.State

	lastOff  time.Time
	snapshot map[string]switches.State

	offDelay      Timer
	linkedTimeout Timer
	masterTimeout Timer
}

// New creates a controller. Call Resynchronize before feeding it events.
func New(cfg Config, deps Deps) *Controller {
	clock := deps.Clock
	if clock == nil {
		clock = systemClock{}
	}

	return &Controller{
		cfg:           cfg,
		switches:      deps.Switches,
		timers:        deps.Timers,
		clock:         clock,
		recorder:      deps.Recorder,
		logger:        log.With().Str("controller", cfg.Name).Logger(),
		current:       OffIndex,
		pendingMaster: make(map[string]switches.State),
		pendingLinked: make(map[string]switches.State),
	}
}

// Name returns the controller name.
func (c *Controller) Name() string {
	return c.cfg.Name
}

// Watches reports whether changes of the entity concern this controller.
func (c *Controller) Watches(entityID string) bool {
	return entityID == c.cfg.MasterSwitch || c.cfg.Table.IsLinked(entityID)
}

// CurrentScene returns the current scene index.
func (c *Controller) CurrentScene() int {
	return c.current
}

// HandleChange dispatches a state change to the master or linked handler.
func (c *Controller) HandleChange(ch switches.Change) {
	switch {
	case ch.EntityID == c.cfg.MasterSwitch:
		c.OnMasterSwitchChanged(ch.Old, ch.New)
	case c.cfg.Table.IsLinked(ch.EntityID):
		c.OnLinkedSwitchChanged(ch.EntityID, ch.Old, ch.New)
	}
}

// OnMasterSwitchChanged handles a state change of the scene switch.
func (c *Controller) OnMasterSwitchChanged(from, to switches.State) {
	if from == switches.Unavailable {
		c.logger.Debug().Str("new", to.String()).Msg("Scene switch became available")
		c.Resynchronize(ReasonReconnect)
		return
	}

	if _, ok := c.pendingMaster[c.cfg.MasterSwitch]; ok {
		// Echo of our own command
		delete(c.pendingMaster, c.cfg.MasterSwitch)
		c.stopTimer(&c.masterTimeout)
		c.stopTimer(&c.offDelay)
		return
	}

	c.logger.Debug().
		Str("old", from.String()).
		Str("new", to.String()).
		Msg("Scene switch toggled")

	switch to {
	case switches.Off:
		c.snapshot = c.linkedStates()
		c.lastOff = c.clock.Now()
		c.logger.Debug().Interface("snapshot", c.snapshot).Msg("Saved linked switch states")
		c.armTimer(&c.offDelay, c.cfg.OffDelay, c.onOffDelayExpired)

	case switches.On:
		if c.stopTimer(&c.offDelay) {
			// Quick off/on: step to the next scene
			c.consumeSnapshot()
			c.activateScene(c.cfg.Table.Next(c.current), ReasonCycle)
			return
		}
		c.restoreOrActivateFirst()
	}
}

// OnLinkedSwitchChanged handles a state change of one linked switch.
func (c *Controller) OnLinkedSwitchChanged(entityID string, from, to switches.State) {
	if to == switches.Unavailable {
		return
	}

	if from == switches.Unavailable {
		c.logger.Debug().Str("entity", entityID).Msg("Linked switch became available")
		c.Resynchronize(ReasonReconnect)
		return
	}

	if _, ok := c.pendingLinked[entityID]; ok {
		delete(c.pendingLinked, entityID)
		if len(c.pendingLinked) == 0 {
			c.stopTimer(&c.linkedTimeout)
			c.logger.Debug().Int("scene", c.current).Msg("Scene fully applied")
		}
		return
	}

	c.logger.Debug().
		Str("entity", entityID).
		Str("old", from.String()).
		Str("new", to.String()).
		Msg("Linked switch toggled")

	// A manual toggle invalidates a pending off
	c.stopTimer(&c.offDelay)

	switch {
	case to == switches.On:
		c.applyMasterSwitchState(switches.On, true)
	case to == switches.Off && !c.anyLinkedOn():
		c.applyMasterSwitchState(switches.Off, true)
	}
}

// ActivateScene activates a scene on request and drives the scene switch to match.
func (c *Controller) ActivateScene(index int) error {
	if index < 0 || index > c.cfg.Table.Len() {
		return fmt.Errorf("%w: %d (have %d scenes)", ErrSceneOutOfRange, index, c.cfg.Table.Len())
	}

	c.stopTimer(&c.offDelay)
	c.activateScene(index, ReasonManual)

	master := switches.On
	if index == OffIndex {
		master = switches.Off
	}
	c.applyMasterSwitchState(master, true)
	return nil
}

// Resynchronize re-derives the controller state from the live linked-switch states
// and corrects the scene switch. It does nothing while any linked switch is unavailable.
func (c *Controller) Resynchronize(reason string) {
	states := c.linkedStates()
	for id, st := range states {
		if st == switches.Unavailable {
			c.logger.Warn().
				Str("entity", id).
				Str("reason", reason).
				Msg("Unable to resynchronize, linked switch unavailable")
			return
		}
	}

	// Outstanding echo expectations are void once state is re-derived
	c.pendingLinked = make(map[string]switches.State)
	c.pendingMaster = make(map[string]switches.State)
	c.stopTimer(&c.linkedTimeout)
	c.stopTimer(&c.masterTimeout)

	desired, index := switches.Off, OffIndex
	if c.anyOn(states) {
		desired, index = switches.On, 1
	}

	c.logger.Debug().
		Str("reason", reason).
		Str("desired", desired.String()).
		Msg("Resynchronizing scene switch")

	c.applyMasterSwitchState(desired, false)
	c.current = index

	c.record(ActivityResync, index, reason, "")
}

// Close stops every armed timer.
func (c *Controller) Close() {
	c.stopTimer(&c.offDelay)
	c.stopTimer(&c.linkedTimeout)
	c.stopTimer(&c.masterTimeout)
}

func (c *Controller) restoreOrActivateFirst() {
	var elapsed time.Duration
	if !c.lastOff.IsZero() {
		elapsed = c.clock.Now().Sub(c.lastOff)
		c.logger.Debug().Dur("since_off", elapsed).Msg("Scene switch back on")
	}

	snapshot := c.consumeSnapshot()
	if snapshot != nil && elapsed < c.cfg.RestoreWindow {
		index := c.cfg.Table.DetectSceneIndex(snapshot)
		if index > OffIndex {
			c.logger.Debug().
				Int("scene", index).
				Str("scene_name", c.cfg.Table.Name(index)).
				Msg("Restoring previous scene")
			c.current = index
			batch := c.applyLinkedSwitchStates(snapshot)
			c.record(ActivitySceneRestored, index, ReasonRestore, batch)
			return
		}
		c.logger.Debug().Int("detected", index).Msg("Saved states match no scene")
	}

	c.activateScene(1, ReasonFirst)
}

// consumeSnapshot returns the saved off snapshot and forgets it.
func (c *Controller) consumeSnapshot() map[string]switches.State {
	snapshot := c.snapshot
	c.snapshot = nil
	c.lastOff = time.Time{}
	return snapshot
}

func (c *Controller) activateScene(index int, reason string) {
	desired, ok := c.cfg.Table.Resolve(index)
	if !ok {
		c.logger.Warn().Int("scene", index).Msg("Cannot activate unknown scene")
		return
	}

	c.logger.Debug().
		Int("scene", index).
		Str("scene_name", c.cfg.Table.Name(index)).
		Str("reason", reason).
		Msg("Activating scene")

	batch := c.applyLinkedSwitchStates(desired)
	c.current = index

	c.record(ActivitySceneActivated, index, reason, batch)
}

// applyLinkedSwitchStates issues commands for the linked switches whose live state
// differs from desired and returns the batch ID, or "" when nothing had to change.
func (c *Controller) applyLinkedSwitchStates(desired map[string]switches.State) string {
	ids := make([]string, 0, len(desired))
	for id := range desired {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	pending := make(map[string]switches.State)
	var turnOn, turnOff []string
	for _, id := range ids {
		want := desired[id]
		if !want.IsBinary() || c.switches.State(id) == want {
			continue
		}
		pending[id] = want
		if want == switches.On {
			turnOn = append(turnOn, id)
		} else {
			turnOff = append(turnOff, id)
		}
	}

	c.pendingLinked = pending
	if len(pending) == 0 {
		c.logger.Debug().Msg("Linked switches already match")
		return ""
	}

	batch := uuid.NewString()
	c.logger.Debug().
		Str("batch_id", batch).
		Strs("turn_on", turnOn).
		Strs("turn_off", turnOff).
		Msg("Applying linked switch states")

	if len(turnOn) > 0 {
		c.switches.Set(turnOn, switches.On)
	}
	if len(turnOff) > 0 {
		c.switches.Set(turnOff, switches.Off)
	}

	c.armTimer(&c.linkedTimeout, c.cfg.ApplyTimeout, c.onLinkedApplyTimeout)
	return batch
}

// applyMasterSwitchState commands the scene switch unless it already reports desired.
func (c *Controller) applyMasterSwitchState(desired switches.State, startTimeout bool) {
	if c.switches.State(c.cfg.MasterSwitch) == desired {
		return
	}

	c.pendingMaster = map[string]switches.State{c.cfg.MasterSwitch: desired}
	c.switches.Set([]string{c.cfg.MasterSwitch}, desired)

	if startTimeout {
		c.armTimer(&c.masterTimeout, c.cfg.ApplyTimeout, c.onMasterApplyTimeout)
	}
}

func (c *Controller) onOffDelayExpired() {
	c.armTimer(&c.linkedTimeout, c.cfg.ApplyTimeout, c.onLinkedApplyTimeout)
	c.activateScene(OffIndex, ReasonOff)
}

func (c *Controller) onLinkedApplyTimeout() {
	if len(c.pendingLinked) == 0 {
		return
	}

	pending := make([]string, 0, len(c.pendingLinked))
	for id := range c.pendingLinked {
		pending = append(pending, id)
	}
	sort.Strings(pending)

	c.logger.Warn().Strs("pending", pending).Msg("Timeout activating scene, resynchronizing scene switch")
	c.record(ActivityRecovery, c.current, ReasonLinkedApplyTimeout, "")
	c.Resynchronize(ReasonLinkedApplyTimeout)
}

func (c *Controller) onMasterApplyTimeout() {
	c.logger.Warn().Msg("Scene switch not toggled, resynchronizing scene switch")
	c.record(ActivityRecovery, c.current, ReasonMasterApplyTimeout, "")
	c.Resynchronize(ReasonMasterApplyTimeout)
}

// armTimer (re)arms the timer held in slot. The slot is cleared before fn runs, and a
// callback from a superseded or stopped timer never reaches fn.
func (c *Controller) armTimer(slot *Timer, d time.Duration, fn func()) {
	c.stopTimer(slot)

	var t Timer
	t = c.timers.AfterFunc(d, func() {
		if *slot != t {
			return
		}
		*slot = nil
		fn()
	})
	*slot = t
}

// stopTimer stops the timer in slot and reports whether one was armed.
func (c *Controller) stopTimer(slot *Timer) bool {
	if *slot == nil {
		return false
	}
	(*slot).Stop()
	*slot = nil
	return true
}

func (c *Controller) linkedStates() map[string]switches.State {
	states := make(map[string]switches.State, len(c.cfg.Table.Off))
	for id := range c.cfg.Table.Off {
		states[id] = c.switches.State(id)
	}
	return states
}

func (c *Controller) anyLinkedOn() bool {
	return c.anyOn(c.linkedStates())
}

func (c *Controller) anyOn(states map[string]switches.State) bool {
	for _, st := range states {
		if st == switches.On {
			return true
		}
	}
	return false
}

func (c *Controller) record(kind ActivityKind, index int, reason, batch string) {
	if c.recorder == nil {
		return
	}
	c.recorder.Record(Activity{
		Controller: c.cfg.Name,
		Kind:       kind,
		SceneIndex: index,
		SceneName:  c.cfg.Table.Name(index),
		Reason:     reason,
		BatchID:    batch,
		At:         c.clock.Now(),
	})
}
