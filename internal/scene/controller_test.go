package scene

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sceneswitch/internal/switches"
)

// command is one Set call observed by fakeSwitches.
type command struct {
	ids   []string
	state switches.State
	prev  map[string]switches.State
}

// fakeSwitches behaves like a device that applies commands silently:
// the state changes but no notification is delivered until the test echoes it.
type fakeSwitches struct {
	states   map[string]switches.State
	commands []command
	drop     bool // commands are recorded but never take effect
}

func (f *fakeSwitches) State(id string) switches.State {
	st, ok := f.states[id]
	if !ok {
		return switches.Unavailable
	}
	return st
}

func (f *fakeSwitches) Set(ids []string, state switches.State) {
	cmd := command{ids: append([]string(nil), ids...), state: state, prev: make(map[string]switches.State)}
	for _, id := range ids {
		cmd.prev[id] = f.State(id)
		if !f.drop {
			f.states[id] = state
		}
	}
	f.commands = append(f.commands, cmd)
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeTimer struct {
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() { t.stopped = true }

// fakeTimers fires callbacks synchronously as the shared clock is advanced.
// With late set, Stop is recorded but the callback still fires, like a timer
// whose expiry was already queued when it was stopped.
type fakeTimers struct {
	clock  *fakeClock
	timers []*fakeTimer
	late   bool
}

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) Timer {
	t := &fakeTimer{at: f.clock.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeTimers) Advance(d time.Duration) {
	target := f.clock.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range f.timers {
			if (t.stopped && !f.late) || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		f.clock.now = next.at
		next.fired = true
		next.fn()
	}
	f.clock.now = target
}

type fakeRecorder struct {
	activities []Activity
}

func (r *fakeRecorder) Record(a Activity) {
	r.activities = append(r.activities, a)
}

func (r *fakeRecorder) count(kind ActivityKind, reason string) int {
	n := 0
	for _, a := range r.activities {
		if a.Kind == kind && (reason == "" || a.Reason == reason) {
			n++
		}
	}
	return n
}

type harness struct {
	ctrl   *Controller
	sw     *fakeSwitches
	timers *fakeTimers
	clock  *fakeClock
	rec    *fakeRecorder
}

func newHarness(states map[string]switches.State, opts ...func(*Config)) *harness {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)}
	h := &harness{
		sw:     &fakeSwitches{states: states},
		timers: &fakeTimers{clock: clock},
		clock:  clock,
		rec:    &fakeRecorder{},
	}
	cfg := Config{
		Name:          "living",
		MasterSwitch:  masterID,
		Table:         testTable(),
		RestoreWindow: 10 * time.Second,
		OffDelay:      time.Second,
		ApplyTimeout:  3 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.ctrl = New(cfg, Deps{
		Switches: h.sw,
		Timers:   h.timers,
		Clock:    clock,
		Recorder: h.rec,
	})
	return h
}

func states(master, a, b, c switches.State) map[string]switches.State {
	return map[string]switches.State{masterID: master, lampA: a, lampB: b, lampC: c}
}

// pressMaster simulates someone toggling the scene switch.
func (h *harness) pressMaster(to switches.State) {
	from := h.sw.states[masterID]
	h.sw.states[masterID] = to
	h.ctrl.OnMasterSwitchChanged(from, to)
}

// toggleLinked simulates someone toggling a linked switch by hand.
func (h *harness) toggleLinked(id string, to switches.State) {
	from := h.sw.states[id]
	h.sw.states[id] = to
	h.ctrl.OnLinkedSwitchChanged(id, from, to)
}

// echoFrom delivers the notifications for every command issued from index on.
func (h *harness) echoFrom(index int) {
	cmds := append([]command(nil), h.sw.commands[index:]...)
	for _, cmd := range cmds {
		for _, id := range cmd.ids {
			h.ctrl.HandleChange(switches.Change{EntityID: id, Old: cmd.prev[id], New: cmd.state})
		}
	}
}

func (h *harness) lastCommand(t *testing.T) command {
	t.Helper()
	if len(h.sw.commands) == 0 {
		t.Fatal("no commands issued")
	}
	return h.sw.commands[len(h.sw.commands)-1]
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

var (
	on  = switches.On
	off = switches.Off
	na  = switches.Unavailable
)

func TestResynchronize_IsIdempotent(t *testing.T) {
	h := newHarness(states(off, on, off, off))

	h.ctrl.Resynchronize(ReasonStartup)
	if len(h.sw.commands) != 1 {
		t.Fatalf("first resync issued %d commands, want 1", len(h.sw.commands))
	}
	cmd := h.lastCommand(t)
	if cmd.ids[0] != masterID || cmd.state != on {
		t.Errorf("first resync command = %+v, want scene switch on", cmd)
	}
	if h.ctrl.CurrentScene() != 1 {
		t.Errorf("scene = %d, want 1", h.ctrl.CurrentScene())
	}
	if h.ctrl.Status().MasterTimeoutArmed {
		t.Error("resync must not arm the master apply timeout")
	}

	h.ctrl.Resynchronize(ReasonStartup)
	if len(h.sw.commands) != 1 {
		t.Errorf("second resync issued %d extra commands", len(h.sw.commands)-1)
	}
}

func TestResynchronize_AllOff(t *testing.T) {
	h := newHarness(states(on, off, off, off))

	h.ctrl.Resynchronize(ReasonStartup)

	cmd := h.lastCommand(t)
	if cmd.state != off || cmd.ids[0] != masterID {
		t.Errorf("command = %+v, want scene switch off", cmd)
	}
	if h.ctrl.CurrentScene() != OffIndex {
		t.Errorf("scene = %d, want off", h.ctrl.CurrentScene())
	}
	if h.rec.count(ActivitySceneActivated, "") != 0 {
		t.Error("resync must not activate the off scene")
	}
}

func TestResynchronize_AbortsWhileUnavailable(t *testing.T) {
	logs := captureLogs(t)
	h := newHarness(states(off, on, na, off))
	h.ctrl.current = 3

	h.ctrl.Resynchronize(ReasonStartup)

	if len(h.sw.commands) != 0 {
		t.Errorf("issued %d commands, want none", len(h.sw.commands))
	}
	if h.ctrl.CurrentScene() != 3 {
		t.Errorf("scene changed to %d", h.ctrl.CurrentScene())
	}
	if !strings.Contains(logs.String(), `"level":"warn"`) {
		t.Error("expected a warning")
	}
}

func TestLinkedEcho_DoesNotTriggerMaster(t *testing.T) {
	h := newHarness(states(on, on, off, off))
	h.ctrl.Resynchronize(ReasonStartup)

	if err := h.ctrl.ActivateScene(1); err != nil {
		t.Fatal(err)
	}
	if len(h.sw.commands) != 1 {
		t.Fatalf("issued %d commands, want 1", len(h.sw.commands))
	}
	if st := h.ctrl.Status(); len(st.LinkedPending) != 1 || !st.LinkedTimeoutArmed {
		t.Fatalf("status = %+v, want lamp_b pending and timeout armed", st)
	}

	h.echoFrom(0)

	st := h.ctrl.Status()
	if len(st.LinkedPending) != 0 || st.LinkedTimeoutArmed {
		t.Errorf("status = %+v, want nothing pending", st)
	}
	if len(h.sw.commands) != 1 {
		t.Errorf("echo caused %d further commands", len(h.sw.commands)-1)
	}
}

func TestMasterEcho_DoesNotReevaluateScene(t *testing.T) {
	h := newHarness(states(off, off, off, off))
	h.ctrl.Resynchronize(ReasonStartup)

	h.toggleLinked(lampB, on)

	cmd := h.lastCommand(t)
	if cmd.ids[0] != masterID || cmd.state != on {
		t.Fatalf("command = %+v, want scene switch on", cmd)
	}
	if st := h.ctrl.Status(); !st.MasterPending || !st.MasterTimeoutArmed {
		t.Fatalf("status = %+v, want master pending with timeout", st)
	}

	issued := len(h.sw.commands)
	h.echoFrom(issued - 1)

	st := h.ctrl.Status()
	if st.MasterPending || st.MasterTimeoutArmed || st.OffDelayArmed {
		t.Errorf("status = %+v, want echo fully consumed", st)
	}
	if len(h.sw.commands) != issued {
		t.Errorf("echo caused %d further commands", len(h.sw.commands)-issued)
	}
	if h.rec.count(ActivitySceneActivated, "") != 0 {
		t.Error("echo must not activate a scene")
	}
}

func TestApplyLinkedSwitchStates_OnlyDiffers(t *testing.T) {
	h := newHarness(states(on, on, on, off))

	h.ctrl.applyLinkedSwitchStates(map[string]switches.State{lampA: on, lampB: off})

	if len(h.sw.commands) != 1 {
		t.Fatalf("issued %d commands, want 1", len(h.sw.commands))
	}
	cmd := h.sw.commands[0]
	if len(cmd.ids) != 1 || cmd.ids[0] != lampB || cmd.state != off {
		t.Errorf("command = %+v, want lamp_b off", cmd)
	}
}

func TestApplyLinkedSwitchStates_BatchesByState(t *testing.T) {
	h := newHarness(states(on, off, on, off))

	h.ctrl.applyLinkedSwitchStates(map[string]switches.State{lampA: on, lampB: off, lampC: on})

	if len(h.sw.commands) != 2 {
		t.Fatalf("issued %d commands, want 2", len(h.sw.commands))
	}
	if got := h.sw.commands[0]; got.state != on || len(got.ids) != 2 {
		t.Errorf("turn-on batch = %+v, want lamp_a and lamp_c", got)
	}
	if got := h.sw.commands[1]; got.state != off || len(got.ids) != 1 {
		t.Errorf("turn-off batch = %+v, want lamp_b", got)
	}
}

func TestApplyLinkedSwitchStates_AlreadyActive(t *testing.T) {
	h := newHarness(states(on, on, on, off))

	batch := h.ctrl.applyLinkedSwitchStates(map[string]switches.State{lampA: on, lampB: on})

	if batch != "" || len(h.sw.commands) != 0 {
		t.Errorf("batch %q with %d commands, want none", batch, len(h.sw.commands))
	}
	if h.ctrl.Status().LinkedTimeoutArmed {
		t.Error("no timeout should be armed when nothing was sent")
	}
}

func TestRestoreWithinWindow(t *testing.T) {
	h := newHarness(states(on, on, off, off))
	h.ctrl.Resynchronize(ReasonStartup)

	h.pressMaster(off)
	h.timers.Advance(time.Second)

	cmd := h.lastCommand(t)
	if cmd.state != off || len(cmd.ids) != 1 || cmd.ids[0] != lampA {
		t.Fatalf("off scene command = %+v, want lamp_a off", cmd)
	}
	if h.ctrl.CurrentScene() != OffIndex {
		t.Fatalf("scene = %d, want off", h.ctrl.CurrentScene())
	}
	h.echoFrom(0)

	h.timers.Advance(3 * time.Second)
	h.pressMaster(on)

	if got := h.ctrl.CurrentScene(); got != 2 {
		t.Errorf("scene = %d (%s), want 2 (Reading)", got, testTable().Name(got))
	}
	cmd = h.lastCommand(t)
	if cmd.state != on || len(cmd.ids) != 1 || cmd.ids[0] != lampA {
		t.Errorf("restore command = %+v, want lamp_a on", cmd)
	}
	if h.rec.count(ActivitySceneRestored, ReasonRestore) != 1 {
		t.Error("expected one restore")
	}
	if h.rec.count(ActivitySceneActivated, ReasonFirst)+h.rec.count(ActivitySceneActivated, ReasonCycle) != 0 {
		t.Error("restore must not fall back to the first scene or cycle")
	}
}

func TestRestoreDisabled_ActivatesFirstScene(t *testing.T) {
	h := newHarness(states(on, on, off, off), func(cfg *Config) { cfg.RestoreWindow = 0 })
	h.ctrl.Resynchronize(ReasonStartup)

	h.pressMaster(off)
	h.timers.Advance(time.Second)
	h.echoFrom(0)
	h.pressMaster(on)

	if got := h.ctrl.CurrentScene(); got != 1 {
		t.Errorf("scene = %d, want 1", got)
	}
	if h.rec.count(ActivitySceneRestored, "") != 0 {
		t.Error("restore must be disabled with a zero window")
	}
}

func TestRestoreWindowExpired_ActivatesFirstScene(t *testing.T) {
	h := newHarness(states(on, on, off, off))
	h.ctrl.Resynchronize(ReasonStartup)

	h.pressMaster(off)
	h.timers.Advance(time.Second)
	h.echoFrom(0)

	h.timers.Advance(11 * time.Second)
	h.pressMaster(on)

	if got := h.ctrl.CurrentScene(); got != 1 {
		t.Errorf("scene = %d, want 1", got)
	}
	if h.rec.count(ActivitySceneActivated, ReasonFirst) != 1 {
		t.Error("expected first scene activation")
	}
}

func TestRestoreUnmatchedSnapshot_ActivatesFirstScene(t *testing.T) {
	h := newHarness(states(on, off, on, off))
	h.ctrl.Resynchronize(ReasonStartup)

	h.pressMaster(off)
	h.timers.Advance(time.Second)
	h.echoFrom(0)
	h.pressMaster(on)

	if got := h.ctrl.CurrentScene(); got != 1 {
		t.Errorf("scene = %d, want 1", got)
	}
	if h.rec.count(ActivitySceneRestored, "") != 0 {
		t.Error("unmatched snapshot must not be restored")
	}
}

func TestFirstPowerOn_WithoutSnapshot(t *testing.T) {
	h := newHarness(states(off, off, off, off))
	h.ctrl.Resynchronize(ReasonStartup)

	h.pressMaster(on)

	if got := h.ctrl.CurrentScene(); got != 1 {
		t.Errorf("scene = %d, want 1", got)
	}
	if h.lastCommand(t).state != on {
		t.Error("expected scene 1 to be switched on")
	}
}

func TestDoubleToggle_CyclesWithoutOffScene(t *testing.T) {
	h := newHarness(states(on, on, on, off))
	h.ctrl.Resynchronize(ReasonStartup)

	h.pressMaster(off)
	h.timers.Advance(500 * time.Millisecond)
	h.pressMaster(on)

	if got := h.ctrl.CurrentScene(); got != 2 {
		t.Fatalf("scene = %d, want 2", got)
	}
	if h.ctrl.Status().OffDelayArmed {
		t.Fatal("off delay should be cancelled")
	}
	h.echoFrom(0)

	h.timers.Advance(5 * time.Second)

	if h.rec.count(ActivitySceneActivated, ReasonOff) != 0 {
		t.Error("off scene must never be activated")
	}
	if h.rec.count(ActivitySceneActivated, ReasonCycle) != 1 {
		t.Error("expected exactly one cycle step")
	}
	if h.rec.count(ActivityRecovery, "") != 0 {
		t.Error("unexpected recovery")
	}
	for _, cmd := range h.sw.commands {
		if cmd.state == off && len(cmd.ids) > 1 {
			t.Errorf("unexpected bulk off %+v", cmd)
		}
	}
}

func TestOffDelay_SupersededCallbackIsIgnored(t *testing.T) {
	h := newHarness(states(on, on, on, off))
	h.timers.late = true
	h.ctrl.Resynchronize(ReasonStartup)

	// First off arms the delay for t=1s, the quick on cancels it
	h.pressMaster(off)
	h.timers.Advance(500 * time.Millisecond)
	h.pressMaster(on)
	h.echoFrom(0)

	// Second off re-arms the delay for t=1.6s
	h.timers.Advance(100 * time.Millisecond)
	h.pressMaster(off)

	// The cancelled timer still fires at t=1s
	h.timers.Advance(400 * time.Millisecond)
	if h.rec.count(ActivitySceneActivated, ReasonOff) != 0 {
		t.Fatal("stale off delay activated the off scene")
	}
	if !h.ctrl.Status().OffDelayArmed {
		t.Fatal("re-armed off delay was cleared by the stale callback")
	}

	h.timers.Advance(600 * time.Millisecond)
	if n := h.rec.count(ActivitySceneActivated, ReasonOff); n != 1 {
		t.Errorf("off scene activations = %d, want 1", n)
	}
	if h.ctrl.CurrentScene() != OffIndex {
		t.Errorf("scene = %d, want off", h.ctrl.CurrentScene())
	}
}

func TestDoubleToggle_WrapsAfterLastScene(t *testing.T) {
	h := newHarness(states(on, on, on, on))
	h.ctrl.Resynchronize(ReasonStartup)
	if err := h.ctrl.ActivateScene(3); err != nil {
		t.Fatal(err)
	}

	h.pressMaster(off)
	h.timers.Advance(200 * time.Millisecond)
	h.pressMaster(on)

	if got := h.ctrl.CurrentScene(); got != 1 {
		t.Errorf("scene = %d, want wrap to 1", got)
	}
}

func TestLinkedApplyTimeout_Resynchronizes(t *testing.T) {
	logs := captureLogs(t)
	h := newHarness(states(off, off, off, off))
	h.sw.drop = true

	h.ctrl.applyLinkedSwitchStates(map[string]switches.State{lampC: on})
	if st := h.ctrl.Status(); len(st.LinkedPending) != 1 || st.LinkedPending[0] != lampC {
		t.Fatalf("pending = %v, want [%s]", st.LinkedPending, lampC)
	}

	h.timers.Advance(3 * time.Second)

	if n := h.rec.count(ActivityRecovery, ReasonLinkedApplyTimeout); n != 1 {
		t.Errorf("recoveries = %d, want 1", n)
	}
	if n := h.rec.count(ActivityResync, ""); n != 1 {
		t.Errorf("resyncs = %d, want 1", n)
	}
	if !strings.Contains(logs.String(), `"level":"warn"`) {
		t.Error("expected a warning")
	}
	if st := h.ctrl.Status(); len(st.LinkedPending) != 0 {
		t.Errorf("pending after resync = %v", st.LinkedPending)
	}
}

func TestLinkedApplyTimeout_NoopWhenApplied(t *testing.T) {
	h := newHarness(states(off, off, off, off))

	h.ctrl.onOffDelayExpired()
	h.timers.Advance(5 * time.Second)

	if h.rec.count(ActivityRecovery, "")+h.rec.count(ActivityResync, "") != 0 {
		t.Error("timeout with nothing pending must not resync")
	}
}

func TestMasterApplyTimeout_Resynchronizes(t *testing.T) {
	h := newHarness(states(off, off, off, off))
	h.ctrl.Resynchronize(ReasonStartup)
	h.sw.drop = true

	h.toggleLinked(lampA, on)
	if !h.ctrl.Status().MasterTimeoutArmed {
		t.Fatal("master timeout should be armed")
	}

	h.timers.Advance(3 * time.Second)

	if n := h.rec.count(ActivityRecovery, ReasonMasterApplyTimeout); n != 1 {
		t.Errorf("recoveries = %d, want 1", n)
	}
	if h.ctrl.CurrentScene() != 1 {
		t.Errorf("scene = %d, want 1", h.ctrl.CurrentScene())
	}
	st := h.ctrl.Status()
	if st.MasterTimeoutArmed {
		t.Error("resync correction must not re-arm the timeout")
	}
	if !st.MasterPending {
		t.Error("resync should have re-issued the scene switch command")
	}
}

func TestLinkedManualOff_MasterFollowsLastOff(t *testing.T) {
	h := newHarness(states(on, on, on, off))
	h.ctrl.Resynchronize(ReasonStartup)

	h.toggleLinked(lampA, off)
	if len(h.sw.commands) != 0 {
		t.Fatalf("issued %d commands while lamp_b still on", len(h.sw.commands))
	}

	h.toggleLinked(lampB, off)
	cmd := h.lastCommand(t)
	if cmd.ids[0] != masterID || cmd.state != off {
		t.Errorf("command = %+v, want scene switch off", cmd)
	}
}

func TestLinkedManualToggle_CancelsPendingOff(t *testing.T) {
	h := newHarness(states(on, on, off, off))
	h.ctrl.Resynchronize(ReasonStartup)

	h.pressMaster(off)
	h.toggleLinked(lampB, on)

	if h.ctrl.Status().OffDelayArmed {
		t.Fatal("off delay should be cancelled by a manual toggle")
	}
	h.timers.Advance(2 * time.Second)

	if h.rec.count(ActivitySceneActivated, ReasonOff) != 0 {
		t.Error("off scene must not be applied after a manual toggle")
	}
	cmd := h.lastCommand(t)
	if cmd.ids[0] != masterID || cmd.state != on {
		t.Errorf("command = %+v, want scene switch back on", cmd)
	}
}

func TestUnavailableTransitions(t *testing.T) {
	h := newHarness(states(on, on, off, off))
	h.ctrl.Resynchronize(ReasonStartup)
	resyncs := h.rec.count(ActivityResync, "")

	h.ctrl.OnLinkedSwitchChanged(lampA, on, na)
	if h.rec.count(ActivityResync, "") != resyncs || len(h.sw.commands) != 0 {
		t.Fatal("going unavailable must be ignored")
	}

	h.ctrl.OnLinkedSwitchChanged(lampA, na, on)
	if h.rec.count(ActivityResync, ReasonReconnect) != 1 {
		t.Error("coming back must resync")
	}

	h.ctrl.OnMasterSwitchChanged(na, on)
	if h.rec.count(ActivityResync, ReasonReconnect) != 2 {
		t.Error("scene switch coming back must resync")
	}
}

func TestActivateScene_DrivesMaster(t *testing.T) {
	h := newHarness(states(off, off, off, off))
	h.ctrl.Resynchronize(ReasonStartup)

	if err := h.ctrl.ActivateScene(3); err != nil {
		t.Fatal(err)
	}
	cmd := h.lastCommand(t)
	if cmd.ids[0] != masterID || cmd.state != on {
		t.Errorf("last command = %+v, want scene switch on", cmd)
	}

	err := h.ctrl.ActivateScene(4)
	if !errors.Is(err, ErrSceneOutOfRange) {
		t.Errorf("err = %v, want ErrSceneOutOfRange", err)
	}
}

func TestControllers_AreIndependent(t *testing.T) {
	a := newHarness(states(off, off, off, off))
	b := newHarness(states(off, off, off, off))

	a.pressMaster(on)
	a.pressMaster(off)

	if st := b.ctrl.Status(); st.OffDelayArmed || st.LastOff != nil || b.ctrl.CurrentScene() != OffIndex {
		t.Errorf("second controller affected: %+v", st)
	}
}

func TestClose_StopsTimers(t *testing.T) {
	h := newHarness(states(on, on, off, off))
	h.pressMaster(off)

	h.ctrl.Close()
	h.timers.Advance(5 * time.Second)

	if h.rec.count(ActivitySceneActivated, ReasonOff) != 0 {
		t.Error("closed controller must not fire timers")
	}
}
