package app

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sceneswitch/internal/api"
	"github.com/dokzlo13/sceneswitch/internal/eventbus"
	"github.com/dokzlo13/sceneswitch/internal/ledger"
	"github.com/dokzlo13/sceneswitch/internal/loop"
	"github.com/dokzlo13/sceneswitch/internal/scene"
	"github.com/dokzlo13/sceneswitch/internal/switches"
)

// HistorySource reads recorded controller activity.
type HistorySource interface {
	GetByController(controller string, limit int) ([]*ledger.Entry, error)
	GetByType(kind scene.ActivityKind, limit int) ([]*ledger.Entry, error)
}

// controllerUnit is a controller together with the loop that owns it.
type controllerUnit struct {
	ctrl *scene.Controller
	loop *loop.Loop
}

// ControllerService runs every configured controller on its own event loop and
// routes backend events to them.
type ControllerService struct {
	backend    switches.Backend
	bus        *eventbus.Bus
	history    HistorySource
	dispatcher *loop.Loop

	units map[string]*controllerUnit
	order []string

	mu      sync.Mutex
	ctx     context.Context
	started bool
}

var _ api.Controllers = (*ControllerService)(nil)

// NewControllerService creates one controller per configuration.
// Controllers stay idle until Start.
func NewControllerService(
	cfgs []scene.Config,
	backend switches.Backend,
	bus *eventbus.Bus,
	recorder scene.Recorder,
	history HistorySource,
) *ControllerService {
	s := &ControllerService{
		backend:    backend,
		bus:        bus,
		history:    history,
		dispatcher: loop.New("commands", loop.DefaultQueueSize),
		units:      make(map[string]*controllerUnit, len(cfgs)),
		ctx:        context.Background(),
	}

	for _, cfg := range cfgs {
		l := loop.New("controller:"+cfg.Name, loop.DefaultQueueSize)
		ctrl := scene.New(cfg, scene.Deps{
			Switches: &commandSink{controller: cfg.Name, backend: backend, dispatcher: s.dispatcher, ctx: s.context},
			Timers:   loopTimers{loop: l},
			Recorder: recorder,
		})
		s.units[ctrl.Name()] = &controllerUnit{ctrl: ctrl, loop: l}
		s.order = append(s.order, ctrl.Name())
	}

	return s
}

// WatchedEntities returns every entity any controller reacts to.
func WatchedEntities(cfgs []scene.Config) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, cfg := range cfgs {
		add(cfg.MasterSwitch)
		for _, id := range cfg.Table.Linked() {
			add(id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Start runs the loops, subscribes to backend events and resynchronizes every controller.
func (s *ControllerService) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.started = true
	s.mu.Unlock()

	go s.dispatcher.Run(ctx)
	for _, name := range s.order {
		go s.units[name].loop.Run(ctx)
	}

	s.bus.Subscribe(eventbus.EventTypeStateChanged, s.onStateChanged)
	s.bus.Subscribe(eventbus.EventTypeConnected, s.onConnected)
	s.bus.Subscribe(eventbus.EventTypeDisconnected, func(e eventbus.Event) {
		log.Warn().Str("backend", e.Backend).Msg("Switch backend disconnected")
	})

	s.resyncAll(scene.ReasonStartup)

	log.Info().Int("controllers", len(s.order)).Msg("Controllers started")
}

func (s *ControllerService) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *ControllerService) onStateChanged(e eventbus.Event) {
	ch := e.Change
	for _, name := range s.order {
		u := s.units[name]
		if !u.ctrl.Watches(ch.EntityID) {
			continue
		}
		err := u.loop.DoSync(s.context(), func(context.Context) {
			u.ctrl.HandleChange(ch)
		})
		if err != nil {
			log.Debug().Err(err).Str("controller", name).Str("entity", ch.EntityID).Msg("Dropping state change")
		}
	}
}

func (s *ControllerService) onConnected(e eventbus.Event) {
	log.Info().Str("backend", e.Backend).Msg("Switch backend connected, resynchronizing")
	s.resyncAll(scene.ReasonReconnect)
}

func (s *ControllerService) resyncAll(reason string) {
	for _, name := range s.order {
		u := s.units[name]
		err := u.loop.DoSync(s.context(), func(context.Context) {
			u.ctrl.Resynchronize(reason)
		})
		if err != nil {
			log.Warn().Err(err).Str("controller", name).Msg("Failed to queue resynchronization")
		}
	}
}

func (s *ControllerService) unit(name string) (*controllerUnit, error) {
	u, ok := s.units[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownController, name)
	}
	return u, nil
}

// List returns the status of every controller in configuration order.
func (s *ControllerService) List(ctx context.Context) ([]scene.Status, error) {
	out := make([]scene.Status, 0, len(s.order))
	for _, name := range s.order {
		st, err := s.Status(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Status returns a controller's status, read on its loop.
func (s *ControllerService) Status(ctx context.Context, name string) (scene.Status, error) {
	u, err := s.unit(name)
	if err != nil {
		return scene.Status{}, err
	}

	var st scene.Status
	err = u.loop.DoSyncWithResult(ctx, func(context.Context) error {
		st = u.ctrl.Status()
		return nil
	})
	return st, err
}

// Resync resynchronizes one controller.
func (s *ControllerService) Resync(ctx context.Context, name string) error {
	u, err := s.unit(name)
	if err != nil {
		return err
	}
	return u.loop.DoSyncWithResult(ctx, func(context.Context) error {
		u.ctrl.Resynchronize(scene.ReasonRequested)
		return nil
	})
}

// Activate activates a scene on one controller. Index 0 is the off scene.
func (s *ControllerService) Activate(ctx context.Context, name string, index int) error {
	u, err := s.unit(name)
	if err != nil {
		return err
	}
	return u.loop.DoSyncWithResult(ctx, func(context.Context) error {
		return u.ctrl.ActivateScene(index)
	})
}

// History returns the most recent recorded activity of one controller.
func (s *ControllerService) History(name string, limit int) ([]*ledger.Entry, error) {
	if _, err := s.unit(name); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []*ledger.Entry{}, nil
	}
	return s.history.GetByController(name, limit)
}

// Activity returns the most recent recorded activity of one kind across controllers.
func (s *ControllerService) Activity(kind scene.ActivityKind, limit int) ([]*ledger.Entry, error) {
	if s.history == nil {
		return []*ledger.Entry{}, nil
	}
	return s.history.GetByType(kind, limit)
}

// Close stops the loops and every armed controller timer.
func (s *ControllerService) Close() {
	for _, name := range s.order {
		s.units[name].loop.Close()
	}

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	for _, name := range s.order {
		u := s.units[name]
		if started {
			<-u.loop.Done()
		}
		u.ctrl.Close()
	}

	s.dispatcher.Close()
	if started {
		<-s.dispatcher.Done()
	}
}

// loopTimers arms controller timers on the controller's loop.
type loopTimers struct {
	loop *loop.Loop
}

func (t loopTimers) AfterFunc(d time.Duration, fn func()) scene.Timer {
	return t.loop.AfterFunc(d, fn)
}

// commandSink reads states from the backend and hands commands to the dispatcher
// loop, so a slow backend never blocks a controller.
type commandSink struct {
	controller string
	backend    switches.Backend
	dispatcher *loop.Loop
	ctx        func() context.Context
}

func (c *commandSink) State(entityID string) switches.State {
	return c.backend.State(entityID)
}

func (c *commandSink) Set(ids []string, state switches.State) {
	ids = slices.Clone(ids)
	queued := c.dispatcher.Do(c.ctx(), func(ctx context.Context) {
		if err := c.backend.Set(ctx, ids, state); err != nil {
			log.Warn().
				Err(err).
				Str("controller", c.controller).
				Strs("entities", ids).
				Str("state", state.String()).
				Msg("Failed to set switches")
		}
	})
	if !queued {
		log.Warn().Str("controller", c.controller).Strs("entities", ids).Msg("Command dropped")
	}
}
