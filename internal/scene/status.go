package scene

import (
	"sort"
	"time"
)

// Status is a point-in-time view of a controller for diagnostics.
type Status struct {
	Name               string     `json:"name"`
	MasterSwitch       string     `json:"scene_switch"`
	SceneIndex         int        `json:"scene_index"`
	SceneName          string     `json:"scene_name"`
	Scenes             []string   `json:"scenes"`
	MasterPending      bool       `json:"master_pending"`
	LinkedPending      []string   `json:"linked_pending"`
	OffDelayArmed      bool       `json:"off_delay_armed"`
	LinkedTimeoutArmed bool       `json:"linked_timeout_armed"`
	MasterTimeoutArmed bool       `json:"master_timeout_armed"`
	LastOff            *time.Time `json:"last_off,omitempty"`
}

// Status returns the controller's current status. Like every other method it must
// be called on the controller's event loop.
func (c *Controller) Status() Status {
	pending := make([]string, 0, len(c.pendingLinked))
	for id := range c.pendingLinked {
		pending = append(pending, id)
	}
	sort.Strings(pending)

	names := make([]string, 0, c.cfg.Table.Len())
	for _, sc := range c.cfg.Table.On {
		names = append(names, sc.Name)
	}

	st := Status{
		Name:               c.cfg.Name,
		MasterSwitch:       c.cfg.MasterSwitch,
		SceneIndex:         c.current,
		SceneName:          c.cfg.Table.Name(c.current),
		Scenes:             names,
		MasterPending:      len(c.pendingMaster) > 0,
		LinkedPending:      pending,
		OffDelayArmed:      c.offDelay != nil,
		LinkedTimeoutArmed: c.linkedTimeout != nil,
		MasterTimeoutArmed: c.masterTimeout != nil,
	}
	if !c.lastOff.IsZero() {
		lastOff := c.lastOff
		st.LastOff = &lastOff
	}
	return st
}
