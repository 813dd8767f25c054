package coordinator

import (
	"github.com/raterudder/freephase/pkg/log"
	"github.com/raterudder/freephase/pkg/types"
)

// Diagnostics is the inspection surface of an instance.
type Diagnostics struct {
	Region       string                     `json:"region"`
	Health       types.Health               `json:"health"`
	Fetch        types.FetchInfo            `json:"fetch"`
	Scheduler    types.SchedulerDiagnostics `json:"scheduler"`
	Events       types.EventDiagnostics     `json:"events"`
	Convention   string                     `json:"phase_convention"`
	Policy       types.PhasePolicy          `json:"policy"`
	Issues       []string                   `json:"issues,omitempty"`
	DebugLogging bool                       `json:"debug_logging"`
	DebugBuffer  []log.Entry                `json:"debug_buffer"`
}

// Diagnostics returns the current diagnostics.
func (c *Coordinator) Diagnostics() Diagnostics {
	snap := c.Snapshot()
	return Diagnostics{
		Region:       c.cfg.Region,
		Health:       snap.Health,
		Fetch:        snap.Fetch,
		Scheduler:    c.sched.Diagnostics(),
		Events:       c.recorder.Get(),
		Convention:   c.cfg.Policy.Convention(),
		Policy:       c.cfg.Policy,
		Issues:       snap.Forecast.Issues,
		DebugLogging: c.cfg.Debug,
		DebugBuffer:  c.logs.Entries(),
	}
}
