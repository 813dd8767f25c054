package events

import (
	"sync"

	"github.com/raterudder/freephase/pkg/types"
)

// RecentEvents is the number of events kept in diagnostics.
const RecentEvents = 5

// Recorder keeps per-type counts and the most recent events.
type Recorder struct {
	mu sync.Mutex
	d  types.EventDiagnostics
}

// NewRecorder returns a recorder seeded with previously persisted
// diagnostics.
func NewRecorder(d types.EventDiagnostics) *Recorder {
	r := &Recorder{}
	r.Restore(d)
	return r
}

// Restore replaces the recorded diagnostics.
func (r *Recorder) Restore(d types.EventDiagnostics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.d = copyDiagnostics(d)
}

// Record adds events to the diagnostics.
func (r *Recorder) Record(evs ...types.Event) {
	if len(evs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.d.Counts == nil {
		r.d.Counts = make(map[types.EventType]int)
	}
	for _, ev := range evs {
		r.d.Counts[ev.Type]++
		r.d.LastEventType = ev.Type
		at := ev.FiredAt
		r.d.LastEventAt = &at
		r.d.Recent = append(r.d.Recent, ev)
	}
	if over := len(r.d.Recent) - RecentEvents; over > 0 {
		r.d.Recent = append([]types.Event(nil), r.d.Recent[over:]...)
	}
}

// Get returns a copy of the diagnostics.
func (r *Recorder) Get() types.EventDiagnostics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyDiagnostics(r.d)
}

func copyDiagnostics(d types.EventDiagnostics) types.EventDiagnostics {
	out := types.EventDiagnostics{
		LastEventType: d.LastEventType,
		Counts:        make(map[types.EventType]int, len(d.Counts)),
		Recent:        append([]types.Event(nil), d.Recent...),
	}
	if d.LastEventAt != nil {
		at := *d.LastEventAt
		out.LastEventAt = &at
	}
	for k, v := range d.Counts {
		out.Counts[k] = v
	}
	if len(out.Recent) > RecentEvents {
		out.Recent = out.Recent[len(out.Recent)-RecentEvents:]
	}
	return out
}
