package server

import (
	"net/http"
	"time"

	"github.com/raterudder/freephase/pkg/coordinator"
	"github.com/raterudder/freephase/pkg/types"
)

type instanceSummary struct {
	Region       string            `json:"region"`
	Label        string            `json:"label"`
	Status       types.Status      `json:"coordinator_status"`
	CurrentPhase *types.Phase      `json:"current_phase"`
	Window       types.Window      `json:"window"`
	GeneratedAt  time.Time         `json:"generated_at"`
	Flags        types.HealthFlags `json:"flags"`
}

// snapshotResponse is the snapshot plus the queries evaluated at request time.
type snapshotResponse struct {
	*types.Snapshot
	EvaluatedAt  time.Time         `json:"evaluated_at"`
	CurrentSlot  *types.Slot       `json:"current_slot"`
	NextSlot     *types.Slot       `json:"next_slot"`
	CurrentBlock *types.PhaseBlock `json:"current_block"`
	NextBlock    *types.PhaseBlock `json:"next_block"`
	Next24Hours  []types.Slot      `json:"next_24_hours"`
}

func newSnapshotResponse(snap *types.Snapshot, now time.Time) snapshotResponse {
	resp := snapshotResponse{
		Snapshot:    snap,
		EvaluatedAt: now,
		Next24Hours: snap.Next24Hours(now),
	}
	if slot, ok := snap.CurrentSlot(now); ok {
		resp.CurrentSlot = &slot
	}
	if slot, ok := snap.NextSlot(now); ok {
		resp.NextSlot = &slot
	}
	if b, ok := snap.CurrentBlock(now); ok {
		resp.CurrentBlock = &b
	}
	if b, ok := snap.NextBlock(now); ok {
		resp.NextBlock = &b
	}
	if resp.Next24Hours == nil {
		resp.Next24Hours = []types.Slot{}
	}
	return resp
}

// getInstance looks up the coordinator named by the id path value and writes
// a 404 if there isn't one.
func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) (*coordinator.Coordinator, bool) {
	id := r.PathValue("id")
	c, ok := s.coordinators.Get(id)
	if !ok {
		writeJSONError(w, "unknown instance: "+id, http.StatusNotFound)
		return nil, false
	}
	return c, true
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	list := s.coordinators.List()
	out := make([]instanceSummary, 0, len(list))
	for _, c := range list {
		snap := c.Snapshot()
		label, _ := types.RegionLabel(c.Region())
		sum := instanceSummary{
			Region:      c.Region(),
			Label:       label,
			Status:      snap.Health.Status,
			Window:      snap.Forecast.Window,
			GeneratedAt: snap.GeneratedAt,
			Flags:       snap.Health.Flags,
		}
		if slot, ok := snap.CurrentSlot(now); ok {
			sum.CurrentPhase = &slot.Phase
		}
		out = append(out, sum)
	}
	writeJSON(w, out)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getInstance(w, r)
	if !ok {
		return
	}
	writeJSON(w, newSnapshotResponse(c.Snapshot(), s.now()))
}

// timelineScope returns true when the caller asked for every known slot
// rather than only the forecast window.
func timelineScope(w http.ResponseWriter, r *http.Request) (bool, bool) {
	switch r.URL.Query().Get("scope") {
	case "", "window":
		return false, true
	case "timeline":
		return true, true
	default:
		writeJSONError(w, "invalid scope, expected window or timeline", http.StatusBadRequest)
		return false, false
	}
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getInstance(w, r)
	if !ok {
		return
	}
	timeline, ok := timelineScope(w, r)
	if !ok {
		return
	}
	snap := c.Snapshot()
	slots := snap.Forecast.Slots
	if timeline {
		slots = snap.Forecast.Timeline
	}
	if slots == nil {
		slots = []types.Slot{}
	}
	writeJSON(w, slots)
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getInstance(w, r)
	if !ok {
		return
	}
	timeline, ok := timelineScope(w, r)
	if !ok {
		return
	}
	snap := c.Snapshot()
	blocks := snap.Forecast.Blocks
	if timeline {
		blocks = snap.Forecast.TimelineBlocks
	}
	if blocks == nil {
		blocks = []types.PhaseBlock{}
	}
	writeJSON(w, blocks)
}

func (s *Server) handleCurrentBlock(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getInstance(w, r)
	if !ok {
		return
	}
	b, ok := c.Snapshot().CurrentBlock(s.now())
	if !ok {
		writeJSONError(w, "no block covers the current time", http.StatusNotFound)
		return
	}
	writeJSON(w, b)
}

func (s *Server) handleNextBlock(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getInstance(w, r)
	if !ok {
		return
	}
	b, ok := c.Snapshot().NextBlock(s.now())
	if !ok {
		writeJSONError(w, "no upcoming block", http.StatusNotFound)
		return
	}
	writeJSON(w, b)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getInstance(w, r)
	if !ok {
		return
	}
	writeJSON(w, c.Diagnostics())
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getInstance(w, r)
	if !ok {
		return
	}
	if s.costs != nil {
		if t, ok := s.costs.Get(c.Region()); ok {
			writeJSON(w, t.Report())
			return
		}
	}
	writeJSON(w, types.CostReport{Status: types.CostStatusDisabled})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getInstance(w, r)
	if !ok {
		return
	}
	writeJSON(w, c.EventDiagnostics())
}
