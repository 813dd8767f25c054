package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the coordinator status reported with every snapshot.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusOK           Status = "ok"
	StatusDegraded     Status = "degraded"
	StatusError        Status = "error"
)

// Window is the time range covered by a forecast.
type Window struct {
	EffectiveFrom time.Time `json:"effective_from"`
	EffectiveTo   time.Time `json:"effective_to"`
}

// IsZero returns true if no window has been set.
func (w Window) IsZero() bool {
	return w.EffectiveFrom.IsZero() && w.EffectiveTo.IsZero()
}

// Equal returns true if both windows cover the same instants.
func (w Window) Equal(o Window) bool {
	return w.EffectiveFrom.Equal(o.EffectiveFrom) && w.EffectiveTo.Equal(o.EffectiveTo)
}

// Contains returns true if t is within [EffectiveFrom, EffectiveTo).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.EffectiveFrom) && t.Before(w.EffectiveTo)
}

// ExpectedSlots is the number of slots needed to cover the window. This isn't
// always 48 since the window follows local time across DST changes.
func (w Window) ExpectedSlots() int {
	return int(w.EffectiveTo.Sub(w.EffectiveFrom) / SlotDuration)
}

// Stats are derived from the slots of a forecast window.
type Stats struct {
	SlotCount         int             `json:"slot_count"`
	CheapestSlot      *Slot           `json:"cheapest_slot"`
	MostExpensiveSlot *Slot           `json:"most_expensive_slot"`
	FreeSlots         int             `json:"free_slots"`
	AveragePrice      decimal.Decimal `json:"average_price"`
}

// DayGroupings are the timeline slots grouped by local calendar day.
type DayGroupings struct {
	Yesterday []Slot `json:"yesterday"`
	Today     []Slot `json:"today"`
	Tomorrow  []Slot `json:"tomorrow"`
}

// Forecast is everything derived from a single payload. Building one from the
// same payload with the same policy and time always produces the same value.
type Forecast struct {
	Window Window       `json:"window"`
	Slots  []Slot       `json:"slots"`
	Blocks []PhaseBlock `json:"blocks"`

	// Timeline holds every normalized slot in the payload which can extend
	// beyond Window.
	Timeline       []Slot       `json:"timeline"`
	TimelineBlocks []PhaseBlock `json:"timeline_blocks"`

	Stats Stats        `json:"stats"`
	Days  DayGroupings `json:"days"`

	// Complete is false when the window is missing slots.
	Complete bool     `json:"complete"`
	Issues   []string `json:"issues,omitempty"`
	// MalformedEntries is the number of payload entries that were discarded.
	MalformedEntries int    `json:"malformed_entries"`
	Convention       string `json:"phase_convention"`
}

// HealthFlags describe individual problems seen during the last refresh.
type HealthFlags struct {
	APIError            bool `json:"api_error"`
	NoData              bool `json:"no_data"`
	MalformedEntries    int  `json:"malformed_entries"`
	Partial             bool `json:"partial"`
	Stale               bool `json:"stale"`
	MetadataError       bool `json:"metadata_error"`
	StandingChargeError bool `json:"standing_charge_error"`
}

// Health is the diagnostic state attached to a snapshot.
type Health struct {
	Status               Status      `json:"coordinator_status"`
	LastSuccessfulUpdate *time.Time  `json:"last_successful_update"`
	DataAgeSeconds       *int64      `json:"data_age_seconds"`
	APILatencyMS         *int64      `json:"api_latency_ms"`
	NextRefreshTime      *time.Time  `json:"next_refresh_time"`
	JitterAppliedMS      int64       `json:"jitter_applied_ms"`
	ConsecutiveFailures  int         `json:"consecutive_failures"`
	RetryCount           int         `json:"retry_count"`
	LastError            string      `json:"last_error,omitempty"`
	Flags                HealthFlags `json:"flags"`
}

// FetchInfo records how the snapshot's data was retrieved.
type FetchInfo struct {
	FetchedAt time.Time `json:"fetched_at"`
	Attempts  int       `json:"attempts"`
	Pages     int       `json:"pages"`
	Entries   int       `json:"entries"`
}

// Snapshot is the immutable state published after every refresh.
type Snapshot struct {
	Region string `json:"region"`
	// GeneratedAt is the evaluation time used for current slot queries.
	GeneratedAt    time.Time       `json:"generated_at"`
	Forecast       Forecast        `json:"forecast"`
	Fetch          FetchInfo       `json:"fetch"`
	Health         Health          `json:"health"`
	Tariff         *TariffMetadata `json:"tariff,omitempty"`
	StandingCharge *StandingCharge `json:"standing_charge,omitempty"`
	Marks          EventMarks      `json:"event_marks"`
}

// HasData returns true if the snapshot has any slots.
func (s *Snapshot) HasData() bool {
	return s != nil && len(s.Forecast.Timeline) > 0
}

// CurrentSlot returns the slot containing t.
func (s *Snapshot) CurrentSlot(t time.Time) (Slot, bool) {
	if s == nil {
		return Slot{}, false
	}
	for _, slot := range s.Forecast.Timeline {
		if slot.Contains(t) {
			return slot, true
		}
	}
	return Slot{}, false
}

// NextSlot returns the first slot that starts after t.
func (s *Snapshot) NextSlot(t time.Time) (Slot, bool) {
	if s == nil {
		return Slot{}, false
	}
	for _, slot := range s.Forecast.Timeline {
		if slot.Start.After(t) {
			return slot, true
		}
	}
	return Slot{}, false
}

func (s *Snapshot) currentBlock(t time.Time) (PhaseBlock, int, bool) {
	if s == nil {
		return PhaseBlock{}, -1, false
	}
	for i, b := range s.Forecast.TimelineBlocks {
		if b.Contains(t) {
			return b, i, true
		}
	}
	return PhaseBlock{}, -1, false
}

// CurrentBlock returns the timeline block containing t.
func (s *Snapshot) CurrentBlock(t time.Time) (PhaseBlock, bool) {
	b, _, ok := s.currentBlock(t)
	return b, ok
}

// NextBlock returns the first block after the current one with a different
// phase. If t isn't inside any block the first block starting after t is
// returned.
func (s *Snapshot) NextBlock(t time.Time) (PhaseBlock, bool) {
	if s == nil {
		return PhaseBlock{}, false
	}
	blocks := s.Forecast.TimelineBlocks
	cur, i, ok := s.currentBlock(t)
	if ok {
		// a gap can split a phase across blocks
		for _, b := range blocks[i+1:] {
			if b.Phase != cur.Phase {
				return b, true
			}
		}
		return PhaseBlock{}, false
	}
	for _, b := range blocks {
		if b.Start.After(t) {
			return b, true
		}
	}
	return PhaseBlock{}, false
}

// Next24Hours returns up to 48 slots starting at or after t.
func (s *Snapshot) Next24Hours(t time.Time) []Slot {
	if s == nil {
		return nil
	}
	var out []Slot
	for _, slot := range s.Forecast.Timeline {
		if slot.Start.Before(t) {
			continue
		}
		out = append(out, slot)
		if len(out) == int(24*time.Hour/SlotDuration) {
			break
		}
	}
	return out
}
