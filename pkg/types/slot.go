package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// SlotDuration is the fixed length of a tariff slot.
	SlotDuration = 30 * time.Minute
	// PriceUnit is the unit every slot price is expressed in.
	PriceUnit = "p/kWh"
)

// RawPayload is the unnormalized list of rate entries returned by the tariff
// API across all fetched pages.
type RawPayload struct {
	Entries []json.RawMessage `json:"entries"`
	Pages   int               `json:"pages"`
	// Latency is the total time spent on requests for this payload.
	Latency time.Duration `json:"-"`
}

// Slot is a single half-hour tariff interval.
type Slot struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes int       `json:"duration_minutes"`
	// Index is the ordinal of the slot within its forecast window.
	Index int             `json:"slot_index"`
	Price decimal.Decimal `json:"price"`
	Unit  string          `json:"unit"`
	Phase Phase           `json:"phase"`
}

// Contains returns true if t is within [Start, End).
func (s Slot) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// PhaseBlock is a maximal run of consecutive slots sharing the same phase.
type PhaseBlock struct {
	Phase           Phase           `json:"phase"`
	Start           time.Time       `json:"start"`
	End             time.Time       `json:"end"`
	DurationMinutes int             `json:"duration_minutes"`
	SlotCount       int             `json:"slot_count"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	MinPrice        decimal.Decimal `json:"min_price"`
	MaxPrice        decimal.Decimal `json:"max_price"`
	Unit            string          `json:"unit"`

	// FirstSlot is the position of the block's first slot in the sequence it
	// was merged from.
	FirstSlot int `json:"first_slot"`
}

// Contains returns true if t is within [Start, End).
func (b PhaseBlock) Contains(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}

// LastSlot is the position of the block's last slot in the sequence it was
// merged from.
func (b PhaseBlock) LastSlot() int {
	return b.FirstSlot + b.SlotCount - 1
}
