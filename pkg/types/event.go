package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names an outbound event.
type EventType string

const (
	EventPhaseChanged         EventType = "phase_changed"
	EventNewForecastAvailable EventType = "new_forecast_available"
	EventPhaseEndingSoon      EventType = "phase_ending_soon"
	EventNextPhaseChanged     EventType = "next_phase_changed"
)

// Event is emitted when consecutive snapshots differ in a way consumers care
// about.
type Event struct {
	ID      uuid.UUID `json:"id"`
	Type    EventType `json:"type"`
	Region  string    `json:"region"`
	FiredAt time.Time `json:"fired_at"`
	Payload any       `json:"payload"`
}

// PhaseChangedPayload is the payload of EventPhaseChanged.
type PhaseChangedPayload struct {
	OldPhase        Phase           `json:"old_phase"`
	NewPhase        Phase           `json:"new_phase"`
	SlotStart       time.Time       `json:"slot_start"`
	SlotEnd         time.Time       `json:"slot_end"`
	PhaseStart      time.Time       `json:"phase_start"`
	PhaseEnd        time.Time       `json:"phase_end"`
	DurationMinutes int             `json:"duration_minutes"`
	Price           decimal.Decimal `json:"price"`
	Unit            string          `json:"unit"`
	SlotIndex       int             `json:"slot_index"`
}

// NewForecastPayload is the payload of EventNewForecastAvailable.
type NewForecastPayload struct {
	EffectiveFrom      time.Time       `json:"effective_from"`
	EffectiveTo        time.Time       `json:"effective_to"`
	Slots              int             `json:"slots"`
	Complete           bool            `json:"complete"`
	CheapestSlot       time.Time       `json:"cheapest_slot"`
	CheapestPrice      decimal.Decimal `json:"cheapest_price"`
	MostExpensiveSlot  time.Time       `json:"most_expensive_slot"`
	MostExpensivePrice decimal.Decimal `json:"most_expensive_price"`
	FreeSlots          int             `json:"free_slots"`
}

// PhaseEndingSoonPayload is the payload of EventPhaseEndingSoon.
type PhaseEndingSoonPayload struct {
	Phase            Phase           `json:"phase"`
	PhaseStart       time.Time       `json:"phase_start"`
	EndsAt           time.Time       `json:"ends_at"`
	MinutesRemaining int             `json:"minutes_remaining"`
	NextPhase        Phase           `json:"next_phase"`
	AveragePrice     decimal.Decimal `json:"average_price"`
	Unit             string          `json:"unit"`
}

// NextPhaseChangedPayload is the payload of EventNextPhaseChanged.
type NextPhaseChangedPayload struct {
	OldPhase   Phase     `json:"old_phase"`
	NewPhase   Phase     `json:"new_phase"`
	PhaseStart time.Time `json:"phase_start"`
	PhaseEnd   time.Time `json:"phase_end"`
}

// EventMarks remember which transitions have already been announced. They
// travel with each snapshot so the next diff can be computed from the
// previous snapshot alone.
type EventMarks struct {
	SlotStart       time.Time `json:"slot_start"`
	Phase           Phase     `json:"phase"`
	PhaseChangedFor time.Time `json:"phase_changed_for"`
	EndingSoonFor   time.Time `json:"ending_soon_for"`
	NextPhase       Phase     `json:"next_phase"`
	AnnouncedWindow Window    `json:"announced_window"`
}

// Observed returns true once a current slot has been recorded.
func (m EventMarks) Observed() bool {
	return !m.SlotStart.IsZero()
}

// EventDiagnostics summarize the events emitted by an instance.
type EventDiagnostics struct {
	LastEventType EventType         `json:"last_event_type,omitempty"`
	LastEventAt   *time.Time        `json:"last_event_at,omitempty"`
	Counts        map[EventType]int `json:"counts"`
	Recent        []Event           `json:"recent"`
}

// SchedulerDiagnostics describe the next planned refresh.
type SchedulerDiagnostics struct {
	Interval        time.Duration `json:"-"`
	IntervalMinutes int           `json:"interval_minutes"`
	NextBoundary    time.Time     `json:"next_boundary"`
	NextRefreshTime time.Time     `json:"next_refresh_time"`
	JitterAppliedMS int64         `json:"jitter_applied_ms"`
	DelayMS         int64         `json:"delay_ms"`
}
