package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// CostStatus is the state of an instance's cost tracking.
type CostStatus string

const (
	CostStatusOK        CostStatus = "ok"
	CostStatusNoHistory CostStatus = "no_history"
	CostStatusError     CostStatus = "error"
	CostStatusDisabled  CostStatus = "disabled"
)

// MeterReading is a cumulative import reading in kWh.
type MeterReading struct {
	At  time.Time `json:"at"`
	KWH float64   `json:"kwh"`
}

// PhaseCost totals consumption and cost for one phase.
type PhaseCost struct {
	KWH     decimal.Decimal `json:"kwh"`
	CostGBP decimal.Decimal `json:"cost_gbp"`
	Slots   int             `json:"slots"`
}

// SlotCost is the consumption and cost attributed to a single slot.
type SlotCost struct {
	Start   time.Time       `json:"start"`
	End     time.Time       `json:"end"`
	Phase   Phase           `json:"phase"`
	Price   decimal.Decimal `json:"price"`
	KWH     decimal.Decimal `json:"kwh"`
	CostGBP decimal.Decimal `json:"cost_gbp"`
}

// CostSummary is the consumption cost over a period.
type CostSummary struct {
	PeriodStart       time.Time           `json:"period_start"`
	PeriodEnd         time.Time           `json:"period_end"`
	TotalKWH          decimal.Decimal     `json:"total_kwh"`
	EnergyCostGBP     decimal.Decimal     `json:"energy_cost_gbp"`
	StandingChargeGBP *decimal.Decimal    `json:"standing_charge_gbp,omitempty"`
	TotalCostGBP      decimal.Decimal     `json:"total_cost_gbp"`
	PerPhase          map[Phase]PhaseCost `json:"per_phase"`
	PerSlot           []SlotCost          `json:"per_slot"`
}

// CostReport is the latest cost state for an instance.
type CostReport struct {
	Status       CostStatus   `json:"status"`
	ImportSensor string       `json:"import_sensor,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
	Yesterday    *CostSummary `json:"yesterday,omitempty"`
	Today        *CostSummary `json:"today,omitempty"`
	Error        string       `json:"error,omitempty"`
}
