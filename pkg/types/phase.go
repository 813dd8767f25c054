package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

func init() {
	// prices are exchanged with consumers as plain JSON numbers
	decimal.MarshalJSONWithoutQuotes = true
}

// Phase is the price category a slot falls into.
type Phase string

const (
	PhaseGreen Phase = "green"
	PhaseAmber Phase = "amber"
	PhaseRed   Phase = "red"
	// PhaseFree is only produced when the policy keeps free slots distinct.
	PhaseFree Phase = "free"
)

// Valid returns true if p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseGreen, PhaseAmber, PhaseRed, PhaseFree:
		return true
	}
	return false
}

// ClassificationMode selects how slots are assigned a phase.
type ClassificationMode string

const (
	// ClassificationModePrice classifies by comparing the price to thresholds.
	ClassificationModePrice ClassificationMode = "price"
	// ClassificationModeSchedule classifies by the published time-of-day
	// schedule with free slots always green.
	ClassificationModeSchedule ClassificationMode = "schedule"
)

// FreePhaseMode controls what phase a free slot is assigned.
type FreePhaseMode string

const (
	FreePhaseCollapse FreePhaseMode = "collapse"
	FreePhaseDistinct FreePhaseMode = "distinct"
)

// PhasePolicy is the configuration used to classify slots into phases.
type PhasePolicy struct {
	Mode ClassificationMode `json:"mode"`

	// GreenMaxPrice and AmberMaxPrice are exclusive upper bounds in p/kWh. A
	// price equal to GreenMaxPrice is amber and a price equal to
	// AmberMaxPrice is red.
	GreenMaxPrice decimal.Decimal `json:"green_max_price"`
	AmberMaxPrice decimal.Decimal `json:"amber_max_price"`

	FreePhase FreePhaseMode `json:"free_phase"`
	// FreeInclusive makes a price of exactly zero count as free. When
	// false only negative prices are free.
	FreeInclusive bool `json:"free_inclusive"`
}

// DefaultPhasePolicy returns the price-mode policy used when nothing is
// configured.
func DefaultPhasePolicy() PhasePolicy {
	return PhasePolicy{
		Mode:          ClassificationModePrice,
		GreenMaxPrice: decimal.NewFromInt(15),
		AmberMaxPrice: decimal.NewFromInt(30),
		FreePhase:     FreePhaseCollapse,
		FreeInclusive: true,
	}
}

// ClassificationError is returned for invalid classification configuration.
type ClassificationError struct {
	Reason string
}

func (e *ClassificationError) Error() string {
	return "invalid classification policy: " + e.Reason
}

// Validate checks the policy for consistency.
func (p PhasePolicy) Validate() error {
	switch p.Mode {
	case ClassificationModePrice, ClassificationModeSchedule:
	default:
		return &ClassificationError{Reason: fmt.Sprintf("unknown mode %q", p.Mode)}
	}
	switch p.FreePhase {
	case FreePhaseCollapse, FreePhaseDistinct:
	default:
		return &ClassificationError{Reason: fmt.Sprintf("unknown free phase mode %q", p.FreePhase)}
	}
	if p.Mode == ClassificationModePrice && !p.GreenMaxPrice.LessThan(p.AmberMaxPrice) {
		return &ClassificationError{
			Reason: fmt.Sprintf("green max price %s must be less than amber max price %s", p.GreenMaxPrice, p.AmberMaxPrice),
		}
	}
	return nil
}

// IsFree returns true if the price counts as free under this policy. Both the
// classifier and the free slot statistics call this so they cannot disagree.
func (p PhasePolicy) IsFree(price decimal.Decimal) bool {
	if p.FreeInclusive {
		return price.Sign() <= 0
	}
	return price.Sign() < 0
}

// FreeSlotPhase returns the phase assigned to free slots.
func (p PhasePolicy) FreeSlotPhase() Phase {
	if p.FreePhase == FreePhaseDistinct {
		return PhaseFree
	}
	return PhaseGreen
}

// Convention describes the active free slot convention. It's exposed as
// metadata so consumers know how free slots were treated.
func (p PhasePolicy) Convention() string {
	op := "<"
	if p.FreeInclusive {
		op = "<="
	}
	return fmt.Sprintf("%s:%s:price%s0", p.Mode, p.FreePhase, op)
}
