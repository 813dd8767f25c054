package forecast

import (
	"github.com/raterudder/freephase/pkg/types"
	"github.com/shopspring/decimal"
)

// Classify assigns a phase to a price using the policy thresholds. Free prices
// are checked first, then each threshold is an exclusive upper bound.
func Classify(price decimal.Decimal, policy types.PhasePolicy) types.Phase {
	if policy.IsFree(price) {
		return policy.FreeSlotPhase()
	}
	switch {
	case price.LessThan(policy.GreenMaxPrice):
		return types.PhaseGreen
	case price.LessThan(policy.AmberMaxPrice):
		return types.PhaseAmber
	default:
		return types.PhaseRed
	}
}

// classifySchedule uses the published time-of-day schedule where overnight is
// green, the evening peak is red and everything else is amber.
func classifySchedule(slot types.Slot, policy types.PhasePolicy) types.Phase {
	if policy.IsFree(slot.Price) {
		return policy.FreeSlotPhase()
	}
	hour := slot.Start.In(ukLocation).Hour()
	switch {
	case hour >= 23 || hour < 6:
		return types.PhaseGreen
	case hour >= 16 && hour < 19:
		return types.PhaseRed
	default:
		return types.PhaseAmber
	}
}

// ClassifySlot assigns a phase to the slot according to the policy mode.
func ClassifySlot(slot types.Slot, policy types.PhasePolicy) types.Phase {
	if policy.Mode == types.ClassificationModeSchedule {
		return classifySchedule(slot, policy)
	}
	return Classify(slot.Price, policy)
}

// ClassifyAll returns a copy of slots with each phase set.
func ClassifyAll(slots []types.Slot, policy types.PhasePolicy) []types.Slot {
	out := make([]types.Slot, len(slots))
	for i, s := range slots {
		s.Phase = ClassifySlot(s, policy)
		out[i] = s
	}
	return out
}
