package cost

import (
	"time"

	"github.com/raterudder/freephase/pkg/types"
	"github.com/shopspring/decimal"
)

// costPlaces is the precision reported for kWh and costs.
const costPlaces = 4

var hundred = decimal.NewFromInt(100)

// Delta is the consumption between two consecutive readings.
type Delta struct {
	Start time.Time
	End   time.Time
	KWH   decimal.Decimal
}

// Deltas converts cumulative readings into consumption intervals clamped to
// [start, end). Meter resets and repeated timestamps are skipped.
func Deltas(readings []types.MeterReading, start, end time.Time) []Delta {
	if len(readings) < 2 {
		return nil
	}
	var out []Delta
	prev := readings[0]
	for _, r := range readings[1:] {
		if !r.At.After(prev.At) {
			continue
		}
		from, to := prev.At, r.At
		if from.Before(start) {
			from = start
		}
		if to.After(end) {
			to = end
		}
		kwh := r.KWH - prev.KWH
		if to.After(from) && kwh >= 0 {
			out = append(out, Delta{
				Start: from,
				End:   to,
				// the whole delta is spread over the clamped interval
				KWH: decimal.NewFromFloat(kwh).Mul(fraction(from, to, prev.At, r.At)),
			})
		}
		prev = r
	}
	return out
}

// fraction returns the share of [bStart, bEnd) that overlaps [aStart, aEnd).
func fraction(aStart, aEnd, bStart, bEnd time.Time) decimal.Decimal {
	full := bEnd.Sub(bStart)
	if full <= 0 {
		return decimal.Zero
	}
	from, to := aStart, aEnd
	if bStart.After(from) {
		from = bStart
	}
	if bEnd.Before(to) {
		to = bEnd
	}
	if !to.After(from) {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(to.Sub(from))).Div(decimal.NewFromInt(int64(full)))
}

// Allocate distributes deltas across the slots they overlap in proportion to
// the overlap. Slot ends are clamped to end so a slot in progress only counts
// consumption so far. Slots without consumption are omitted.
func Allocate(slots []types.Slot, deltas []Delta, end time.Time) []types.SlotCost {
	var out []types.SlotCost
	for _, s := range slots {
		sEnd := s.End
		if !end.IsZero() && sEnd.After(end) {
			sEnd = end
		}
		if !sEnd.After(s.Start) {
			continue
		}
		kwh := decimal.Zero
		for _, d := range deltas {
			kwh = kwh.Add(d.KWH.Mul(fraction(s.Start, sEnd, d.Start, d.End)))
		}
		if !kwh.IsPositive() {
			continue
		}
		out = append(out, types.SlotCost{
			Start:   s.Start,
			End:     sEnd,
			Phase:   s.Phase,
			Price:   s.Price,
			KWH:     kwh,
			CostGBP: kwh.Mul(s.Price).Div(hundred),
		})
	}
	return out
}

// Summarize computes the cost of consumption over the slots. It returns nil
// when no consumption could be attributed to any slot. standing may be nil.
func Summarize(slots []types.Slot, readings []types.MeterReading, end time.Time, standing *types.StandingCharge) *types.CostSummary {
	if len(slots) == 0 {
		return nil
	}
	periodStart := slots[0].Start
	periodEnd := slots[len(slots)-1].End
	if !end.IsZero() && periodEnd.After(end) {
		periodEnd = end
	}
	if !periodEnd.After(periodStart) {
		return nil
	}

	perSlot := Allocate(slots, Deltas(readings, periodStart, periodEnd), periodEnd)
	if len(perSlot) == 0 {
		return nil
	}

	sum := &types.CostSummary{
		PeriodStart:   periodStart,
		PeriodEnd:     periodEnd,
		TotalKWH:      decimal.Zero,
		EnergyCostGBP: decimal.Zero,
		PerPhase:      make(map[types.Phase]types.PhaseCost),
	}
	for _, sc := range perSlot {
		sum.TotalKWH = sum.TotalKWH.Add(sc.KWH)
		sum.EnergyCostGBP = sum.EnergyCostGBP.Add(sc.CostGBP)
		pc := sum.PerPhase[sc.Phase]
		pc.KWH = pc.KWH.Add(sc.KWH)
		pc.CostGBP = pc.CostGBP.Add(sc.CostGBP)
		pc.Slots++
		sum.PerPhase[sc.Phase] = pc
	}
	sum.TotalCostGBP = sum.EnergyCostGBP
	if standing != nil {
		gbp := standing.GBPPerDay().Round(costPlaces)
		sum.StandingChargeGBP = &gbp
		sum.TotalCostGBP = sum.TotalCostGBP.Add(gbp)
	}

	sum.TotalKWH = sum.TotalKWH.Round(costPlaces)
	sum.EnergyCostGBP = sum.EnergyCostGBP.Round(costPlaces)
	sum.TotalCostGBP = sum.TotalCostGBP.Round(costPlaces)
	for p, pc := range sum.PerPhase {
		pc.KWH = pc.KWH.Round(costPlaces)
		pc.CostGBP = pc.CostGBP.Round(costPlaces)
		sum.PerPhase[p] = pc
	}
	for i := range perSlot {
		perSlot[i].KWH = perSlot[i].KWH.Round(costPlaces)
		perSlot[i].CostGBP = perSlot[i].CostGBP.Round(costPlaces)
	}
	sum.PerSlot = perSlot
	return sum
}
