package forecast

import (
	"time"

	"github.com/raterudder/freephase/pkg/types"
	"github.com/shopspring/decimal"
)

// Analyze computes window statistics. Ties for cheapest and most expensive go
// to the earliest slot.
func Analyze(slots []types.Slot, policy types.PhasePolicy) types.Stats {
	stats := types.Stats{SlotCount: len(slots)}
	if len(slots) == 0 {
		return stats
	}
	cheapest, priciest := 0, 0
	sum := decimal.Zero
	for i, s := range slots {
		if s.Price.LessThan(slots[cheapest].Price) {
			cheapest = i
		}
		if s.Price.GreaterThan(slots[priciest].Price) {
			priciest = i
		}
		if policy.IsFree(s.Price) {
			stats.FreeSlots++
		}
		sum = sum.Add(s.Price)
	}
	c, p := slots[cheapest], slots[priciest]
	stats.CheapestSlot = &c
	stats.MostExpensiveSlot = &p
	stats.AveragePrice = sum.Div(decimal.NewFromInt(int64(len(slots))))
	return stats
}

// GroupByDay groups slots by the local calendar day of their start relative
// to now.
func GroupByDay(slots []types.Slot, now time.Time) types.DayGroupings {
	today := StartOfDay(now)
	yesterday := StartOfDay(today.Add(-time.Hour))
	tomorrow := time.Date(today.Year(), today.Month(), today.Day()+1, 0, 0, 0, 0, ukLocation)

	var g types.DayGroupings
	for _, s := range slots {
		switch day := StartOfDay(s.Start); {
		case day.Equal(yesterday):
			g.Yesterday = append(g.Yesterday, s)
		case day.Equal(today):
			g.Today = append(g.Today, s)
		case day.Equal(tomorrow):
			g.Tomorrow = append(g.Tomorrow, s)
		}
	}
	return g
}
