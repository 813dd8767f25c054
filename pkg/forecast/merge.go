package forecast

import (
	"time"

	"github.com/raterudder/freephase/pkg/types"
	"github.com/shopspring/decimal"
)

// Merge groups consecutive slots with the same phase into blocks. A gap
// between slots always starts a new block. slots must already be sorted and
// classified.
func Merge(slots []types.Slot) []types.PhaseBlock {
	var blocks []types.PhaseBlock
	var sum decimal.Decimal
	finish := func() {
		b := &blocks[len(blocks)-1]
		b.AveragePrice = sum.Div(decimal.NewFromInt(int64(b.SlotCount)))
		b.DurationMinutes = int(b.End.Sub(b.Start) / time.Minute)
	}
	for i, s := range slots {
		if l := len(blocks); l > 0 && blocks[l-1].Phase == s.Phase && blocks[l-1].End.Equal(s.Start) {
			b := &blocks[l-1]
			b.End = s.End
			b.SlotCount++
			sum = sum.Add(s.Price)
			if s.Price.LessThan(b.MinPrice) {
				b.MinPrice = s.Price
			}
			if s.Price.GreaterThan(b.MaxPrice) {
				b.MaxPrice = s.Price
			}
			continue
		}
		if len(blocks) > 0 {
			finish()
		}
		blocks = append(blocks, types.PhaseBlock{
			Phase:     s.Phase,
			Start:     s.Start,
			End:       s.End,
			SlotCount: 1,
			MinPrice:  s.Price,
			MaxPrice:  s.Price,
			Unit:      s.Unit,
			FirstSlot: i,
		})
		sum = s.Price
	}
	if len(blocks) > 0 {
		finish()
	}
	return blocks
}
