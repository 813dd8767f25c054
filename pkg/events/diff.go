package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/raterudder/freephase/pkg/types"
)

// EndingSoonWindow is how close to a block's end EventPhaseEndingSoon fires.
const EndingSoonWindow = 30 * time.Minute

func newEvent(t types.EventType, next *types.Snapshot, payload any) types.Event {
	return types.Event{
		ID:      uuid.New(),
		Type:    t,
		Region:  next.Region,
		FiredAt: next.GeneratedAt,
		Payload: payload,
	}
}

// Diff compares the next snapshot against the previous one and returns the
// events to emit along with the marks next should carry. prev may be nil.
// Snapshots without data produce no events and keep the previous marks so
// transitions across a failure are still detected.
//
// No transition events fire until a current slot has been observed once, so
// the first snapshot after startup only establishes a baseline.
func Diff(prev, next *types.Snapshot) ([]types.Event, types.EventMarks) {
	var marks types.EventMarks
	if prev != nil {
		marks = prev.Marks
	}
	if !next.HasData() {
		return nil, marks
	}

	var evs []types.Event
	at := next.GeneratedAt
	observed := marks.Observed()

	if w := next.Forecast.Window; !w.IsZero() && !w.Equal(marks.AnnouncedWindow) {
		stats := next.Forecast.Stats
		p := types.NewForecastPayload{
			EffectiveFrom: w.EffectiveFrom,
			EffectiveTo:   w.EffectiveTo,
			Slots:         stats.SlotCount,
			Complete:      next.Forecast.Complete,
			FreeSlots:     stats.FreeSlots,
		}
		if stats.CheapestSlot != nil {
			p.CheapestSlot = stats.CheapestSlot.Start
			p.CheapestPrice = stats.CheapestSlot.Price
		}
		if stats.MostExpensiveSlot != nil {
			p.MostExpensiveSlot = stats.MostExpensiveSlot.Start
			p.MostExpensivePrice = stats.MostExpensiveSlot.Price
		}
		evs = append(evs, newEvent(types.EventNewForecastAvailable, next, p))
		marks.AnnouncedWindow = w
	}

	cur, ok := next.CurrentSlot(at)
	if !ok {
		return evs, marks
	}
	block, _ := next.CurrentBlock(at)

	if observed &&
		!cur.Start.Equal(marks.SlotStart) &&
		cur.Phase != marks.Phase &&
		!cur.Start.Equal(marks.PhaseChangedFor) {
		evs = append(evs, newEvent(types.EventPhaseChanged, next, types.PhaseChangedPayload{
			OldPhase:        marks.Phase,
			NewPhase:        cur.Phase,
			SlotStart:       cur.Start,
			SlotEnd:         cur.End,
			PhaseStart:      block.Start,
			PhaseEnd:        block.End,
			DurationMinutes: block.DurationMinutes,
			Price:           cur.Price,
			Unit:            cur.Unit,
			SlotIndex:       cur.Index,
		}))
		marks.PhaseChangedFor = cur.Start
	}
	marks.SlotStart = cur.Start
	marks.Phase = cur.Phase

	nextBlock, hasNext := next.NextBlock(at)

	// only a block followed by another phase is really ending
	if observed && hasNext && nextBlock.Start.Equal(block.End) {
		remaining := block.End.Sub(at)
		if remaining > 0 && remaining <= EndingSoonWindow && !block.End.Equal(marks.EndingSoonFor) {
			evs = append(evs, newEvent(types.EventPhaseEndingSoon, next, types.PhaseEndingSoonPayload{
				Phase:            block.Phase,
				PhaseStart:       block.Start,
				EndsAt:           block.End,
				MinutesRemaining: int(remaining.Round(time.Minute) / time.Minute),
				NextPhase:        nextBlock.Phase,
				AveragePrice:     block.AveragePrice,
				Unit:             block.Unit,
			}))
			marks.EndingSoonFor = block.End
		}
	}

	if hasNext {
		if observed && nextBlock.Phase != marks.NextPhase {
			evs = append(evs, newEvent(types.EventNextPhaseChanged, next, types.NextPhaseChangedPayload{
				OldPhase:   marks.NextPhase,
				NewPhase:   nextBlock.Phase,
				PhaseStart: nextBlock.Start,
				PhaseEnd:   nextBlock.End,
			}))
		}
		marks.NextPhase = nextBlock.Phase
	}

	return evs, marks
}
