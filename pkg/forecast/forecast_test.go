package forecast

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/raterudder/freephase/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(start time.Time, price string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"value_exc_vat":%s,"value_inc_vat":%s,"valid_from":%q,"valid_to":%q,"payment_method":null}`,
		price,
		price,
		start.UTC().Format(time.RFC3339),
		start.Add(30*time.Minute).UTC().Format(time.RFC3339),
	))
}

func payloadFrom(start time.Time, prices ...string) types.RawPayload {
	var p types.RawPayload
	for i, price := range prices {
		p.Entries = append(p.Entries, entry(start.Add(time.Duration(i)*30*time.Minute), price))
	}
	return p
}

func repeat(price string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = price
	}
	return out
}

func testPolicy() types.PhasePolicy {
	return types.PhasePolicy{
		Mode:          types.ClassificationModePrice,
		GreenMaxPrice: decimal.NewFromInt(15),
		AmberMaxPrice: decimal.NewFromInt(30),
		FreePhase:     types.FreePhaseCollapse,
		FreeInclusive: true,
	}
}

func TestWindowFor(t *testing.T) {
	t.Run("Winter", func(t *testing.T) {
		w := WindowFor(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
		assert.Equal(t, time.Date(2026, 1, 14, 23, 0, 0, 0, time.UTC), w.EffectiveFrom)
		assert.Equal(t, time.Date(2026, 1, 15, 23, 0, 0, 0, time.UTC), w.EffectiveTo)
		assert.Equal(t, 48, w.ExpectedSlots())
	})

	t.Run("AtBoundary", func(t *testing.T) {
		w := WindowFor(time.Date(2026, 1, 15, 23, 0, 0, 0, time.UTC))
		assert.Equal(t, time.Date(2026, 1, 15, 23, 0, 0, 0, time.UTC), w.EffectiveFrom)
	})

	t.Run("Summer", func(t *testing.T) {
		// 23:00 BST is 22:00 UTC
		w := WindowFor(time.Date(2026, 7, 1, 22, 30, 0, 0, time.UTC))
		assert.Equal(t, time.Date(2026, 7, 1, 22, 0, 0, 0, time.UTC), w.EffectiveFrom)
		assert.Equal(t, 48, w.ExpectedSlots())
	})

	t.Run("SpringForward", func(t *testing.T) {
		w := WindowFor(time.Date(2026, 3, 29, 12, 0, 0, 0, time.UTC))
		assert.Equal(t, time.Date(2026, 3, 28, 23, 0, 0, 0, time.UTC), w.EffectiveFrom)
		assert.Equal(t, time.Date(2026, 3, 29, 22, 0, 0, 0, time.UTC), w.EffectiveTo)
		assert.Equal(t, 46, w.ExpectedSlots())
	})

	t.Run("FallBack", func(t *testing.T) {
		w := WindowFor(time.Date(2026, 10, 25, 12, 0, 0, 0, time.UTC))
		assert.Equal(t, time.Date(2026, 10, 24, 22, 0, 0, 0, time.UTC), w.EffectiveFrom)
		assert.Equal(t, time.Date(2026, 10, 25, 23, 0, 0, 0, time.UTC), w.EffectiveTo)
		assert.Equal(t, 50, w.ExpectedSlots())
	})
}

func TestClassify(t *testing.T) {
	policy := testPolicy()

	tests := []struct {
		price string
		want  types.Phase
	}{
		{"-5", types.PhaseGreen},
		{"0", types.PhaseGreen},
		{"14.99", types.PhaseGreen},
		{"15", types.PhaseAmber},
		{"29.99", types.PhaseAmber},
		{"30", types.PhaseRed},
		{"55.5", types.PhaseRed},
	}
	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(decimal.RequireFromString(tt.price), policy))
		})
	}

	t.Run("DistinctFree", func(t *testing.T) {
		p := testPolicy()
		p.FreePhase = types.FreePhaseDistinct
		assert.Equal(t, types.PhaseFree, Classify(decimal.Zero, p))
		assert.Equal(t, types.PhaseFree, Classify(decimal.RequireFromString("-0.01"), p))
		assert.Equal(t, types.PhaseGreen, Classify(decimal.RequireFromString("0.01"), p))
	})

	t.Run("ExclusiveFree", func(t *testing.T) {
		p := testPolicy()
		p.FreePhase = types.FreePhaseDistinct
		p.FreeInclusive = false
		assert.Equal(t, types.PhaseGreen, Classify(decimal.Zero, p))
		assert.Equal(t, types.PhaseFree, Classify(decimal.RequireFromString("-1"), p))
	})

	t.Run("Schedule", func(t *testing.T) {
		p := testPolicy()
		p.Mode = types.ClassificationModeSchedule
		slot := func(hour int, price string) types.Slot {
			return types.Slot{
				Start: time.Date(2026, 1, 15, hour, 0, 0, 0, time.UTC),
				Price: decimal.RequireFromString(price),
			}
		}
		assert.Equal(t, types.PhaseGreen, ClassifySlot(slot(23, "40"), p))
		assert.Equal(t, types.PhaseGreen, ClassifySlot(slot(3, "40"), p))
		assert.Equal(t, types.PhaseAmber, ClassifySlot(slot(9, "1"), p))
		assert.Equal(t, types.PhaseRed, ClassifySlot(slot(17, "1"), p))
		assert.Equal(t, types.PhaseGreen, ClassifySlot(slot(17, "-2"), p))
	})
}

func TestNormalize(t *testing.T) {
	start := time.Date(2026, 1, 14, 23, 0, 0, 0, time.UTC)

	t.Run("SortsAndIndexes", func(t *testing.T) {
		p := types.RawPayload{Entries: []json.RawMessage{
			entry(start.Add(time.Hour), "3"),
			entry(start, "1"),
			entry(start.Add(30*time.Minute), "2"),
		}}
		n, err := Normalize(p)
		require.NoError(t, err)
		require.Len(t, n.Slots, 3)
		assert.Empty(t, n.Issues)
		for i, s := range n.Slots {
			assert.Equal(t, start.Add(time.Duration(i)*30*time.Minute), s.Start)
			assert.Equal(t, s.Start.Add(30*time.Minute), s.End)
			assert.Equal(t, i, s.Index)
			assert.Equal(t, 30, s.DurationMinutes)
			assert.Equal(t, types.PriceUnit, s.Unit)
			assert.Equal(t, fmt.Sprint(i+1), s.Price.String())
		}
	})

	t.Run("DuplicateLastWins", func(t *testing.T) {
		p := types.RawPayload{Entries: []json.RawMessage{
			entry(start, "1"),
			entry(start, "9"),
		}}
		n, err := Normalize(p)
		require.NoError(t, err)
		require.Len(t, n.Slots, 1)
		assert.Equal(t, "9", n.Slots[0].Price.String())
	})

	t.Run("Malformed", func(t *testing.T) {
		p := types.RawPayload{Entries: []json.RawMessage{
			entry(start, "1"),
			json.RawMessage(`{"value_inc_vat": 2}`),
			json.RawMessage(`{"valid_from": "yesterday", "value_inc_vat": 2}`),
			json.RawMessage(`{"valid_from": "2026-01-14T23:30:00Z", "value_inc_vat": "abc"}`),
			json.RawMessage(`[1,2]`),
			json.RawMessage(`{"valid_from": "2026-01-15T00:00:00Z", "valid_to": "2026-01-15T01:00:00Z", "value_inc_vat": 2}`),
			json.RawMessage(`{"valid_from": "2026-01-14T23:30:00Z", "value_inc_vat": "4.5"}`),
		}}
		n, err := Normalize(p)
		require.NoError(t, err)
		require.Len(t, n.Slots, 2)
		assert.Equal(t, "4.5", n.Slots[1].Price.String())
		assert.Equal(t, 5, n.Malformed())
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := Normalize(types.RawPayload{})
		var nerr *NormalizeError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, KindEmpty, nerr.Kind)
	})

	t.Run("AllMalformed", func(t *testing.T) {
		_, err := Normalize(types.RawPayload{Entries: []json.RawMessage{json.RawMessage(`{}`)}})
		var nerr *NormalizeError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, KindMalformedEntry, nerr.Kind)
	})

	t.Run("GapAndOverlap", func(t *testing.T) {
		p := types.RawPayload{Entries: []json.RawMessage{
			entry(start, "1"),
			entry(start.Add(15*time.Minute), "2"),
			entry(start.Add(2*time.Hour), "3"),
		}}
		n, err := Normalize(p)
		require.NoError(t, err)
		require.Len(t, n.Slots, 2)
		require.Len(t, n.Issues, 2)
		assert.Equal(t, KindOverlap, n.Issues[0].Kind)
		assert.Equal(t, KindGap, n.Issues[1].Kind)
		for i := 1; i < len(n.Slots); i++ {
			assert.False(t, n.Slots[i].Start.Before(n.Slots[i-1].End))
		}
	})

	t.Run("IndexResetsPerWindow", func(t *testing.T) {
		p := payloadFrom(start.Add(-time.Hour), "1", "2", "3", "4")
		n, err := Normalize(p)
		require.NoError(t, err)
		require.Len(t, n.Slots, 4)
		assert.Equal(t, 46, n.Slots[0].Index)
		assert.Equal(t, 47, n.Slots[1].Index)
		assert.Equal(t, 0, n.Slots[2].Index)
		assert.Equal(t, 1, n.Slots[3].Index)
	})
}

func TestMerge(t *testing.T) {
	start := time.Date(2026, 1, 14, 23, 0, 0, 0, time.UTC)
	p := payloadFrom(start, "10", "12", "20", "22", "24", "35", "5")
	n, err := Normalize(p)
	require.NoError(t, err)
	slots := ClassifyAll(n.Slots, testPolicy())

	blocks := Merge(slots)
	require.Len(t, blocks, 4)

	assert.Equal(t, types.PhaseGreen, blocks[0].Phase)
	assert.Equal(t, 2, blocks[0].SlotCount)
	assert.Equal(t, 60, blocks[0].DurationMinutes)
	assert.Equal(t, "11", blocks[0].AveragePrice.String())
	assert.Equal(t, 0, blocks[0].FirstSlot)

	assert.Equal(t, types.PhaseAmber, blocks[1].Phase)
	assert.Equal(t, 3, blocks[1].SlotCount)
	assert.Equal(t, "22", blocks[1].AveragePrice.String())
	assert.Equal(t, "20", blocks[1].MinPrice.String())
	assert.Equal(t, "24", blocks[1].MaxPrice.String())
	assert.Equal(t, 2, blocks[1].FirstSlot)
	assert.Equal(t, 4, blocks[1].LastSlot())

	assert.Equal(t, types.PhaseRed, blocks[2].Phase)
	assert.Equal(t, types.PhaseGreen, blocks[3].Phase)

	var total int
	for i, b := range blocks {
		total += b.SlotCount
		if i > 0 {
			assert.NotEqual(t, blocks[i-1].Phase, b.Phase)
			assert.Equal(t, blocks[i-1].End, b.Start)
		}
	}
	assert.Equal(t, len(slots), total)

	t.Run("Empty", func(t *testing.T) {
		assert.Empty(t, Merge(nil))
	})
}

func TestAnalyze(t *testing.T) {
	start := time.Date(2026, 1, 14, 23, 0, 0, 0, time.UTC)
	n, err := Normalize(payloadFrom(start, "5", "-1", "0", "-1", "30", "30", "12"))
	require.NoError(t, err)

	stats := Analyze(n.Slots, testPolicy())
	assert.Equal(t, 7, stats.SlotCount)
	require.NotNil(t, stats.CheapestSlot)
	assert.Equal(t, start.Add(30*time.Minute), stats.CheapestSlot.Start)
	require.NotNil(t, stats.MostExpensiveSlot)
	assert.Equal(t, start.Add(2*time.Hour), stats.MostExpensiveSlot.Start)
	assert.Equal(t, 3, stats.FreeSlots)

	p := testPolicy()
	p.FreeInclusive = false
	assert.Equal(t, 2, Analyze(n.Slots, p).FreeSlots)

	t.Run("Empty", func(t *testing.T) {
		stats := Analyze(nil, testPolicy())
		assert.Nil(t, stats.CheapestSlot)
		assert.Equal(t, 0, stats.FreeSlots)
	})
}

func TestBuild(t *testing.T) {
	start := time.Date(2026, 1, 14, 23, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	prices := append(repeat("10", 16), repeat("20", 16)...)
	prices = append(prices, repeat("40", 6)...)
	prices = append(prices, repeat("0", 10)...)

	t.Run("CompleteWindow", func(t *testing.T) {
		f, err := Build(payloadFrom(start, prices...), testPolicy(), now)
		require.NoError(t, err)
		assert.True(t, f.Complete)
		assert.Empty(t, f.Issues)
		assert.Equal(t, start, f.Window.EffectiveFrom)
		require.Len(t, f.Slots, 48)
		assert.Len(t, f.Blocks, 4)
		assert.Equal(t, 10, f.Stats.FreeSlots)
		assert.Equal(t, start.Add(19*time.Hour), f.Stats.CheapestSlot.Start)
		assert.Equal(t, start.Add(16*time.Hour), f.Stats.MostExpensiveSlot.Start)
		assert.Len(t, f.Days.Yesterday, 2)
		assert.Len(t, f.Days.Today, 46)
		assert.Empty(t, f.Days.Tomorrow)
		assert.Equal(t, "price:collapse:price<=0", f.Convention)
	})

	t.Run("PrefersCompleteWindow", func(t *testing.T) {
		all := append(append([]string{}, prices...), "1", "2", "3")
		f, err := Build(payloadFrom(start, all...), testPolicy(), now)
		require.NoError(t, err)
		assert.True(t, f.Complete)
		assert.Equal(t, start, f.Window.EffectiveFrom)
		assert.Len(t, f.Timeline, 51)
		// 23:00 and 23:30 are still today locally
		assert.Len(t, f.Days.Today, 48)
		assert.Len(t, f.Days.Tomorrow, 1)
	})

	t.Run("Partial", func(t *testing.T) {
		f, err := Build(payloadFrom(start.Add(time.Hour), prices[:20]...), testPolicy(), now)
		require.NoError(t, err)
		assert.False(t, f.Complete)
		assert.Len(t, f.Slots, 20)
		require.NotEmpty(t, f.Issues)
		assert.Contains(t, f.Issues[len(f.Issues)-1], string(KindInsufficient))
	})

	t.Run("Idempotent", func(t *testing.T) {
		a, err := Build(payloadFrom(start, prices...), testPolicy(), now)
		require.NoError(t, err)
		b, err := Build(payloadFrom(start, prices...), testPolicy(), now)
		require.NoError(t, err)
		aj, err := json.Marshal(a)
		require.NoError(t, err)
		bj, err := json.Marshal(b)
		require.NoError(t, err)
		assert.Equal(t, string(aj), string(bj))
	})

	t.Run("FreeSlotsMatchClassifier", func(t *testing.T) {
		mixed := []string{"-3", "0", "0.0001", "-0.5", "16", "0", "31", "-10"}
		for _, mode := range []types.FreePhaseMode{types.FreePhaseCollapse, types.FreePhaseDistinct} {
			for _, inclusive := range []bool{true, false} {
				p := testPolicy()
				p.FreePhase = mode
				p.FreeInclusive = inclusive
				f, err := Build(payloadFrom(start, mixed...), p, now)
				require.NoError(t, err)
				var free int
				for _, s := range f.Slots {
					if p.IsFree(s.Price) {
						free++
						assert.Equal(t, p.FreeSlotPhase(), s.Phase)
					}
				}
				assert.Equal(t, free, f.Stats.FreeSlots)
			}
		}
	})

	t.Run("Error", func(t *testing.T) {
		_, err := Build(types.RawPayload{}, testPolicy(), now)
		require.Error(t, err)
	})
}
