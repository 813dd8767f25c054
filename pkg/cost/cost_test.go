package cost

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raterudder/freephase/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(day, hour, minute int) time.Time {
	return time.Date(2026, 1, day, hour, minute, 0, 0, time.UTC)
}

func slot(start time.Time, price string, phase types.Phase) types.Slot {
	return types.Slot{
		Start:           start,
		End:             start.Add(types.SlotDuration),
		DurationMinutes: 30,
		Price:           decimal.RequireFromString(price),
		Unit:            types.PriceUnit,
		Phase:           phase,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s got %s", want, got)
}

func TestDeltas(t *testing.T) {
	t.Run("Positive", func(t *testing.T) {
		d := Deltas([]types.MeterReading{
			{At: at(15, 0, 0), KWH: 100},
			{At: at(15, 0, 30), KWH: 101},
			{At: at(15, 1, 0), KWH: 103},
		}, at(15, 0, 0), at(15, 1, 0))
		require.Len(t, d, 2)
		assertDecimal(t, "1", d[0].KWH)
		assertDecimal(t, "2", d[1].KWH)
		assert.True(t, d[1].Start.Equal(at(15, 0, 30)))
	})

	t.Run("SkipsReset", func(t *testing.T) {
		d := Deltas([]types.MeterReading{
			{At: at(15, 0, 0), KWH: 100},
			{At: at(15, 0, 30), KWH: 2},
			{At: at(15, 1, 0), KWH: 3},
		}, at(15, 0, 0), at(15, 1, 0))
		require.Len(t, d, 1)
		assertDecimal(t, "1", d[0].KWH)
	})

	t.Run("SkipsRepeatedTime", func(t *testing.T) {
		d := Deltas([]types.MeterReading{
			{At: at(15, 0, 0), KWH: 100},
			{At: at(15, 0, 0), KWH: 105},
			{At: at(15, 0, 30), KWH: 101},
		}, at(15, 0, 0), at(15, 1, 0))
		require.Len(t, d, 1)
		assertDecimal(t, "1", d[0].KWH)
	})

	t.Run("Clamped", func(t *testing.T) {
		d := Deltas([]types.MeterReading{
			{At: at(14, 23, 30), KWH: 100},
			{At: at(15, 0, 30), KWH: 102},
		}, at(15, 0, 0), at(15, 1, 0))
		require.Len(t, d, 1)
		assert.True(t, d[0].Start.Equal(at(15, 0, 0)))
		// only the half inside the period counts
		assertDecimal(t, "1", d[0].KWH)
	})

	t.Run("TooFew", func(t *testing.T) {
		assert.Empty(t, Deltas([]types.MeterReading{{At: at(15, 0, 0), KWH: 1}}, at(15, 0, 0), at(15, 1, 0)))
	})
}

func TestAllocate(t *testing.T) {
	slots := []types.Slot{
		slot(at(15, 0, 0), "10", types.PhaseGreen),
		slot(at(15, 0, 30), "20", types.PhaseAmber),
		slot(at(15, 1, 0), "30", types.PhaseRed),
	}
	deltas := []Delta{{Start: at(15, 0, 15), End: at(15, 0, 45), KWH: dec("1")}}

	costs := Allocate(slots, deltas, time.Time{})
	require.Len(t, costs, 2)
	assertDecimal(t, "0.5", costs[0].KWH)
	assertDecimal(t, "0.05", costs[0].CostGBP)
	assertDecimal(t, "0.5", costs[1].KWH)
	assertDecimal(t, "0.1", costs[1].CostGBP)
	assert.Equal(t, types.PhaseAmber, costs[1].Phase)
}

func TestSummarize(t *testing.T) {
	slots := []types.Slot{
		slot(at(15, 0, 0), "10", types.PhaseGreen),
		slot(at(15, 0, 30), "20", types.PhaseAmber),
		slot(at(15, 1, 0), "20", types.PhaseAmber),
	}
	readings := []types.MeterReading{
		{At: at(15, 0, 0), KWH: 100},
		{At: at(15, 0, 30), KWH: 101},
		{At: at(15, 1, 0), KWH: 103},
	}

	t.Run("WithStandingCharge", func(t *testing.T) {
		sum := Summarize(slots, readings, time.Time{}, &types.StandingCharge{ValueIncVAT: dec("45.5")})
		require.NotNil(t, sum)
		assert.True(t, sum.PeriodStart.Equal(at(15, 0, 0)))
		assert.True(t, sum.PeriodEnd.Equal(at(15, 1, 30)))
		assertDecimal(t, "3", sum.TotalKWH)
		assertDecimal(t, "0.5", sum.EnergyCostGBP)
		require.NotNil(t, sum.StandingChargeGBP)
		assertDecimal(t, "0.455", *sum.StandingChargeGBP)
		assertDecimal(t, "0.955", sum.TotalCostGBP)
		require.Contains(t, sum.PerPhase, types.PhaseAmber)
		assertDecimal(t, "2", sum.PerPhase[types.PhaseAmber].KWH)
		assert.Equal(t, 1, sum.PerPhase[types.PhaseAmber].Slots)
		assert.Len(t, sum.PerSlot, 2)
	})

	t.Run("WithoutStandingCharge", func(t *testing.T) {
		sum := Summarize(slots, readings, time.Time{}, nil)
		require.NotNil(t, sum)
		assert.Nil(t, sum.StandingChargeGBP)
		assertDecimal(t, "0.5", sum.TotalCostGBP)
	})

	t.Run("EndOverride", func(t *testing.T) {
		sum := Summarize(slots, readings, at(15, 0, 45), nil)
		require.NotNil(t, sum)
		assert.True(t, sum.PeriodEnd.Equal(at(15, 0, 45)))
		// 1 kWh in the first slot and half of the second delta
		assertDecimal(t, "2", sum.TotalKWH)
	})

	t.Run("NoConsumption", func(t *testing.T) {
		assert.Nil(t, Summarize(slots, nil, time.Time{}, nil))
		assert.Nil(t, Summarize(nil, readings, time.Time{}, nil))
	})
}

func TestHistoryClient(t *testing.T) {
	var gotPath, gotAuth, gotFilter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotFilter = r.URL.Query().Get("filter_entity_id")
		w.Write([]byte(`[[
			{"entity_id":"sensor.import","state":"100.5","last_changed":"2026-01-15T00:30:00+00:00"},
			{"state":"unavailable","last_changed":"2026-01-15T00:40:00+00:00"},
			{"state":"100.0","last_changed":"2026-01-15T00:00:00+00:00"},
			{"state":"101","last_changed":"not a time"}
		]]`))
	}))
	defer srv.Close()

	h := NewHistoryClient(srv.URL+"/", "secret", time.Second)
	readings, err := h.Readings(context.Background(), "sensor.import", at(15, 0, 0), at(15, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, "/api/history/period/2026-01-15T00:00:00Z", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "sensor.import", gotFilter)

	require.Len(t, readings, 2)
	assert.True(t, readings[0].At.Equal(at(15, 0, 0)))
	assert.Equal(t, 100.0, readings[0].KWH)
	assert.Equal(t, 100.5, readings[1].KWH)

	t.Run("Status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()
		_, err := NewHistoryClient(srv.URL, "", time.Second).Readings(context.Background(), "sensor.import", at(15, 0, 0), at(15, 1, 0))
		assert.ErrorContains(t, err, "401")
	})

	t.Run("Empty", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[]`))
		}))
		defer srv.Close()
		readings, err := NewHistoryClient(srv.URL, "", time.Second).Readings(context.Background(), "sensor.import", at(15, 0, 0), at(15, 1, 0))
		require.NoError(t, err)
		assert.Empty(t, readings)
	})
}

type fakeSource struct {
	readings []types.MeterReading
	err      error
	start    time.Time
}

func (f *fakeSource) Readings(ctx context.Context, sensor string, start, end time.Time) ([]types.MeterReading, error) {
	f.start = start
	return f.readings, f.err
}

func trackerSnapshot() *types.Snapshot {
	return &types.Snapshot{
		Region: "C",
		Forecast: types.Forecast{Timeline: []types.Slot{
			slot(at(14, 0, 0), "10", types.PhaseGreen),
			slot(at(14, 0, 30), "10", types.PhaseGreen),
			slot(at(14, 1, 0), "10", types.PhaseGreen),
			slot(at(14, 1, 30), "10", types.PhaseGreen),
			slot(at(15, 11, 30), "20", types.PhaseAmber),
			slot(at(15, 12, 0), "20", types.PhaseAmber),
			slot(at(15, 12, 30), "20", types.PhaseAmber),
		}},
		StandingCharge: &types.StandingCharge{ValueIncVAT: dec("50")},
	}
}

func TestTracker(t *testing.T) {
	ctx := context.Background()

	t.Run("Compute", func(t *testing.T) {
		src := &fakeSource{readings: []types.MeterReading{
			{At: at(14, 0, 0), KWH: 10},
			{At: at(14, 1, 0), KWH: 12},
			{At: at(14, 2, 0), KWH: 12},
			{At: at(15, 11, 30), KWH: 50},
			{At: at(15, 12, 0), KWH: 51},
			{At: at(15, 12, 10), KWH: 51.5},
		}}
		tr := NewTracker("C", "sensor.import", src)
		tr.now = func() time.Time { return at(15, 12, 10) }

		rep := tr.Compute(ctx, trackerSnapshot())
		assert.Equal(t, types.CostStatusOK, rep.Status)
		assert.True(t, src.start.Equal(at(14, 0, 0)))

		require.NotNil(t, rep.Yesterday)
		assertDecimal(t, "2", rep.Yesterday.TotalKWH)
		assertDecimal(t, "0.2", rep.Yesterday.EnergyCostGBP)
		assertDecimal(t, "0.7", rep.Yesterday.TotalCostGBP)

		require.NotNil(t, rep.Today)
		assert.True(t, rep.Today.PeriodEnd.Equal(at(15, 12, 10)))
		assertDecimal(t, "1.5", rep.Today.TotalKWH)
		assertDecimal(t, "0.3", rep.Today.EnergyCostGBP)
		assert.Len(t, rep.Today.PerSlot, 2)
	})

	t.Run("Error", func(t *testing.T) {
		tr := NewTracker("C", "sensor.import", &fakeSource{err: errors.New("unreachable")})
		tr.now = func() time.Time { return at(15, 12, 10) }
		rep := tr.Compute(ctx, trackerSnapshot())
		assert.Equal(t, types.CostStatusError, rep.Status)
		assert.Equal(t, "unreachable", rep.Error)
	})

	t.Run("NoHistory", func(t *testing.T) {
		tr := NewTracker("C", "sensor.import", &fakeSource{})
		tr.now = func() time.Time { return at(15, 12, 10) }
		rep := tr.Compute(ctx, trackerSnapshot())
		assert.Equal(t, types.CostStatusNoHistory, rep.Status)

		rep = tr.Compute(ctx, &types.Snapshot{})
		assert.Equal(t, types.CostStatusNoHistory, rep.Status)
	})

	t.Run("Disabled", func(t *testing.T) {
		tr := NewTracker("C", "", &fakeSource{})
		assert.Equal(t, types.CostStatusDisabled, tr.Report().Status)
		tr.Notify(ctx, trackerSnapshot())
		assert.Empty(t, tr.notify)
	})

	t.Run("NotifyKeepsLatest", func(t *testing.T) {
		tr := NewTracker("C", "sensor.import", &fakeSource{})
		first := trackerSnapshot()
		second := trackerSnapshot()
		tr.Notify(ctx, first)
		tr.Notify(ctx, second)
		require.Len(t, tr.notify, 1)
		assert.Same(t, second, <-tr.notify)
	})

	t.Run("Run", func(t *testing.T) {
		src := &fakeSource{readings: []types.MeterReading{
			{At: at(15, 11, 30), KWH: 50},
			{At: at(15, 12, 0), KWH: 51},
		}}
		tr := NewTracker("C", "sensor.import", src)
		tr.now = func() time.Time { return at(15, 12, 10) }

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- tr.Run(ctx) }()
		tr.Notify(ctx, trackerSnapshot())
		require.Eventually(t, func() bool {
			return tr.Report().Status == types.CostStatusOK
		}, 5*time.Second, 10*time.Millisecond)
		cancel()
		require.NoError(t, <-done)
	})
}

func TestSatellite(t *testing.T) {
	s := NewSatellite(&fakeSource{}, map[string]string{"c": "sensor.import"})
	tr := s.Attach("C")
	assert.Equal(t, "sensor.import", tr.sensor)
	assert.Same(t, tr, s.Attach("C"))

	got, ok := s.Get("c")
	require.True(t, ok)
	assert.Same(t, tr, got)

	disabled := s.Attach("A")
	assert.Equal(t, types.CostStatusDisabled, disabled.Report().Status)
}
