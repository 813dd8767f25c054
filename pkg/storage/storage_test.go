package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/raterudder/freephase/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDatabase exercises a Database implementation. instanceID should be
// unique per run for providers that keep state between runs.
func testDatabase(t *testing.T, db Database, instanceID string) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Second).UTC()

	t.Run("SnapshotNotFound", func(t *testing.T) {
		_, err := db.GetSnapshot(ctx, instanceID+"-missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Snapshot", func(t *testing.T) {
		snap := &types.Snapshot{
			Region:      "A",
			GeneratedAt: now,
			Forecast: types.Forecast{
				Window: types.Window{EffectiveFrom: now, EffectiveTo: now.Add(24 * time.Hour)},
				Timeline: []types.Slot{{
					Start:           now,
					End:             now.Add(types.SlotDuration),
					DurationMinutes: 30,
					Price:           decimal.RequireFromString("12.5"),
					Unit:            types.PriceUnit,
					Phase:           types.PhaseGreen,
				}},
				Complete: true,
			},
			Health: types.Health{Status: types.StatusOK},
			Marks:  types.EventMarks{SlotStart: now, Phase: types.PhaseGreen},
		}
		require.NoError(t, db.SetSnapshot(ctx, instanceID, snap))

		got, err := db.GetSnapshot(ctx, instanceID)
		require.NoError(t, err)
		assert.Equal(t, "A", got.Region)
		assert.True(t, got.GeneratedAt.Equal(now))
		assert.Equal(t, types.StatusOK, got.Health.Status)
		assert.True(t, got.Forecast.Window.Equal(snap.Forecast.Window))
		require.Len(t, got.Forecast.Timeline, 1)
		assert.True(t, got.Forecast.Timeline[0].Price.Equal(decimal.RequireFromString("12.5")))
		assert.Equal(t, types.PhaseGreen, got.Marks.Phase)
		assert.True(t, got.Marks.Observed())
	})

	t.Run("EventDiagnostics", func(t *testing.T) {
		d, err := db.GetEventDiagnostics(ctx, instanceID+"-missing")
		require.NoError(t, err)
		assert.Empty(t, d.Counts)

		at := now
		want := types.EventDiagnostics{
			LastEventType: types.EventPhaseChanged,
			LastEventAt:   &at,
			Counts:        map[types.EventType]int{types.EventPhaseChanged: 3},
		}
		require.NoError(t, db.SetEventDiagnostics(ctx, instanceID, want))
		got, err := db.GetEventDiagnostics(ctx, instanceID)
		require.NoError(t, err)
		assert.Equal(t, types.EventPhaseChanged, got.LastEventType)
		assert.Equal(t, 3, got.Counts[types.EventPhaseChanged])
		require.NotNil(t, got.LastEventAt)
		assert.True(t, got.LastEventAt.Equal(at))
	})

	t.Run("Prices", func(t *testing.T) {
		start := now.Truncate(types.SlotDuration)
		s1 := types.Slot{Start: start.Add(-time.Hour), End: start.Add(-30 * time.Minute), Price: decimal.NewFromInt(10), Phase: types.PhaseGreen}
		s2 := types.Slot{Start: start, End: start.Add(30 * time.Minute), Price: decimal.NewFromInt(20), Phase: types.PhaseAmber}
		require.NoError(t, db.UpsertPrices(ctx, instanceID, []types.Slot{s2, s1}))

		// replace s2
		s2.Price = decimal.NewFromInt(40)
		s2.Phase = types.PhaseRed
		require.NoError(t, db.UpsertPrices(ctx, instanceID, []types.Slot{s2}))

		slots, err := db.GetPriceHistory(ctx, instanceID, start.Add(-2*time.Hour), start.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, slots, 2)
		assert.True(t, slots[0].Start.Equal(s1.Start))
		assert.True(t, slots[1].Start.Equal(s2.Start))
		assert.True(t, slots[1].Price.Equal(decimal.NewFromInt(40)))
		assert.Equal(t, types.PhaseRed, slots[1].Phase)

		// end is exclusive
		slots, err = db.GetPriceHistory(ctx, instanceID, start.Add(-2*time.Hour), start)
		require.NoError(t, err)
		require.Len(t, slots, 1)
		assert.True(t, slots[0].Start.Equal(s1.Start))
	})

	t.Run("EmptyInstanceID", func(t *testing.T) {
		_, err := db.GetSnapshot(ctx, "")
		assert.ErrorContains(t, err, "instanceID cannot be empty")
		err = db.UpsertPrices(ctx, "", []types.Slot{{Start: now}})
		assert.ErrorContains(t, err, "instanceID cannot be empty")
	})
}

func TestMemoryProvider(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	testDatabase(t, m, "test-instance")

	t.Run("Isolation", func(t *testing.T) {
		ctx := context.Background()
		snap := &types.Snapshot{Region: "B"}
		require.NoError(t, m.SetSnapshot(ctx, "iso", snap))
		snap.Region = "C"
		got, err := m.GetSnapshot(ctx, "iso")
		require.NoError(t, err)
		assert.Equal(t, "B", got.Region)
	})
}

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random database for isolation
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  fmt.Sprintf("test-db-%d", time.Now().UnixNano()),
	}
	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	require.NoError(t, f.Validate())
	testDatabase(t, f, "test-instance")
}

func TestRedisProvider(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	r := &RedisProvider{
		addr:   addr,
		prefix: fmt.Sprintf("freephase-test-%d", time.Now().UnixNano()),
	}
	require.NoError(t, r.Validate())
	ctx := context.Background()
	require.NoError(t, r.Init(ctx))
	defer r.Close()

	testDatabase(t, r, "test-instance")
}

func TestRedisValidate(t *testing.T) {
	assert.Error(t, (&RedisProvider{}).Validate())
	assert.Error(t, (&RedisProvider{addr: "localhost:6379", db: -1}).Validate())
	assert.NoError(t, (&RedisProvider{addr: "localhost:6379"}).Validate())
}
