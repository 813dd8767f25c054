package cost

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/freephase/pkg/forecast"
	"github.com/raterudder/freephase/pkg/log"
	"github.com/raterudder/freephase/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Tracker computes the cost of an instance's consumption whenever a new
// snapshot is published. It runs off the refresh path so a slow or failing
// host API never delays snapshots.
type Tracker struct {
	region string
	sensor string
	src    MeterSource
	now    func() time.Time

	notify chan *types.Snapshot
	report atomic.Pointer[types.CostReport]
}

// NewTracker returns a tracker for the region. An empty sensor disables cost
// tracking.
func NewTracker(region, sensor string, src MeterSource) *Tracker {
	t := &Tracker{
		region: region,
		sensor: sensor,
		src:    src,
		now:    time.Now,
		notify: make(chan *types.Snapshot, 1),
	}
	status := types.CostStatusNoHistory
	if sensor == "" {
		status = types.CostStatusDisabled
	}
	t.report.Store(&types.CostReport{Status: status, ImportSensor: sensor})
	return t
}

// Report returns the latest cost report.
func (t *Tracker) Report() types.CostReport {
	return *t.report.Load()
}

// Notify queues snap for computation, replacing any snapshot still queued.
// It never blocks.
func (t *Tracker) Notify(_ context.Context, snap *types.Snapshot) {
	if t.sensor == "" {
		return
	}
	for {
		select {
		case t.notify <- snap:
			return
		default:
		}
		select {
		case <-t.notify:
		default:
		}
	}
}

// Run computes a report for every queued snapshot until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-t.notify:
			rep := t.Compute(ctx, snap)
			if ctx.Err() != nil {
				return nil
			}
			t.report.Store(&rep)
		}
	}
}

// Compute returns the cost report for the snapshot's yesterday and today so
// far.
func (t *Tracker) Compute(ctx context.Context, snap *types.Snapshot) types.CostReport {
	now := t.now()
	rep := types.CostReport{ImportSensor: t.sensor, UpdatedAt: now}
	if t.sensor == "" {
		rep.Status = types.CostStatusDisabled
		return rep
	}

	days := forecast.GroupByDay(snap.Forecast.Timeline, now)
	var start time.Time
	switch {
	case len(days.Yesterday) > 0:
		start = days.Yesterday[0].Start
	case len(days.Today) > 0:
		start = days.Today[0].Start
	default:
		rep.Status = types.CostStatusNoHistory
		rep.Error = "no tariff slots for yesterday or today"
		return rep
	}

	readings, err := t.src.Readings(ctx, t.sensor, start, now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read meter history", slog.String("sensor", t.sensor), slog.Any("error", err))
		rep.Status = types.CostStatusError
		rep.Error = err.Error()
		return rep
	}

	rep.Yesterday = Summarize(days.Yesterday, readings, time.Time{}, snap.StandingCharge)
	rep.Today = Summarize(days.Today, readings, now, snap.StandingCharge)
	if rep.Yesterday == nil && rep.Today == nil {
		rep.Status = types.CostStatusNoHistory
		return rep
	}
	rep.Status = types.CostStatusOK
	log.Ctx(ctx).DebugContext(ctx, "computed cost", slog.Int("readings", len(readings)))
	return rep
}

// Satellite manages the trackers of every instance.
type Satellite struct {
	src     MeterSource
	sensors map[string]string

	mu       sync.Mutex
	trackers map[string]*Tracker
}

// NewSatellite returns a satellite reading history from src. sensors maps
// region codes to import sensors.
func NewSatellite(src MeterSource, sensors map[string]string) *Satellite {
	s := &Satellite{
		src:      src,
		sensors:  make(map[string]string, len(sensors)),
		trackers: make(map[string]*Tracker),
	}
	for region, sensor := range sensors {
		s.sensors[strings.ToUpper(region)] = sensor
	}
	return s
}

// Configured sets up flags for the host platform API and import sensors.
func Configured() *Satellite {
	var sensors map[string]string
	lflag.JSON(&sensors, "import-sensors", map[string]string{}, "JSON map of region code to the host platform's cumulative import sensor entity id")
	apiURL := lflag.String("host-api-url", "", "Base URL of the host platform API used for meter history (e.g. http://homeassistant.local:8123)")
	token := lflag.String("host-api-token", "", "Bearer token for the host platform API")
	timeout := lflag.Duration("host-api-timeout", 10*time.Second, "Timeout for host platform API requests")

	s := &Satellite{trackers: make(map[string]*Tracker)}

	lflag.Do(func() {
		s.sensors = make(map[string]string, len(sensors))
		for region, sensor := range sensors {
			if sensor == "" {
				continue
			}
			if _, err := types.RegionLabel(strings.ToUpper(region)); err != nil {
				panic(fmt.Sprintf("invalid import-sensors region: %v", err))
			}
			s.sensors[strings.ToUpper(region)] = sensor
		}
		if len(s.sensors) > 0 && *apiURL == "" {
			panic("host-api-url is required when import-sensors is set")
		}
		s.src = NewHistoryClient(*apiURL, *token, *timeout)
	})

	return s
}

// Attach returns the tracker for the region, creating it if needed.
func (s *Satellite) Attach(region string) *Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.trackers[region]; ok {
		return t
	}
	t := NewTracker(region, s.sensors[region], s.src)
	s.trackers[region] = t
	return t
}

// Get returns the tracker for the region.
func (s *Satellite) Get(region string) (*Tracker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[strings.ToUpper(region)]
	return t, ok
}

// Run runs every enabled tracker until ctx is done.
func (s *Satellite) Run(ctx context.Context) error {
	s.mu.Lock()
	trackers := make([]*Tracker, 0, len(s.trackers))
	for _, t := range s.trackers {
		if t.sensor != "" {
			trackers = append(trackers, t)
		}
	}
	s.mu.Unlock()

	eg, ctx := errgroup.WithContext(ctx)
	for _, t := range trackers {
		eg.Go(func() error {
			logger := log.Ctx(ctx).With(slog.String("region", t.region))
			return t.Run(log.With(ctx, logger))
		})
	}
	return eg.Wait()
}
