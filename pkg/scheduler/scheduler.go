package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/raterudder/freephase/pkg/log"
	"github.com/raterudder/freephase/pkg/types"
)

// SchedulingError is returned for an unusable refresh configuration.
type SchedulingError struct {
	Reason string
}

func (e *SchedulingError) Error() string {
	return "invalid refresh schedule: " + e.Reason
}

// ValidateInterval ensures the interval produces stable wall-clock
// boundaries. It must be a whole number of seconds that evenly divides a day.
func ValidateInterval(interval time.Duration) error {
	switch {
	case interval <= 0:
		return &SchedulingError{Reason: fmt.Sprintf("interval %s must be positive", interval)}
	case interval%time.Second != 0:
		return &SchedulingError{Reason: fmt.Sprintf("interval %s must be a whole number of seconds", interval)}
	case interval > 24*time.Hour:
		return &SchedulingError{Reason: fmt.Sprintf("interval %s must not exceed 24h", interval)}
	case (24*time.Hour)%interval != 0:
		return &SchedulingError{Reason: fmt.Sprintf("interval %s must evenly divide 24h", interval)}
	}
	return nil
}

// Plan is a single scheduled refresh.
type Plan struct {
	// Boundary is the aligned time the refresh is for.
	Boundary time.Time
	Jitter   time.Duration
	// At is Boundary plus Jitter.
	At time.Time
}

// NextRefresh returns the first interval boundary on or after now, offset by a
// random jitter in [0, jitterMax]. Boundaries are aligned to UTC midnight.
func NextRefresh(now time.Time, interval, jitterMax time.Duration, rng *rand.Rand) (Plan, error) {
	if err := ValidateInterval(interval); err != nil {
		return Plan{}, err
	}
	if jitterMax < 0 {
		return Plan{}, &SchedulingError{Reason: fmt.Sprintf("jitter %s must not be negative", jitterMax)}
	}
	now = now.UTC()
	boundary := now.Truncate(interval)
	if boundary.Before(now) {
		boundary = boundary.Add(interval)
	}
	var jitter time.Duration
	if jitterMax > 0 {
		jitter = time.Duration(rng.Int63n(int64(jitterMax) + 1))
	}
	return Plan{
		Boundary: boundary,
		Jitter:   jitter,
		At:       boundary.Add(jitter),
	}, nil
}

// Scheduler invokes a function at every aligned interval boundary.
type Scheduler struct {
	interval  time.Duration
	jitterMax time.Duration

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	rng     *rand.Rand
	plan    Plan
	planned time.Time
}

// New returns a scheduler. An invalid interval is rejected here so it's
// caught at configuration time.
func New(interval, jitterMax time.Duration) (*Scheduler, error) {
	if err := ValidateInterval(interval); err != nil {
		return nil, err
	}
	if jitterMax < 0 {
		return nil, &SchedulingError{Reason: fmt.Sprintf("jitter %s must not be negative", jitterMax)}
	}
	return &Scheduler{
		interval:  interval,
		jitterMax: jitterMax,
		now:       time.Now,
		after:     time.After,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Interval returns the configured interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// advance computes and stores the next plan.
func (s *Scheduler) advance() Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	// the interval was validated in New so this can't fail
	plan, _ := NextRefresh(now, s.interval, s.jitterMax, s.rng)
	// never plan the same boundary twice
	if !s.plan.Boundary.IsZero() && !plan.Boundary.After(s.plan.Boundary) {
		plan.Boundary = s.plan.Boundary.Add(s.interval)
		plan.At = plan.Boundary.Add(plan.Jitter)
	}
	s.plan = plan
	s.planned = now
	return plan
}

// Next returns the currently planned refresh.
func (s *Scheduler) Next() Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// Diagnostics describe the currently planned refresh.
func (s *Scheduler) Diagnostics() types.SchedulerDiagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := types.SchedulerDiagnostics{
		Interval:        s.interval,
		IntervalMinutes: int(s.interval / time.Minute),
		NextBoundary:    s.plan.Boundary,
		NextRefreshTime: s.plan.At,
		JitterAppliedMS: s.plan.Jitter.Milliseconds(),
	}
	if !s.plan.At.IsZero() {
		d.DelayMS = s.plan.At.Sub(s.planned).Milliseconds()
	}
	return d
}

// Run calls tick once immediately and then at every planned refresh until ctx
// is done. Calls never overlap since tick runs on the loop goroutine. The
// next refresh is planned before each tick so it's visible while the tick
// runs.
func (s *Scheduler) Run(ctx context.Context, tick func(context.Context)) error {
	plan := s.advance()
	tick(ctx)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// the plan may be in the past if the tick ran long
		if s.now().After(plan.At.Add(s.interval)) {
			log.Ctx(ctx).WarnContext(ctx, "missed scheduled refresh", slog.Time("boundary", plan.Boundary))
			plan = s.advance()
		}
		delay := plan.At.Sub(s.now())
		log.Ctx(ctx).DebugContext(
			ctx,
			"scheduled next refresh",
			slog.Time("boundary", plan.Boundary),
			slog.Duration("jitter", plan.Jitter),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(delay):
		}
		if now := s.now(); now.Before(plan.Boundary) {
			// the clock moved backwards while waiting
			log.Ctx(ctx).WarnContext(ctx, "woke before refresh boundary", slog.Time("boundary", plan.Boundary), slog.Time("now", now))
			continue
		}
		plan = s.advance()
		tick(ctx)
	}
}
