package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raterudder/freephase/pkg/events"
	"github.com/raterudder/freephase/pkg/forecast"
	"github.com/raterudder/freephase/pkg/log"
	"github.com/raterudder/freephase/pkg/metrics"
	"github.com/raterudder/freephase/pkg/publish"
	"github.com/raterudder/freephase/pkg/scheduler"
	"github.com/raterudder/freephase/pkg/storage"
	"github.com/raterudder/freephase/pkg/tariff"
	"github.com/raterudder/freephase/pkg/types"
	"golang.org/x/sync/singleflight"
)

// Fetcher retrieves tariff data for a region.
type Fetcher interface {
	FetchUnitRates(ctx context.Context, regionCode string) (types.RawPayload, error)
	FetchProduct(ctx context.Context, regionCode string) (types.TariffMetadata, error)
	FetchStandingCharge(ctx context.Context, regionCode string) (types.StandingCharge, error)
}

var _ Fetcher = (*tariff.Client)(nil)

// Config is the configuration of a single tariff instance.
type Config struct {
	Region string
	Policy types.PhasePolicy
	// MaxRetries is the number of retries after the first attempt of a cycle.
	MaxRetries int
	// RetryBackoff is the delay before the first retry. It doubles for every
	// subsequent retry.
	RetryBackoff time.Duration
	Interval     time.Duration
	JitterMax    time.Duration
	Debug        bool
}

// Validate checks the configuration. Errors here aren't recoverable by
// retrying so they're reported before any refresh runs.
func (c Config) Validate() error {
	if _, err := types.RegionLabel(c.Region); err != nil {
		return err
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries %d must not be negative", c.MaxRetries)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff %s must not be negative", c.RetryBackoff)
	}
	return scheduler.ValidateInterval(c.Interval)
}

// Listener is called with every published snapshot. It runs on the refresh
// goroutine so it must not block.
type Listener func(ctx context.Context, snap *types.Snapshot)

// Coordinator owns the state of one tariff instance. Every refresh produces a
// new immutable snapshot; at most one refresh runs at a time.
type Coordinator struct {
	cfg      Config
	fetcher  Fetcher
	db       storage.Database
	pub      publish.Publisher
	sched    *scheduler.Scheduler
	logs     *log.Buffer
	recorder *events.Recorder

	group    singleflight.Group
	current  atomic.Pointer[types.Snapshot]
	lastGood atomic.Pointer[types.Snapshot]
	// failures is only touched by the refresh in flight
	failures int

	listenersMu sync.Mutex
	listeners   []Listener

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	// ctx lives until Close so a refresh started by a request isn't
	// abandoned when the request goes away
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates the config and returns a coordinator in the initializing
// state. pub may be nil.
func New(cfg Config, fetcher Fetcher, db storage.Database, pub publish.Publisher) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config for region %s: %w", cfg.Region, err)
	}
	sched, err := scheduler.New(cfg.Interval, cfg.JitterMax)
	if err != nil {
		return nil, err
	}

	logger, buf := log.Instance(cfg.Region, cfg.Debug)
	logger = logger.With(slog.String("region", cfg.Region))
	ctx, cancel := context.WithCancel(log.With(context.Background(), logger))

	c := &Coordinator{
		cfg:      cfg,
		fetcher:  fetcher,
		db:       db,
		pub:      pub,
		sched:    sched,
		logs:     buf,
		recorder: events.NewRecorder(types.EventDiagnostics{}),
		now:      time.Now,
		sleep:    sleepCtx,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.current.Store(&types.Snapshot{
		Region: cfg.Region,
		Health: types.Health{Status: types.StatusInitializing},
		Forecast: types.Forecast{
			Convention: cfg.Policy.Convention(),
		},
	})
	return c, nil
}

// Region returns the region code of the instance.
func (c *Coordinator) Region() string {
	return c.cfg.Region
}

// Config returns the instance configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Snapshot returns the current snapshot. It's never nil and must not be
// modified.
func (c *Coordinator) Snapshot() *types.Snapshot {
	return c.current.Load()
}

// EventDiagnostics returns the diagnostics of emitted events.
func (c *Coordinator) EventDiagnostics() types.EventDiagnostics {
	return c.recorder.Get()
}

// OnSnapshot registers a listener for published snapshots.
func (c *Coordinator) OnSnapshot(l Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Restore loads the last-known-good snapshot and event diagnostics from
// storage. The restored window counts as already announced.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	d, err := c.db.GetEventDiagnostics(ctx, c.cfg.Region)
	if err != nil {
		return fmt.Errorf("failed to load event diagnostics: %w", err)
	}
	c.recorder.Restore(d)

	snap, err := c.db.GetSnapshot(ctx, c.cfg.Region)
	if errors.Is(err, storage.ErrNotFound) {
		log.Ctx(ctx).DebugContext(ctx, "no persisted snapshot")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snap.Region != c.cfg.Region || !snap.HasData() {
		log.Ctx(ctx).WarnContext(ctx, "ignoring unusable persisted snapshot", slog.String("persistedRegion", snap.Region))
		return nil
	}
	snap.Health.Status = types.StatusInitializing
	// transitions missed while stopped aren't reported, the first refresh
	// only sets the baseline
	snap.Marks = types.EventMarks{AnnouncedWindow: snap.Forecast.Window}
	c.lastGood.Store(snap)
	c.current.Store(snap)
	log.Ctx(ctx).InfoContext(
		ctx,
		"restored snapshot",
		slog.Time("effectiveFrom", snap.Forecast.Window.EffectiveFrom),
		slog.Time("fetchedAt", snap.Fetch.FetchedAt),
	)
	return nil
}

// Refresh runs a refresh cycle or joins the one already in flight. The cycle
// continues if ctx is done before it finishes and only stops when the
// coordinator is closed.
func (c *Coordinator) Refresh(ctx context.Context) (*types.Snapshot, error) {
	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		return c.refresh(c.ctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.Snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run refreshes on every scheduled tick until ctx is done or the coordinator
// is closed.
func (c *Coordinator) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.cancel)
	defer stop()

	log.Ctx(c.ctx).InfoContext(c.ctx, "starting coordinator", slog.Duration("interval", c.cfg.Interval))
	err := c.sched.Run(c.ctx, func(ctx context.Context) {
		if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
			log.Ctx(ctx).ErrorContext(ctx, "refresh failed", slog.Any("error", err))
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the coordinator and abandons any refresh in flight.
func (c *Coordinator) Close() error {
	c.cancel()
	return nil
}

// attempt is the outcome of fetching and building a forecast with retries.
type attempt struct {
	payload  types.RawPayload
	forecast types.Forecast
	attempts int
	latency  *time.Duration
	err      error
}

func (c *Coordinator) fetchWithRetry(ctx context.Context, now time.Time) attempt {
	var a attempt
	backoff := c.cfg.RetryBackoff
	for {
		a.attempts++
		payload, err := c.fetcher.FetchUnitRates(ctx, c.cfg.Region)
		var fe *tariff.FetchError
		if err == nil {
			latency := payload.Latency
			a.latency = &latency
			a.payload = payload
			a.forecast, err = forecast.Build(payload, c.cfg.Policy, now)
		} else if errors.As(err, &fe) {
			latency := fe.Latency
			a.latency = &latency
		}
		a.err = err
		if err == nil || ctx.Err() != nil || a.attempts > c.cfg.MaxRetries {
			return a
		}

		log.Ctx(ctx).WarnContext(
			ctx,
			"refresh attempt failed; retrying",
			slog.Int("attempt", a.attempts),
			slog.Duration("backoff", backoff),
			slog.Any("error", err),
		)
		if err := c.sleep(ctx, backoff); err != nil {
			return a
		}
		backoff *= 2
	}
}

func (c *Coordinator) refresh(ctx context.Context) (*types.Snapshot, error) {
	now := c.now()
	prev := c.current.Load()
	lastGood := c.lastGood.Load()

	log.Ctx(ctx).DebugContext(ctx, "refreshing")
	a := c.fetchWithRetry(ctx, now)
	if err := ctx.Err(); err != nil {
		log.Ctx(ctx).InfoContext(ctx, "refresh abandoned")
		return nil, err
	}

	var snap *types.Snapshot
	if a.err == nil {
		snap = c.fresh(ctx, now, a, lastGood)
		c.failures = 0
	} else {
		c.failures++
		snap = c.fallback(now, a, lastGood)
		log.Ctx(ctx).ErrorContext(
			ctx,
			"refresh failed",
			slog.Int("attempts", a.attempts),
			slog.Int("consecutiveFailures", c.failures),
			slog.String("status", string(snap.Health.Status)),
			slog.Any("error", a.err),
		)
	}
	if err := ctx.Err(); err != nil {
		log.Ctx(ctx).InfoContext(ctx, "refresh abandoned")
		return nil, err
	}
	snap.Health.ConsecutiveFailures = c.failures
	snap.Health.RetryCount = a.attempts - 1
	if a.latency != nil {
		ms := a.latency.Milliseconds()
		snap.Health.APILatencyMS = &ms
	}
	if d := c.sched.Diagnostics(); !d.NextRefreshTime.IsZero() {
		next := d.NextRefreshTime
		snap.Health.NextRefreshTime = &next
		snap.Health.JitterAppliedMS = d.JitterAppliedMS
	}

	evs, marks := events.Diff(prev, snap)
	snap.Marks = marks

	c.current.Store(snap)
	if a.err == nil {
		c.lastGood.Store(snap)
	}
	metrics.RecordRefresh(c.cfg.Region, snap.Health.Status, snap.Health.RetryCount)
	if snap.Health.DataAgeSeconds != nil {
		metrics.SetDataAge(c.cfg.Region, time.Duration(*snap.Health.DataAgeSeconds)*time.Second)
	}

	c.recorder.Record(evs...)
	c.persist(ctx, snap, a.err == nil, len(evs) > 0)
	c.publish(ctx, snap, evs)
	return snap, nil
}

// fresh builds the snapshot for a successful fetch.
func (c *Coordinator) fresh(ctx context.Context, now time.Time, a attempt, lastGood *types.Snapshot) *types.Snapshot {
	snap := &types.Snapshot{
		Region:      c.cfg.Region,
		GeneratedAt: now,
		Forecast:    a.forecast,
		Fetch: types.FetchInfo{
			FetchedAt: now,
			Attempts:  a.attempts,
			Pages:     a.payload.Pages,
			Entries:   len(a.payload.Entries),
		},
	}
	if lastGood != nil {
		snap.Tariff = lastGood.Tariff
		snap.StandingCharge = lastGood.StandingCharge
	}

	flags := types.HealthFlags{
		MalformedEntries: a.forecast.MalformedEntries,
		Partial:          !a.forecast.Complete,
	}
	if md, err := c.fetcher.FetchProduct(ctx, c.cfg.Region); err != nil {
		flags.MetadataError = true
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch tariff metadata", slog.Any("error", err))
	} else {
		snap.Tariff = &md
	}
	if sc, err := c.fetcher.FetchStandingCharge(ctx, c.cfg.Region); err != nil {
		flags.StandingChargeError = true
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch standing charge", slog.Any("error", err))
	} else {
		snap.StandingCharge = &sc
	}

	status := types.StatusOK
	if len(a.forecast.Issues) > 0 {
		status = types.StatusDegraded
		log.Ctx(ctx).WarnContext(
			ctx,
			"forecast has issues",
			slog.Bool("complete", a.forecast.Complete),
			slog.Int("slots", len(a.forecast.Slots)),
			slog.Any("issues", a.forecast.Issues),
		)
	}
	updated := now
	var age int64
	snap.Health = types.Health{
		Status:               status,
		LastSuccessfulUpdate: &updated,
		DataAgeSeconds:       &age,
		Flags:                flags,
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"refreshed forecast",
		slog.String("status", string(status)),
		slog.Int("attempts", a.attempts),
		slog.Int("slots", len(a.forecast.Slots)),
		slog.Time("effectiveFrom", a.forecast.Window.EffectiveFrom),
	)
	return snap
}

// fallback builds the snapshot for a failed cycle from the last-known-good
// snapshot if there is one.
func (c *Coordinator) fallback(now time.Time, a attempt, lastGood *types.Snapshot) *types.Snapshot {
	var fe *tariff.FetchError
	apiError := errors.As(a.err, &fe)

	if lastGood == nil {
		return &types.Snapshot{
			Region:      c.cfg.Region,
			GeneratedAt: now,
			Forecast: types.Forecast{
				Convention: c.cfg.Policy.Convention(),
			},
			Fetch: types.FetchInfo{
				FetchedAt: now,
				Attempts:  a.attempts,
				Pages:     a.payload.Pages,
				Entries:   len(a.payload.Entries),
			},
			Health: types.Health{
				Status:    types.StatusError,
				LastError: a.err.Error(),
				Flags: types.HealthFlags{
					APIError: apiError,
					NoData:   true,
				},
			},
		}
	}

	// slices are shared with lastGood since snapshots are never modified
	snap := *lastGood
	snap.GeneratedAt = now
	age := int64(now.Sub(lastGood.Fetch.FetchedAt) / time.Second)
	snap.Health = types.Health{
		Status:               types.StatusDegraded,
		LastSuccessfulUpdate: lastGood.Health.LastSuccessfulUpdate,
		DataAgeSeconds:       &age,
		LastError:            a.err.Error(),
		Flags: types.HealthFlags{
			APIError:         apiError,
			NoData:           !apiError,
			MalformedEntries: lastGood.Health.Flags.MalformedEntries,
			Partial:          lastGood.Health.Flags.Partial,
			Stale:            true,
		},
	}
	return &snap
}

// persist stores state needed after a restart. Failures are logged since the
// in-memory state is still correct.
func (c *Coordinator) persist(ctx context.Context, snap *types.Snapshot, fresh, emitted bool) {
	if c.db == nil {
		return
	}
	if emitted {
		if err := c.db.SetEventDiagnostics(ctx, c.cfg.Region, c.recorder.Get()); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to persist event diagnostics", slog.Any("error", err))
		}
	}
	if !fresh {
		return
	}
	if err := c.db.SetSnapshot(ctx, c.cfg.Region, snap); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist snapshot", slog.Any("error", err))
	}
	if err := c.db.UpsertPrices(ctx, c.cfg.Region, snap.Forecast.Timeline); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist price history", slog.Any("error", err))
	}
}

func (c *Coordinator) publish(ctx context.Context, snap *types.Snapshot, evs []types.Event) {
	for _, ev := range evs {
		metrics.RecordEvent(c.cfg.Region, ev.Type)
		log.Ctx(ctx).DebugContext(ctx, "emitting event", slog.String("type", string(ev.Type)), slog.String("id", ev.ID.String()))
	}
	if c.pub != nil {
		// failures are logged and counted by the publisher
		_ = c.pub.PublishSnapshot(ctx, snap)
		for _, ev := range evs {
			_ = c.pub.PublishEvent(ctx, ev)
		}
	}

	c.listenersMu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.listenersMu.Unlock()
	for _, l := range listeners {
		l(ctx, snap)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
