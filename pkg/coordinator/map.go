package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/freephase/pkg/log"
	"github.com/raterudder/freephase/pkg/publish"
	"github.com/raterudder/freephase/pkg/storage"
	"github.com/raterudder/freephase/pkg/types"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Map holds the coordinators of every configured region. Instances share no
// mutable state.
type Map struct {
	coordinators map[string]*Coordinator
}

// NewMap returns a map of the given coordinators.
func NewMap(cs ...*Coordinator) *Map {
	m := &Map{coordinators: make(map[string]*Coordinator, len(cs))}
	for _, c := range cs {
		m.coordinators[c.Region()] = c
	}
	return m
}

// Get returns the coordinator for a region.
func (m *Map) Get(region string) (*Coordinator, bool) {
	c, ok := m.coordinators[strings.ToUpper(region)]
	return c, ok
}

// List returns every coordinator ordered by region.
func (m *Map) List() []*Coordinator {
	out := make([]*Coordinator, 0, len(m.coordinators))
	for _, c := range m.coordinators {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Region() < out[j].Region()
	})
	return out
}

// Restore restores every coordinator. A failed restore is logged and the
// instance starts without persisted state.
func (m *Map) Restore(ctx context.Context) {
	for _, c := range m.List() {
		if err := c.Restore(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to restore coordinator", slog.String("region", c.Region()), slog.Any("error", err))
		}
	}
}

// Run runs every coordinator until ctx is done.
func (m *Map) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, c := range m.List() {
		eg.Go(func() error {
			if err := c.Run(ctx); err != nil {
				return fmt.Errorf("coordinator %s: %w", c.Region(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Close closes every coordinator.
func (m *Map) Close() error {
	var errs []error
	for _, c := range m.List() {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Configured sets up flags for the tariff instances and returns the map which
// is populated once flags are parsed.
func Configured(fetcher Fetcher, db storage.Database, pub publish.Publisher) *Map {
	regions := lflag.String("region-codes", "A", "Comma separated list of region codes (A-P), one instance per region")
	intervalMinutes := lflag.Int("scan-interval-minutes", 30, "Refresh interval in minutes, aligned to the wall clock")
	jitterMax := lflag.Duration("refresh-jitter-max", 5*time.Second, "Maximum random delay added to every refresh")
	debug := lflag.Bool("debug-logging", false, "Log every instance at debug level")
	mode := lflag.String("classification-mode", string(types.ClassificationModePrice), "How slots are classified (available: price, schedule)")
	greenMax := lflag.String("green-max-price", "15", "Prices below this are green (p/kWh)")
	amberMax := lflag.String("amber-max-price", "30", "Prices below this are amber, anything else is red (p/kWh)")
	freePhase := lflag.String("free-phase", string(types.FreePhaseCollapse), "Phase of free slots (available: collapse, distinct)")
	freeInclusive := lflag.Bool("free-price-inclusive", true, "Count a price of exactly zero as free")
	maxRetries := lflag.Int("max-retries", 2, "Retries after a failed attempt within one refresh")
	retryBackoff := lflag.Duration("retry-backoff", 2*time.Second, "Delay before the first retry, doubled for each retry")

	m := &Map{coordinators: make(map[string]*Coordinator)}

	lflag.Do(func() {
		green, err := decimal.NewFromString(*greenMax)
		if err != nil {
			panic(fmt.Sprintf("invalid green-max-price %q: %v", *greenMax, err))
		}
		amber, err := decimal.NewFromString(*amberMax)
		if err != nil {
			panic(fmt.Sprintf("invalid amber-max-price %q: %v", *amberMax, err))
		}
		policy := types.PhasePolicy{
			Mode:          types.ClassificationMode(*mode),
			GreenMaxPrice: green,
			AmberMaxPrice: amber,
			FreePhase:     types.FreePhaseMode(*freePhase),
			FreeInclusive: *freeInclusive,
		}

		for _, region := range strings.Split(*regions, ",") {
			region = strings.ToUpper(strings.TrimSpace(region))
			if region == "" {
				continue
			}
			if _, ok := m.coordinators[region]; ok {
				panic(fmt.Sprintf("duplicate region code: %s", region))
			}
			c, err := New(Config{
				Region:       region,
				Policy:       policy,
				MaxRetries:   *maxRetries,
				RetryBackoff: *retryBackoff,
				Interval:     time.Duration(*intervalMinutes) * time.Minute,
				JitterMax:    *jitterMax,
				Debug:        *debug,
			}, fetcher, db, pub)
			if err != nil {
				panic(fmt.Sprintf("failed to configure coordinator: %v", err))
			}
			m.coordinators[region] = c
		}
		if len(m.coordinators) == 0 {
			panic("at least one region code is required")
		}
	})

	return m
}
