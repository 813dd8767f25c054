package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/freephase/pkg/types"
)

// ErrNotFound is returned when a requested record doesn't exist.
var ErrNotFound = errors.New("not found")

// Database defines the interface for persisting coordinator state and price
// history.
type Database interface {
	// Snapshots
	// GetSnapshot returns the last-known-good snapshot or ErrNotFound.
	GetSnapshot(ctx context.Context, instanceID string) (*types.Snapshot, error)
	SetSnapshot(ctx context.Context, instanceID string, snap *types.Snapshot) error

	// Events
	GetEventDiagnostics(ctx context.Context, instanceID string) (types.EventDiagnostics, error)
	SetEventDiagnostics(ctx context.Context, instanceID string, d types.EventDiagnostics) error

	// History
	// UpsertPrices adds or replaces price records keyed by slot start.
	UpsertPrices(ctx context.Context, instanceID string, slots []types.Slot) error
	// GetPriceHistory returns slots starting in [start, end) ordered by start.
	GetPriceHistory(ctx context.Context, instanceID string, start, end time.Time) ([]types.Slot, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "memory", "Storage provider to use (available: memory, firestore, redis)")

	var p struct{ Database }

	fs := configuredFirestore()
	rs := configuredRedis()

	lflag.Do(func() {
		switch *provider {
		case "memory":
			p.Database = NewMemory()
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "redis":
			if err := rs.Validate(); err != nil {
				panic(fmt.Sprintf("redis validation failed: %v", err))
			}
			p.Database = rs
			if err := rs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("redis init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

func validateInstanceID(instanceID string) error {
	if instanceID == "" {
		return fmt.Errorf("instanceID cannot be empty")
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
