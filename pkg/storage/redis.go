package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/freephase/pkg/log"
	"github.com/raterudder/freephase/pkg/types"
	"github.com/redis/go-redis/v9"
)

// RedisProvider implements Database using Redis. State is stored as JSON
// strings and price history as a sorted set scored by slot start.
type RedisProvider struct {
	client   *redis.Client
	addr     string
	password string
	db       int
	prefix   string
}

// configuredRedis sets up the Redis provider.
// It registers flags for configuration.
func configuredRedis() *RedisProvider {
	addr := lflag.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	password := lflag.String("redis-password", "", "Redis password")
	db := lflag.Int("redis-db", 0, "Redis database number")
	prefix := lflag.String("redis-key-prefix", "freephase", "Prefix for every Redis key")

	r := &RedisProvider{}

	lflag.Do(func() {
		r.addr = *addr
		r.password = *password
		r.db = *db
		r.prefix = *prefix
	})

	return r
}

// Validate checks if the provider is properly configured.
func (r *RedisProvider) Validate() error {
	if r.addr == "" {
		return fmt.Errorf("redis-addr is required")
	}
	if r.db < 0 {
		return fmt.Errorf("redis-db must not be negative")
	}
	return nil
}

// Init connects to Redis and verifies the connection.
func (r *RedisProvider) Init(ctx context.Context) error {
	r.client = redis.NewClient(&redis.Options{
		Addr:     r.addr,
		Password: r.password,
		DB:       r.db,
	})
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis (%s): %w", r.addr, err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisProvider) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *RedisProvider) key(instanceID, name string) (string, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return "", err
	}
	return r.prefix + ":" + instanceID + ":" + name, nil
}

func (r *RedisProvider) getJSON(ctx context.Context, instanceID, name string, v any) error {
	k, err := r.key(instanceID, name)
	if err != nil {
		return err
	}
	b, err := r.client.Get(ctx, k).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%s for %s: %w", name, instanceID, ErrNotFound)
		}
		return fmt.Errorf("failed to get %s: %w", name, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s json: %w", name, err)
	}
	return nil
}

func (r *RedisProvider) setJSON(ctx context.Context, instanceID, name string, v any) error {
	k, err := r.key(instanceID, name)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	if err := r.client.Set(ctx, k, b, 0).Err(); err != nil {
		return fmt.Errorf("failed to save %s: %w", name, err)
	}
	return nil
}

// GetSnapshot retrieves the last-known-good snapshot.
func (r *RedisProvider) GetSnapshot(ctx context.Context, instanceID string) (*types.Snapshot, error) {
	var snap types.Snapshot
	if err := r.getJSON(ctx, instanceID, "snapshot", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SetSnapshot saves the snapshot.
func (r *RedisProvider) SetSnapshot(ctx context.Context, instanceID string, snap *types.Snapshot) error {
	return r.setJSON(ctx, instanceID, "snapshot", snap)
}

// GetEventDiagnostics retrieves event diagnostics. Missing diagnostics are
// returned empty.
func (r *RedisProvider) GetEventDiagnostics(ctx context.Context, instanceID string) (types.EventDiagnostics, error) {
	var d types.EventDiagnostics
	err := r.getJSON(ctx, instanceID, "event_diagnostics", &d)
	if err != nil && !isNotFound(err) {
		return types.EventDiagnostics{}, err
	}
	return d, nil
}

// SetEventDiagnostics saves event diagnostics.
func (r *RedisProvider) SetEventDiagnostics(ctx context.Context, instanceID string, d types.EventDiagnostics) error {
	return r.setJSON(ctx, instanceID, "event_diagnostics", d)
}

// UpsertPrices replaces the members scored at each slot start in a single
// transaction.
func (r *RedisProvider) UpsertPrices(ctx context.Context, instanceID string, slots []types.Slot) error {
	if len(slots) == 0 {
		return nil
	}
	k, err := r.key(instanceID, "prices")
	if err != nil {
		return err
	}
	members := make([]redis.Z, 0, len(slots))
	for _, s := range slots {
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal slot: %w", err)
		}
		members = append(members, redis.Z{Score: float64(s.Start.Unix()), Member: string(b)})
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			score := strconv.FormatInt(int64(m.Score), 10)
			pipe.ZRemRangeByScore(ctx, k, score, score)
		}
		pipe.ZAdd(ctx, k, members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert prices: %w", err)
	}
	return nil
}

// GetPriceHistory retrieves price records within the specified time range.
func (r *RedisProvider) GetPriceHistory(ctx context.Context, instanceID string, start, end time.Time) ([]types.Slot, error) {
	k, err := r.key(instanceID, "prices")
	if err != nil {
		return nil, err
	}
	vals, err := r.client.ZRangeByScore(ctx, k, &redis.ZRangeBy{
		Min: strconv.FormatInt(start.Unix(), 10),
		// end is exclusive
		Max: "(" + strconv.FormatInt(end.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get price history: %w", err)
	}
	slots := make([]types.Slot, 0, len(vals))
	for _, v := range vals {
		var s types.Slot
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal price", slog.String("instanceID", instanceID), slog.Any("err", err))
			continue
		}
		slots = append(slots, s)
	}
	return slots, nil
}
