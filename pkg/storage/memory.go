package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/raterudder/freephase/pkg/types"
)

// MemoryProvider implements Database in process memory. Values are stored as
// JSON so callers can't mutate what was saved.
type MemoryProvider struct {
	mu          sync.Mutex
	snapshots   map[string][]byte
	diagnostics map[string][]byte
	prices      map[string]map[int64]types.Slot
}

// NewMemory returns an empty in-memory database.
func NewMemory() *MemoryProvider {
	return &MemoryProvider{
		snapshots:   make(map[string][]byte),
		diagnostics: make(map[string][]byte),
		prices:      make(map[string]map[int64]types.Slot),
	}
}

// GetSnapshot returns the stored snapshot or ErrNotFound.
func (m *MemoryProvider) GetSnapshot(ctx context.Context, instanceID string) (*types.Snapshot, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	b, ok := m.snapshots[instanceID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("snapshot for %s: %w", instanceID, ErrNotFound)
	}
	var snap types.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// SetSnapshot stores the snapshot.
func (m *MemoryProvider) SetSnapshot(ctx context.Context, instanceID string, snap *types.Snapshot) error {
	if err := validateInstanceID(instanceID); err != nil {
		return err
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[instanceID] = b
	return nil
}

// GetEventDiagnostics returns the stored diagnostics or empty diagnostics.
func (m *MemoryProvider) GetEventDiagnostics(ctx context.Context, instanceID string) (types.EventDiagnostics, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return types.EventDiagnostics{}, err
	}
	m.mu.Lock()
	b, ok := m.diagnostics[instanceID]
	m.mu.Unlock()
	var d types.EventDiagnostics
	if !ok {
		return d, nil
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return types.EventDiagnostics{}, fmt.Errorf("failed to unmarshal event diagnostics: %w", err)
	}
	return d, nil
}

// SetEventDiagnostics stores the diagnostics.
func (m *MemoryProvider) SetEventDiagnostics(ctx context.Context, instanceID string, d types.EventDiagnostics) error {
	if err := validateInstanceID(instanceID); err != nil {
		return err
	}
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal event diagnostics: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.diagnostics[instanceID] = b
	return nil
}

// UpsertPrices stores slots keyed by start.
func (m *MemoryProvider) UpsertPrices(ctx context.Context, instanceID string, slots []types.Slot) error {
	if err := validateInstanceID(instanceID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byStart, ok := m.prices[instanceID]
	if !ok {
		byStart = make(map[int64]types.Slot)
		m.prices[instanceID] = byStart
	}
	for _, s := range slots {
		byStart[s.Start.Unix()] = s
	}
	return nil
}

// GetPriceHistory returns slots starting in [start, end).
func (m *MemoryProvider) GetPriceHistory(ctx context.Context, instanceID string, start, end time.Time) ([]types.Slot, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var slots []types.Slot
	for _, s := range m.prices[instanceID] {
		if !s.Start.Before(start) && s.Start.Before(end) {
			slots = append(slots, s)
		}
	}
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].Start.Before(slots[j].Start)
	})
	return slots, nil
}

// Close implements Database.
func (m *MemoryProvider) Close() error {
	return nil
}
