package storagemock

import (
	"context"
	"time"

	"github.com/raterudder/freephase/pkg/storage"
	"github.com/raterudder/freephase/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSnapshot(ctx context.Context, instanceID string) (*types.Snapshot, error) {
	args := m.Called(ctx, instanceID)
	if snap, ok := args.Get(0).(*types.Snapshot); ok {
		return snap, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) SetSnapshot(ctx context.Context, instanceID string, snap *types.Snapshot) error {
	args := m.Called(ctx, instanceID, snap)
	return args.Error(0)
}

func (m *MockDatabase) GetEventDiagnostics(ctx context.Context, instanceID string) (types.EventDiagnostics, error) {
	args := m.Called(ctx, instanceID)
	// return empty if not specified
	if len(args) > 0 {
		return args.Get(0).(types.EventDiagnostics), args.Error(1)
	}
	return types.EventDiagnostics{}, nil
}

func (m *MockDatabase) SetEventDiagnostics(ctx context.Context, instanceID string, d types.EventDiagnostics) error {
	args := m.Called(ctx, instanceID, d)
	return args.Error(0)
}

func (m *MockDatabase) UpsertPrices(ctx context.Context, instanceID string, slots []types.Slot) error {
	args := m.Called(ctx, instanceID, slots)
	return args.Error(0)
}

func (m *MockDatabase) GetPriceHistory(ctx context.Context, instanceID string, start, end time.Time) ([]types.Slot, error) {
	args := m.Called(ctx, instanceID, start, end)
	if slots, ok := args.Get(0).([]types.Slot); ok {
		return slots, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
