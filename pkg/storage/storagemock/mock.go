package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/ovoenergyau/ovoenergyau/pkg/storage"
	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetEntry(ctx context.Context) (types.ConfigEntry, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.ConfigEntry), args.Error(1)
}

func (m *MockDatabase) SetEntry(ctx context.Context, entry types.ConfigEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDatabase) SaveSnapshot(ctx context.Context, snap types.AggregateSnapshot) error {
	args := m.Called(ctx, snap)
	return args.Error(0)
}

func (m *MockDatabase) GetLatestSnapshot(ctx context.Context) (types.AggregateSnapshot, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.AggregateSnapshot), args.Error(1)
}

func (m *MockDatabase) UpsertHourlyUsage(ctx context.Context, records []types.UsageRecord) error {
	args := m.Called(ctx, records)
	return args.Error(0)
}

func (m *MockDatabase) GetHourlyUsage(ctx context.Context, start, end time.Time) ([]types.UsageRecord, error) {
	args := m.Called(ctx, start, end)
	if records := args.Get(0); records != nil {
		return records.([]types.UsageRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
