package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

var (
	ErrEntryNotFound    = errors.New("config entry not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Database defines the interface for persisting the config entry, the latest
// snapshot and the hourly usage history.
type Database interface {
	// Config entry
	GetEntry(ctx context.Context) (types.ConfigEntry, error)
	SetEntry(ctx context.Context, entry types.ConfigEntry) error

	// Snapshots
	SaveSnapshot(ctx context.Context, snap types.AggregateSnapshot) error
	GetLatestSnapshot(ctx context.Context) (types.AggregateSnapshot, error)

	// History
	// UpsertHourlyUsage adds or replaces hourly records keyed by period start,
	// commodity and charge type.
	UpsertHourlyUsage(ctx context.Context, records []types.UsageRecord) error
	GetHourlyUsage(ctx context.Context, start, end time.Time) ([]types.UsageRecord, error)

	// Lifecycle
	Close() error
}

// hourlyKey identifies an hourly record in storage.
func hourlyKey(r types.UsageRecord) string {
	return r.PeriodStart.UTC().Format(time.RFC3339) + "_" + string(r.Commodity) + "_" + string(r.ChargeType)
}
