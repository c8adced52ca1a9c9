// Package usage turns raw usage records into the published totals.
package usage

import (
	"time"

	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

// Partition splits line items into grid consumption and return-to-grid. Every
// item lands in exactly one of the two slices.
func Partition(items []types.UsageRecord) (grid, credit []types.UsageRecord) {
	for _, r := range items {
		switch {
		case r.ChargeType.IsReturnToGrid():
			credit = append(credit, r)
		case r.ChargeType.IsGridConsumption():
			grid = append(grid, r)
		default:
			// records read back from storage may carry a type we no longer
			// parse; they count as DEBIT
			grid = append(grid, r)
		}
	}
	return grid, credit
}

// Sum adds up the energy and charge of the records.
func Sum(items []types.UsageRecord) types.Totals {
	var t types.Totals
	for _, r := range items {
		t = t.Add(r)
	}
	return t
}

// LatestPeriod returns the records of the most recent period: every record
// whose period start equals the latest start in the slice, in their original
// order. Records without a period start are never part of a dated period. If
// no record has a period start only the last record is returned.
func LatestPeriod(records []types.UsageRecord) []types.UsageRecord {
	if len(records) == 0 {
		return nil
	}
	var last time.Time
	for _, r := range records {
		if r.PeriodStart.After(last) {
			last = r.PeriodStart
		}
	}
	if last.IsZero() {
		return records[len(records)-1:]
	}
	var out []types.UsageRecord
	for _, r := range records {
		if r.PeriodStart.Equal(last) {
			out = append(out, r)
		}
	}
	return out
}

func latest(records []types.UsageRecord) *types.UsageRecord {
	if len(records) == 0 {
		return nil
	}
	r := records[len(records)-1]
	return &r
}

// NormalizeInterval computes the totals of the latest period in the series.
// Earlier periods are ignored.
func NormalizeInterval(series types.UsageSeries) types.PeriodTotals {
	grid, credit := Partition(LatestPeriod(series.Export))
	return types.PeriodTotals{
		Solar:           Sum(LatestPeriod(series.Solar)),
		GridConsumption: Sum(grid),
		ReturnToGrid:    Sum(credit),
		SolarLatest:     latest(LatestPeriod(series.Solar)),
		GridLatest:      latest(LatestPeriod(series.Export)),
	}
}

func hourlySeries(records []types.UsageRecord) types.HourlySeries {
	entries := make([]types.UsageRecord, len(records))
	copy(entries, records)
	return types.HourlySeries{
		Total:   Sum(entries),
		Entries: entries,
	}
}

// NormalizeHourly keeps every record of the window and sums each category.
func NormalizeHourly(h types.HourlyUsage) types.HourlySummary {
	grid, credit := Partition(h.Series.Export)
	return types.HourlySummary{
		Range:           h.Range,
		Solar:           hourlySeries(h.Series.Solar),
		GridConsumption: hourlySeries(grid),
		ReturnToGrid:    hourlySeries(credit),
	}
}

// BuildSnapshot assembles the snapshot published by a refresh cycle.
func BuildSnapshot(accountID string, interval types.IntervalUsage, hourly types.HourlyUsage, fetchedAt time.Time) types.AggregateSnapshot {
	return types.AggregateSnapshot{
		AccountID: accountID,
		FetchedAt: fetchedAt,
		Daily:     NormalizeInterval(interval.Daily),
		Monthly:   NormalizeInterval(interval.Monthly),
		Yearly:    NormalizeInterval(interval.Yearly),
		Hourly:    NormalizeHourly(hourly),
	}
}
