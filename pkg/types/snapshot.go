package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Totals is an energy and cost sum.
type Totals struct {
	KWh    float64         `json:"kwh"`
	Charge decimal.Decimal `json:"charge"`
}

// Add returns the totals with the record added.
func (t Totals) Add(r UsageRecord) Totals {
	return Totals{
		KWh:    t.KWh + r.ConsumptionKWh,
		Charge: t.Charge.Add(r.Charge),
	}
}

// PeriodTotals are the totals of the latest period of one granularity.
type PeriodTotals struct {
	Solar           Totals `json:"solar"`
	GridConsumption Totals `json:"gridConsumption"`
	ReturnToGrid    Totals `json:"returnToGrid"`

	// SolarLatest and GridLatest are the most recent solar and export records
	// of the granularity, if any.
	SolarLatest *UsageRecord `json:"solarLatest,omitempty"`
	GridLatest  *UsageRecord `json:"gridLatest,omitempty"`
}

// HourlySeries is every hourly record of one category plus their sum.
type HourlySeries struct {
	Total   Totals        `json:"total"`
	Entries []UsageRecord `json:"entries"`
}

// HourlySummary splits the hourly window by category.
type HourlySummary struct {
	Range           DateRange    `json:"range"`
	Solar           HourlySeries `json:"solar"`
	GridConsumption HourlySeries `json:"gridConsumption"`
	ReturnToGrid    HourlySeries `json:"returnToGrid"`
}

// AggregateSnapshot is the complete set of published values produced by one
// refresh cycle.
type AggregateSnapshot struct {
	AccountID string        `json:"accountID"`
	FetchedAt time.Time     `json:"fetchedAt"`
	Daily     PeriodTotals  `json:"daily"`
	Monthly   PeriodTotals  `json:"monthly"`
	Yearly    PeriodTotals  `json:"yearly"`
	Hourly    HourlySummary `json:"hourly"`
}
