package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ChargeType classifies a usage line item by how it was billed.
type ChargeType string

const (
	ChargeTypeDebit   ChargeType = "DEBIT"
	ChargeTypeFree    ChargeType = "FREE"
	ChargeTypePeak    ChargeType = "PEAK"
	ChargeTypeOffPeak ChargeType = "OFF_PEAK"

	// ChargeTypeCredit is energy returned to the grid.
	ChargeTypeCredit ChargeType = "CREDIT"
)

// ParseChargeType maps the upstream charge type string onto a ChargeType. An
// empty value is DEBIT. Unrecognized values are also treated as DEBIT and ok is
// false so the caller can report them.
func ParseChargeType(s string) (ct ChargeType, ok bool) {
	switch v := ChargeType(strings.ToUpper(strings.TrimSpace(s))); v {
	case ChargeTypeDebit, ChargeTypeFree, ChargeTypePeak, ChargeTypeOffPeak, ChargeTypeCredit:
		return v, true
	case "":
		return ChargeTypeDebit, true
	default:
		return ChargeTypeDebit, false
	}
}

// IsReturnToGrid reports whether the charge type is energy exported to the grid.
func (c ChargeType) IsReturnToGrid() bool {
	return c == ChargeTypeCredit
}

// IsGridConsumption reports whether the charge type is energy imported from
// the grid.
func (c ChargeType) IsGridConsumption() bool {
	switch c {
	case ChargeTypeDebit, ChargeTypeFree, ChargeTypePeak, ChargeTypeOffPeak:
		return true
	}
	return false
}

// Commodity is the kind of energy a record measures.
type Commodity string

const (
	CommoditySolar       Commodity = "SOLAR"
	CommodityElectricity Commodity = "ELECTRICITY"
)

// UsageRecord is a single usage line item for one period.
type UsageRecord struct {
	PeriodStart    time.Time       `json:"periodStart"`
	PeriodEnd      time.Time       `json:"periodEnd"`
	ConsumptionKWh float64         `json:"consumptionKWh"`
	Charge         decimal.Decimal `json:"charge"`
	ChargeType     ChargeType      `json:"chargeType"`
	Commodity      Commodity       `json:"commodity"`
	ReadType       string          `json:"readType,omitempty"`
}

// UsageSeries holds the records of one granularity, oldest first. Solar holds
// solar generation and Export holds grid import and export line items.
type UsageSeries struct {
	Solar  []UsageRecord `json:"solar"`
	Export []UsageRecord `json:"export"`
}

// Len returns the total number of records in the series.
func (s UsageSeries) Len() int {
	return len(s.Solar) + len(s.Export)
}

// IntervalUsage is the response of the interval usage query.
type IntervalUsage struct {
	Daily   UsageSeries `json:"daily"`
	Monthly UsageSeries `json:"monthly"`
	Yearly  UsageSeries `json:"yearly"`
}

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the number of calendar days covered by the range.
func (r DateRange) Days() int {
	if r.End.Before(r.Start) {
		return 0
	}
	sy, sm, sd := r.Start.Date()
	ey, em, ed := r.End.Date()
	start := time.Date(sy, sm, sd, 0, 0, 0, 0, time.UTC)
	end := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	return int(end.Sub(start).Hours()/24) + 1
}

// HourlyUsage is the hourly usage within a trailing window of days.
type HourlyUsage struct {
	Range  DateRange   `json:"range"`
	Series UsageSeries `json:"series"`
}
