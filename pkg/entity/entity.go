// Package entity describes the sensors built from a snapshot.
package entity

import (
	"strings"
	"time"

	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

const (
	UnitKWh = "kWh"
	UnitAUD = "AUD"

	DeviceClassEnergy   = "energy"
	DeviceClassMonetary = "monetary"

	StateClassTotal = "total"

	iconSolar    = "mdi:solar-power"
	iconGrid     = "mdi:transmission-tower"
	iconExport   = "mdi:transmission-tower-export"
	iconCurrency = "mdi:currency-usd"
)

// MaxHourlyEntries is how many of the most recent hourly entries are exposed
// as attributes.
const MaxHourlyEntries = 24

// Description is the static part of a sensor.
type Description struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Unit        string `json:"unit"`
	DeviceClass string `json:"deviceClass"`
	StateClass  string `json:"stateClass"`
	Icon        string `json:"icon"`

	value      func(types.AggregateSnapshot) float64
	attributes func(types.AggregateSnapshot) map[string]any
}

// State is a sensor with its current value.
type State struct {
	Description
	Value      float64        `json:"value"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Entry is one hourly record as exposed in attributes.
type Entry struct {
	Timestamp      time.Time `json:"timestamp"`
	ConsumptionKWh float64   `json:"consumption_kwh"`
	ChargeAmount   float64   `json:"charge_amount"`
	ChargeType     string    `json:"charge_type"`
}

// LatestEntry is the most recent interval record as exposed in attributes.
type LatestEntry struct {
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end,omitzero"`
	ConsumptionKWh float64   `json:"consumption_kwh"`
	ChargeAmount   float64   `json:"charge_amount"`
	ChargeType     string    `json:"charge_type"`
	ReadType       string    `json:"read_type,omitempty"`
}

var periods = []struct {
	key string
	get func(types.AggregateSnapshot) types.PeriodTotals
}{
	{"daily", func(s types.AggregateSnapshot) types.PeriodTotals { return s.Daily }},
	{"monthly", func(s types.AggregateSnapshot) types.PeriodTotals { return s.Monthly }},
	{"yearly", func(s types.AggregateSnapshot) types.PeriodTotals { return s.Yearly }},
}

// Descriptions lists every sensor in publishing order.
var Descriptions = buildDescriptions()

func title(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		if w == "to" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func energy(key, icon string, value func(types.AggregateSnapshot) float64) Description {
	return Description{
		Key:         key,
		Name:        title(key),
		Unit:        UnitKWh,
		DeviceClass: DeviceClassEnergy,
		StateClass:  StateClassTotal,
		Icon:        icon,
		value:       value,
	}
}

func money(key string, value func(types.AggregateSnapshot) float64) Description {
	return Description{
		Key:         key,
		Name:        title(key),
		Unit:        UnitAUD,
		DeviceClass: DeviceClassMonetary,
		StateClass:  StateClassTotal,
		Icon:        iconCurrency,
		value:       value,
	}
}

func latestAttributes(r *types.UsageRecord) map[string]any {
	if r == nil {
		return map[string]any{"latest_entry": nil}
	}
	return map[string]any{"latest_entry": LatestEntry{
		PeriodStart:    r.PeriodStart,
		PeriodEnd:      r.PeriodEnd,
		ConsumptionKWh: r.ConsumptionKWh,
		ChargeAmount:   r.Charge.InexactFloat64(),
		ChargeType:     string(r.ChargeType),
		ReadType:       r.ReadType,
	}}
}

func buildDescriptions() []Description {
	var ds []Description
	for _, p := range periods {
		get := p.get
		solar := energy(p.key+"_solar_consumption", iconSolar, func(s types.AggregateSnapshot) float64 {
			return get(s).Solar.KWh
		})
		solar.attributes = func(s types.AggregateSnapshot) map[string]any {
			return latestAttributes(get(s).SolarLatest)
		}
		grid := energy(p.key+"_grid_consumption", iconGrid, func(s types.AggregateSnapshot) float64 {
			return get(s).GridConsumption.KWh
		})
		grid.attributes = func(s types.AggregateSnapshot) map[string]any {
			return latestAttributes(get(s).GridLatest)
		}
		ds = append(ds,
			solar,
			grid,
			money(p.key+"_solar_charge", func(s types.AggregateSnapshot) float64 {
				return get(s).Solar.Charge.InexactFloat64()
			}),
			money(p.key+"_grid_charge", func(s types.AggregateSnapshot) float64 {
				return get(s).GridConsumption.Charge.InexactFloat64()
			}),
			energy(p.key+"_return_to_grid", iconExport, func(s types.AggregateSnapshot) float64 {
				return get(s).ReturnToGrid.KWh
			}),
			money(p.key+"_return_to_grid_charge", func(s types.AggregateSnapshot) float64 {
				return get(s).ReturnToGrid.Charge.InexactFloat64()
			}),
		)
	}

	hourly := []struct {
		key  string
		icon string
		get  func(types.AggregateSnapshot) types.HourlySeries
	}{
		{"hourly_solar_consumption", iconSolar, func(s types.AggregateSnapshot) types.HourlySeries { return s.Hourly.Solar }},
		{"hourly_grid_consumption", iconGrid, func(s types.AggregateSnapshot) types.HourlySeries { return s.Hourly.GridConsumption }},
		{"hourly_return_to_grid", iconExport, func(s types.AggregateSnapshot) types.HourlySeries { return s.Hourly.ReturnToGrid }},
	}
	for _, h := range hourly {
		get := h.get
		d := energy(h.key, h.icon, func(s types.AggregateSnapshot) float64 {
			return get(s).Total.KWh
		})
		d.attributes = func(s types.AggregateSnapshot) map[string]any {
			return hourlyAttributes(get(s).Entries)
		}
		ds = append(ds, d)
	}
	return ds
}

// HourlyEntries converts the last MaxHourlyEntries records.
func HourlyEntries(records []types.UsageRecord) []Entry {
	if len(records) > MaxHourlyEntries {
		records = records[len(records)-MaxHourlyEntries:]
	}
	entries := make([]Entry, len(records))
	for i, r := range records {
		entries[i] = Entry{
			Timestamp:      r.PeriodStart,
			ConsumptionKWh: r.ConsumptionKWh,
			ChargeAmount:   r.Charge.InexactFloat64(),
			ChargeType:     string(r.ChargeType),
		}
	}
	return entries
}

func hourlyAttributes(records []types.UsageRecord) map[string]any {
	return map[string]any{
		"entries":     HourlyEntries(records),
		"entry_count": len(records),
	}
}

// States returns every sensor with its value from snap.
func States(snap types.AggregateSnapshot) []State {
	states := make([]State, len(Descriptions))
	for i, d := range Descriptions {
		states[i] = State{Description: d, Value: d.value(snap)}
		if d.attributes != nil {
			states[i].Attributes = d.attributes(snap)
		}
	}
	return states
}

// UniqueID is the stable identifier of a sensor for one account.
func UniqueID(accountID, key string) string {
	return accountID + "_" + key
}
