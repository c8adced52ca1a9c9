package ovo

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ovoenergyau/ovoenergyau/pkg/log"
	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

const dateLayout = "2006-01-02"

// number decodes a JSON number, a numeric string or null. Anything
// unparseable decodes as invalid instead of failing the whole response.
type number struct {
	Value decimal.Decimal
	Valid bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	*n = number{}
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	*n = number{Value: d, Valid: true}
	return nil
}

// flexString decodes a JSON string or number as a string.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*f = flexString(str)
		return nil
	}
	*f = flexString(s)
	return nil
}

type usageEntry struct {
	PeriodFrom  string `json:"periodFrom"`
	PeriodTo    string `json:"periodTo"`
	Consumption number `json:"consumption"`
	ReadType    string `json:"readType"`
	Charge      *struct {
		Value number `json:"value"`
		Type  string `json:"type"`
	} `json:"charge"`
}

type account struct {
	ID     flexString `json:"id"`
	Number flexString `json:"number"`
	Closed bool       `json:"closed"`
}

type contactInfo struct {
	Accounts []account `json:"accounts"`
}

// FetchAccountID returns the first account of the contact that is not
// closed. If several accounts are open the choice follows response order.
func (c *Client) FetchAccountID(ctx context.Context, tokens types.TokenSet, email string) (string, error) {
	const op = "GetContactInfo"
	if email == "" {
		return "", &types.APIError{Operation: op, Message: "no email available for contact lookup"}
	}
	data, err := c.query(ctx, tokens, op, "/", contactInfoQuery, map[string]any{
		"input": map[string]any{"email": email},
	})
	if err != nil {
		return "", err
	}

	var info contactInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return "", &types.DataShapeError{Operation: op, Field: "accounts", Err: err}
	}
	var open []account
	for _, a := range info.Accounts {
		if !a.Closed && a.ID != "" {
			open = append(open, a)
		}
	}
	if len(open) == 0 {
		return "", &types.APIError{Operation: op, Message: "no active accounts found"}
	}
	if len(open) > 1 {
		log.Ctx(ctx).InfoContext(ctx, "multiple active accounts, using the first", slog.Int("count", len(open)), slog.String("accountID", string(open[0].ID)))
	}
	return string(open[0].ID), nil
}

// FetchIntervalUsage returns the daily, monthly and yearly usage.
func (c *Client) FetchIntervalUsage(ctx context.Context, tokens types.TokenSet, accountID string) (types.IntervalUsage, error) {
	const op = "GetIntervalData"
	data, err := c.query(ctx, tokens, op, "/usage", intervalDataQuery, map[string]any{
		"input": map[string]any{"accountId": accountID},
	})
	if err != nil {
		return types.IntervalUsage{}, err
	}

	var periods map[string]json.RawMessage
	if err := json.Unmarshal(data, &periods); err != nil {
		return types.IntervalUsage{}, &types.DataShapeError{Operation: op, Field: "data." + op, Err: err}
	}
	usage := types.IntervalUsage{
		Daily:   c.decodeSeries(ctx, op+".daily", periods["daily"]),
		Monthly: c.decodeSeries(ctx, op+".monthly", periods["monthly"]),
		Yearly:  c.decodeSeries(ctx, op+".yearly", periods["yearly"]),
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched interval usage",
		slog.Int("daily", usage.Daily.Len()),
		slog.Int("monthly", usage.Monthly.Len()),
		slog.Int("yearly", usage.Yearly.Len()),
	)
	return usage, nil
}

// FetchHourlyUsage returns every hourly record within the inclusive date
// range.
func (c *Client) FetchHourlyUsage(ctx context.Context, tokens types.TokenSet, accountID string, r types.DateRange) (types.HourlyUsage, error) {
	const op = "GetHourlyData"
	data, err := c.query(ctx, tokens, op, "/usage", hourlyDataQuery, map[string]any{
		"input": map[string]any{
			"accountId": accountID,
			"dateRange": map[string]string{
				"startDate": r.Start.Format(dateLayout),
				"endDate":   r.End.Format(dateLayout),
			},
		},
	})
	if err != nil {
		return types.HourlyUsage{}, err
	}
	series := c.decodeSeries(ctx, op, data)
	log.Ctx(ctx).DebugContext(ctx, "fetched hourly usage",
		slog.Int("days", r.Days()),
		slog.Int("records", series.Len()),
	)
	return types.HourlyUsage{
		Range:  r,
		Series: series,
	}, nil
}

// decodeSeries decodes a {solar, export} object. A missing or malformed
// category decodes as empty.
func (c *Client) decodeSeries(ctx context.Context, path string, raw json.RawMessage) types.UsageSeries {
	if isNull(raw) {
		log.Ctx(ctx).WarnContext(ctx, "usage data missing", slog.String("path", path))
		return types.UsageSeries{}
	}
	var categories struct {
		Solar  json.RawMessage `json:"solar"`
		Export json.RawMessage `json:"export"`
	}
	if err := json.Unmarshal(raw, &categories); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "malformed usage data", slog.String("path", path), slog.Any("error", err))
		return types.UsageSeries{}
	}
	return types.UsageSeries{
		Solar:  c.decodeEntries(ctx, path+".solar", types.CommoditySolar, categories.Solar),
		Export: c.decodeEntries(ctx, path+".export", types.CommodityElectricity, categories.Export),
	}
}

func (c *Client) decodeEntries(ctx context.Context, path string, commodity types.Commodity, raw json.RawMessage) []types.UsageRecord {
	if isNull(raw) {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "malformed usage category", slog.String("path", path), slog.Any("error", err))
		return nil
	}

	records := make([]types.UsageRecord, 0, len(items))
	for i, item := range items {
		var e usageEntry
		if err := json.Unmarshal(item, &e); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed usage entry", slog.String("path", path), slog.Int("index", i), slog.Any("error", err))
			continue
		}
		records = append(records, c.toRecord(ctx, path, commodity, e))
	}
	return records
}

func (c *Client) toRecord(ctx context.Context, path string, commodity types.Commodity, e usageEntry) types.UsageRecord {
	r := types.UsageRecord{
		PeriodStart: c.parseLocalTime(ctx, e.PeriodFrom),
		PeriodEnd:   c.parseLocalTime(ctx, e.PeriodTo),
		Commodity:   commodity,
		ReadType:    e.ReadType,
		Charge:      decimal.Zero,
		ChargeType:  types.ChargeTypeDebit,
	}
	if e.Consumption.Valid {
		r.ConsumptionKWh = e.Consumption.Value.InexactFloat64()
	}
	if e.Charge != nil {
		if e.Charge.Value.Valid {
			r.Charge = e.Charge.Value.Value
		}
		ct, ok := types.ParseChargeType(e.Charge.Type)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "unknown charge type, treating as DEBIT", slog.String("path", path), slog.String("type", e.Charge.Type))
		}
		r.ChargeType = ct
	}
	return r
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	dateLayout,
}

// parseLocalTime parses an upstream timestamp. The API stamps times as UTC
// but they carry the account's local wall clock, so the wall clock is kept
// and the zone replaced.
func (c *Client) parseLocalTime(ctx context.Context, s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		y, m, d := t.Date()
		return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), c.loc())
	}
	log.Ctx(ctx).WarnContext(ctx, "unparseable timestamp", slog.String("value", s))
	return time.Time{}
}
