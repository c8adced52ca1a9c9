package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/ovoenergyau/ovoenergyau/pkg/log"
	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

// timestamps are stored as fixed width UTC strings so they sort lexically
const sqliteTimeFormat = "2006-01-02T15:04:05Z"

// SQLiteProvider implements Database on a local sqlite file.
type SQLiteProvider struct {
	conn *sql.DB
	path string
}

func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "ovoenergyau.db", "Path of the sqlite database file")

	s := &SQLiteProvider{}
	lflag.Do(func() {
		s.path = *path
	})
	return s
}

// NewSQLite opens (and creates if needed) the sqlite database at path.
func NewSQLite(ctx context.Context, path string) (*SQLiteProvider, error) {
	s := &SQLiteProvider{path: path}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks if the provider is properly configured.
func (s *SQLiteProvider) Validate() error {
	if s.path == "" {
		return errors.New("sqlite-path is required")
	}
	return nil
}

// Init opens the database and ensures the schema exists.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	// sqlite allows a single writer
	conn.SetMaxOpenConns(1)

	s.conn = conn
	if err := s.initSchema(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

func (s *SQLiteProvider) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS config_entry (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS snapshot (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		account_id TEXT NOT NULL,
		fetched_at TEXT NOT NULL,
		json TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS hourly_usage (
		period_start TEXT NOT NULL,
		period_end TEXT,
		commodity TEXT NOT NULL,
		charge_type TEXT NOT NULL,
		kwh REAL NOT NULL,
		charge TEXT NOT NULL,
		read_type TEXT,
		updated_at TEXT NOT NULL,
		UNIQUE(period_start, commodity, charge_type)
	);
	CREATE INDEX IF NOT EXISTS idx_hourly_usage_period_start ON hourly_usage(period_start);
	`
	_, err := s.conn.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteProvider) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(sqliteTimeFormat)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(sqliteTimeFormat, s)
}

// GetEntry returns the stored config entry or ErrEntryNotFound.
func (s *SQLiteProvider) GetEntry(ctx context.Context) (types.ConfigEntry, error) {
	var raw string
	err := s.conn.QueryRowContext(ctx, `SELECT json FROM config_entry WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ConfigEntry{}, ErrEntryNotFound
	}
	if err != nil {
		return types.ConfigEntry{}, fmt.Errorf("querying config entry: %w", err)
	}

	var entry types.ConfigEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal config entry", slog.Any("error", err))
		return types.ConfigEntry{}, fmt.Errorf("failed to unmarshal config entry: %w", err)
	}
	return entry, nil
}

// SetEntry replaces the stored config entry.
func (s *SQLiteProvider) SetEntry(ctx context.Context, entry types.ConfigEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal config entry: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
	INSERT INTO config_entry (id, json, updated_at) VALUES (1, ?, ?)
	ON CONFLICT(id) DO UPDATE SET json = excluded.json, updated_at = excluded.updated_at
	`, string(b), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving config entry: %w", err)
	}
	return nil
}

// SaveSnapshot replaces the stored snapshot.
func (s *SQLiteProvider) SaveSnapshot(ctx context.Context, snap types.AggregateSnapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
	INSERT INTO snapshot (id, account_id, fetched_at, json) VALUES (1, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET account_id = excluded.account_id, fetched_at = excluded.fetched_at, json = excluded.json
	`, snap.AccountID, formatTime(snap.FetchedAt), string(b))
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// GetLatestSnapshot returns the stored snapshot or ErrSnapshotNotFound.
func (s *SQLiteProvider) GetLatestSnapshot(ctx context.Context) (types.AggregateSnapshot, error) {
	var raw string
	err := s.conn.QueryRowContext(ctx, `SELECT json FROM snapshot WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.AggregateSnapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return types.AggregateSnapshot{}, fmt.Errorf("querying snapshot: %w", err)
	}

	var snap types.AggregateSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return types.AggregateSnapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// UpsertHourlyUsage adds or replaces hourly records in a single transaction.
func (s *SQLiteProvider) UpsertHourlyUsage(ctx context.Context, records []types.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO hourly_usage (period_start, period_end, commodity, charge_type, kwh, charge, read_type, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(period_start, commodity, charge_type) DO UPDATE SET
		period_end = excluded.period_end,
		kwh = excluded.kwh,
		charge = excluded.charge,
		read_type = excluded.read_type,
		updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, r := range records {
		if r.PeriodStart.IsZero() {
			log.Ctx(ctx).WarnContext(ctx, "skipping hourly record without period start", slog.String("commodity", string(r.Commodity)))
			continue
		}
		_, err := stmt.ExecContext(ctx,
			formatTime(r.PeriodStart),
			formatTime(r.PeriodEnd),
			string(r.Commodity),
			string(r.ChargeType),
			r.ConsumptionKWh,
			r.Charge.String(),
			r.ReadType,
			now,
		)
		if err != nil {
			return fmt.Errorf("upserting hourly usage (key=%s): %w", hourlyKey(r), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing hourly usage: %w", err)
	}
	return nil
}

// GetHourlyUsage returns the hourly records with start <= periodStart < end,
// oldest first.
func (s *SQLiteProvider) GetHourlyUsage(ctx context.Context, start, end time.Time) ([]types.UsageRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT period_start, period_end, commodity, charge_type, kwh, charge, read_type
	FROM hourly_usage
	WHERE period_start >= ? AND period_start < ?
	ORDER BY period_start ASC, commodity ASC, charge_type ASC
	`, formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("querying hourly usage: %w", err)
	}
	defer rows.Close()

	var records []types.UsageRecord
	for rows.Next() {
		var (
			r                   types.UsageRecord
			startStr, commodity string
			chargeType, charge  string
			endStr, readType    sql.NullString
		)
		if err := rows.Scan(&startStr, &endStr, &commodity, &chargeType, &r.ConsumptionKWh, &charge, &readType); err != nil {
			return nil, fmt.Errorf("scanning hourly usage: %w", err)
		}
		if r.PeriodStart, err = parseTime(startStr); err != nil {
			return nil, fmt.Errorf("parsing period start %q: %w", startStr, err)
		}
		if r.PeriodEnd, err = parseTime(endStr.String); err != nil {
			return nil, fmt.Errorf("parsing period end %q: %w", endStr.String, err)
		}
		if r.Charge, err = decimal.NewFromString(charge); err != nil {
			return nil, fmt.Errorf("parsing charge %q: %w", charge, err)
		}
		r.Commodity = types.Commodity(commodity)
		r.ChargeType = types.ChargeType(chargeType)
		r.ReadType = readType.String
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating hourly usage: %w", err)
	}
	return records, nil
}
