// Package coordinator runs refresh cycles: authenticate, fetch, normalize and
// publish a new snapshot, one cycle at a time.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/ovoenergyau/ovoenergyau/pkg/common"
	"github.com/ovoenergyau/ovoenergyau/pkg/log"
	"github.com/ovoenergyau/ovoenergyau/pkg/metrics"
	"github.com/ovoenergyau/ovoenergyau/pkg/storage"
	"github.com/ovoenergyau/ovoenergyau/pkg/types"
	"github.com/ovoenergyau/ovoenergyau/pkg/usage"
)

// State is the phase of the current cycle.
type State string

const (
	StateIdle             State = "IDLE"
	StateAuthenticating   State = "AUTHENTICATING"
	StateFetchingInterval State = "FETCHING_INTERVAL"
	StateFetchingHourly   State = "FETCHING_HOURLY"
	StateNormalizing      State = "NORMALIZING"
	StatePublished        State = "PUBLISHED"
)

// Session provides valid tokens and the cached account ID.
type Session interface {
	EnsureValidToken(ctx context.Context) (types.TokenSet, error)
	Invalidate(ctx context.Context)
	Email(tokens types.TokenSet) string
	AccountID() string
	SetAccountID(ctx context.Context, id string)
}

// UsageAPI fetches usage data from upstream.
type UsageAPI interface {
	FetchAccountID(ctx context.Context, tokens types.TokenSet, email string) (string, error)
	FetchIntervalUsage(ctx context.Context, tokens types.TokenSet, accountID string) (types.IntervalUsage, error)
	FetchHourlyUsage(ctx context.Context, tokens types.TokenSet, accountID string, r types.DateRange) (types.HourlyUsage, error)
}

// Store persists published snapshots and hourly history.
type Store interface {
	SaveSnapshot(ctx context.Context, snap types.AggregateSnapshot) error
	GetLatestSnapshot(ctx context.Context) (types.AggregateSnapshot, error)
	UpsertHourlyUsage(ctx context.Context, records []types.UsageRecord) error
}

// Publisher receives every new snapshot.
type Publisher interface {
	Publish(ctx context.Context, snap types.AggregateSnapshot) error
}

// Config holds the coordinator settings.
type Config struct {
	// AccountID skips the contact lookup when set.
	AccountID      string
	RefreshHour    int
	RefreshMinute  int
	HourlyDays     int
	RefreshOnStart bool
	// Location is the zone the schedule and hourly window use. Defaults to
	// the configured timezone.
	Location *time.Location
}

// Status describes the coordinator for the status endpoint.
type Status struct {
	State       State     `json:"state"`
	LastTrigger Trigger   `json:"lastTrigger,omitempty"`
	LastAttempt time.Time `json:"lastAttempt,omitzero"`
	LastSuccess time.Time `json:"lastSuccess,omitzero"`
	LastError   string    `json:"lastError,omitempty"`
	NextRun     time.Time `json:"nextRun,omitzero"`
	Cycles      int       `json:"cycles"`
	HasSnapshot bool      `json:"hasSnapshot"`
}

// cycle is a pending or running refresh shared by every trigger that joined
// it.
type cycle struct {
	trigger Trigger
	done    chan struct{}
	err     error
}

// Coordinator owns the published snapshot.
type Coordinator struct {
	session   Session
	api       UsageAPI
	store     Store
	publisher Publisher
	metrics   *metrics.Collector
	cfg       Config

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	// slot is held by the running cycle.
	slot    chan struct{}
	mu      sync.Mutex
	pending *cycle
	// lifetime bounds every cycle. Run replaces it with its own context.
	lifetime context.Context

	snapshot atomic.Pointer[types.AggregateSnapshot]

	statusMu sync.Mutex
	status   Status
}

// Configured returns a Coordinator configured from flags.
func Configured(session Session, api UsageAPI, store Store, publisher Publisher, m *metrics.Collector) *Coordinator {
	refreshTime := lflag.String("refresh-time", "02:00", "Local time of day (HH:MM) of the scheduled refresh")
	hourlyDays := lflag.String("hourly-days", "7", "Number of days of hourly usage to fetch, ending yesterday")
	refreshOnStart := lflag.Bool("refresh-on-start", true, "Refresh once at startup")
	accountID := lflag.String("account-id", "", "OVO account ID; looked up from the account email when empty")

	c := New(session, api, store, publisher, m, Config{})
	lflag.Do(func() {
		hour, minute, err := parseClock(*refreshTime)
		if err != nil {
			panic(fmt.Sprintf("invalid refresh-time: %v", err))
		}
		days, err := strconv.Atoi(*hourlyDays)
		if err != nil || days < 1 {
			panic(fmt.Sprintf("invalid hourly-days %q: must be a positive integer", *hourlyDays))
		}
		c.cfg = Config{
			AccountID:      *accountID,
			RefreshHour:    hour,
			RefreshMinute:  minute,
			HourlyDays:     days,
			RefreshOnStart: *refreshOnStart,
		}
	})
	return c
}

// New returns a Coordinator. publisher and m may be nil.
func New(session Session, api UsageAPI, store Store, publisher Publisher, m *metrics.Collector, cfg Config) *Coordinator {
	if cfg.HourlyDays < 1 {
		cfg.HourlyDays = 7
	}
	return &Coordinator{
		session:   session,
		api:       api,
		store:     store,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
		after:     time.After,
		slot:      make(chan struct{}, 1),
		lifetime:  context.Background(),
		status:    Status{State: StateIdle},
	}
}

func (c *Coordinator) loc() *time.Location {
	if c.cfg.Location != nil {
		return c.cfg.Location
	}
	return common.Location()
}

// Snapshot returns the last published snapshot, or nil before the first
// successful cycle.
func (c *Coordinator) Snapshot() *types.AggregateSnapshot {
	return c.snapshot.Load()
}

// Status returns the current status.
func (c *Coordinator) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	s := c.status
	s.HasSnapshot = c.snapshot.Load() != nil
	return s
}

func (c *Coordinator) setState(ctx context.Context, state State) {
	c.statusMu.Lock()
	c.status.State = state
	c.statusMu.Unlock()
	log.Ctx(ctx).DebugContext(ctx, "refresh state", slog.String("state", string(state)))
}

// Refresh runs a refresh cycle. If a cycle is running, the trigger joins the
// next one, which every trigger arriving during the running cycle shares. It
// returns once the cycle it joined has finished or ctx is done. A cycle
// outlives the caller that started it and is only cancelled with the
// coordinator's lifetime.
//
// Failures are returned only when the plan for trigger surfaces them;
// otherwise they are logged and left to the next scheduled run.
func (c *Coordinator) Refresh(ctx context.Context, trigger Trigger) error {
	plan := Plan(c.now().In(c.loc()), trigger, c.cfg.HourlyDays)
	err := c.join(ctx, plan.Trigger)
	if err == nil || plan.Surface {
		return err
	}
	if ctx.Err() == nil {
		log.Ctx(ctx).ErrorContext(ctx, "refresh failed, retrying at the next scheduled run", slog.String("trigger", string(trigger)), slog.Any("error", err))
	}
	return nil
}

func (c *Coordinator) join(ctx context.Context, trigger Trigger) error {
	c.mu.Lock()
	cyc := c.pending
	if cyc == nil {
		cyc = &cycle{trigger: trigger, done: make(chan struct{})}
		c.pending = cyc
	} else {
		if trigger == TriggerManual {
			cyc.trigger = TriggerManual
		}
		c.metrics.ObserveCoalesced()
		log.Ctx(ctx).InfoContext(ctx, "joining pending refresh", slog.String("trigger", string(trigger)))
	}
	c.mu.Unlock()

	select {
	case c.slot <- struct{}{}:
	case <-cyc.done:
		return cyc.err
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	if c.pending != cyc {
		// another trigger already ran it
		c.mu.Unlock()
		<-c.slot
		return wait(ctx, cyc)
	}
	c.pending = nil
	trig := cyc.trigger
	runCtx := cycleContext{Context: c.lifetime, values: ctx}
	c.mu.Unlock()

	go func() {
		cyc.err = c.run(runCtx, trig)
		close(cyc.done)
		<-c.slot
	}()
	return wait(ctx, cyc)
}

func wait(ctx context.Context, cyc *cycle) error {
	select {
	case <-cyc.done:
		return cyc.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cycleContext carries the values of ctx, such as its logger, and the
// cancellation of lifetime.
type cycleContext struct {
	context.Context
	values context.Context
}

func (c cycleContext) Value(key any) any {
	return c.values.Value(key)
}

func (c *Coordinator) run(ctx context.Context, trigger Trigger) error {
	ctx = log.WithAttrs(ctx, slog.String("trigger", string(trigger)))
	start := c.now()
	plan := Plan(start.In(c.loc()), trigger, c.cfg.HourlyDays)

	c.statusMu.Lock()
	c.status.LastTrigger = trigger
	c.status.LastAttempt = start
	c.status.Cycles++
	c.statusMu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "starting refresh",
		slog.Time("hourlyStart", plan.Hourly.Start),
		slog.Time("hourlyEnd", plan.Hourly.End),
		slog.Int("hourlyDays", plan.Hourly.Days()),
	)
	snap, err := c.fetch(ctx, plan)
	c.metrics.ObserveRefresh(string(trigger), c.now().Sub(start), err)
	if err != nil {
		var authErr *types.AuthError
		if errors.As(err, &authErr) && !authErr.Network {
			c.session.Invalidate(ctx)
		}
		c.statusMu.Lock()
		c.status.State = StateIdle
		c.status.LastError = err.Error()
		c.statusMu.Unlock()
		log.Ctx(ctx).WarnContext(ctx, "refresh failed, keeping last snapshot", slog.Any("error", err))
		return err
	}

	c.snapshot.Store(&snap)
	c.statusMu.Lock()
	c.status.State = StatePublished
	c.status.LastSuccess = snap.FetchedAt
	c.status.LastError = ""
	c.statusMu.Unlock()
	log.Ctx(ctx).InfoContext(ctx, "published snapshot",
		slog.String("accountID", snap.AccountID),
		slog.Float64("dailySolarKWh", snap.Daily.Solar.KWh),
		slog.Float64("dailyGridKWh", snap.Daily.GridConsumption.KWh),
		slog.Int("hourlyEntries", len(snap.Hourly.Solar.Entries)+len(snap.Hourly.GridConsumption.Entries)+len(snap.Hourly.ReturnToGrid.Entries)),
	)

	c.recordMetrics(snap)
	c.writeSinks(ctx, snap)
	c.setState(ctx, StateIdle)
	return nil
}

// fetch runs the cycle up to the point of publishing. ctx cancellation
// aborts it before anything is published.
func (c *Coordinator) fetch(ctx context.Context, plan FetchPlan) (types.AggregateSnapshot, error) {
	c.setState(ctx, StateAuthenticating)
	tokens, err := c.session.EnsureValidToken(ctx)
	if err != nil {
		return types.AggregateSnapshot{}, fmt.Errorf("failed to authenticate: %w", err)
	}
	accountID, err := c.resolveAccountID(ctx, tokens)
	if err != nil {
		return types.AggregateSnapshot{}, fmt.Errorf("failed to find account: %w", err)
	}

	c.setState(ctx, StateFetchingInterval)
	interval, err := c.api.FetchIntervalUsage(ctx, tokens, accountID)
	if err != nil {
		return types.AggregateSnapshot{}, fmt.Errorf("failed to fetch interval usage: %w", err)
	}

	c.setState(ctx, StateFetchingHourly)
	hourly, err := c.api.FetchHourlyUsage(ctx, tokens, accountID, plan.Hourly)
	if err != nil {
		return types.AggregateSnapshot{}, fmt.Errorf("failed to fetch hourly usage: %w", err)
	}

	c.setState(ctx, StateNormalizing)
	snap := usage.BuildSnapshot(accountID, interval, hourly, c.now())
	if err := ctx.Err(); err != nil {
		return types.AggregateSnapshot{}, err
	}
	return snap, nil
}

func (c *Coordinator) resolveAccountID(ctx context.Context, tokens types.TokenSet) (string, error) {
	if c.cfg.AccountID != "" {
		return c.cfg.AccountID, nil
	}
	if id := c.session.AccountID(); id != "" {
		return id, nil
	}
	id, err := c.api.FetchAccountID(ctx, tokens, c.session.Email(tokens))
	if err != nil {
		return "", err
	}
	log.Ctx(ctx).InfoContext(ctx, "found account", slog.String("accountID", id))
	c.session.SetAccountID(ctx, id)
	return id, nil
}

func (c *Coordinator) recordMetrics(snap types.AggregateSnapshot) {
	for period, totals := range map[string]types.PeriodTotals{
		"daily":   snap.Daily,
		"monthly": snap.Monthly,
		"yearly":  snap.Yearly,
	} {
		c.metrics.SetSnapshotKWh(period, "solar", totals.Solar.KWh)
		c.metrics.SetSnapshotKWh(period, "grid_consumption", totals.GridConsumption.KWh)
		c.metrics.SetSnapshotKWh(period, "return_to_grid", totals.ReturnToGrid.KWh)
	}
	c.metrics.SetHourlyEntries("solar", len(snap.Hourly.Solar.Entries))
	c.metrics.SetHourlyEntries("grid_consumption", len(snap.Hourly.GridConsumption.Entries))
	c.metrics.SetHourlyEntries("return_to_grid", len(snap.Hourly.ReturnToGrid.Entries))
}

// writeSinks persists and publishes snap. Failures are logged and counted
// but the snapshot stays published.
func (c *Coordinator) writeSinks(ctx context.Context, snap types.AggregateSnapshot) {
	if c.store != nil {
		if err := c.store.SaveSnapshot(ctx, snap); err != nil {
			c.metrics.ObserveSinkError("storage")
			log.Ctx(ctx).ErrorContext(ctx, "failed to save snapshot", slog.Any("error", err))
		}
		var records []types.UsageRecord
		records = append(records, snap.Hourly.Solar.Entries...)
		records = append(records, snap.Hourly.GridConsumption.Entries...)
		records = append(records, snap.Hourly.ReturnToGrid.Entries...)
		if len(records) > 0 {
			if err := c.store.UpsertHourlyUsage(ctx, records); err != nil {
				c.metrics.ObserveSinkError("storage")
				log.Ctx(ctx).ErrorContext(ctx, "failed to save hourly usage", slog.Any("error", err))
			}
		}
	}
	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, snap); err != nil {
			c.metrics.ObserveSinkError("mqtt")
			log.Ctx(ctx).ErrorContext(ctx, "failed to publish snapshot", slog.Any("error", err))
		}
	}
}

// Restore loads the last stored snapshot so values are available before the
// first cycle of this process.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	snap, err := c.store.GetLatestSnapshot(ctx)
	if errors.Is(err, storage.ErrSnapshotNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	// a cycle may already have published something newer
	c.snapshot.CompareAndSwap(nil, &snap)
	log.Ctx(ctx).InfoContext(ctx, "restored snapshot", slog.Time("fetchedAt", snap.FetchedAt))
	return nil
}

// Run restores the stored snapshot, optionally refreshes once and then
// refreshes daily at the configured time until ctx is done. Scheduled
// failures are logged and retried at the next run.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.lifetime = ctx
	c.mu.Unlock()

	if err := c.Restore(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to restore snapshot", slog.Any("error", err))
	}
	if c.cfg.RefreshOnStart {
		c.Refresh(ctx, TriggerScheduled)
	}
	for {
		now := c.now().In(c.loc())
		next := NextRun(now, c.cfg.RefreshHour, c.cfg.RefreshMinute)
		c.statusMu.Lock()
		c.status.NextRun = next
		c.statusMu.Unlock()
		log.Ctx(ctx).DebugContext(ctx, "next scheduled refresh", slog.Time("at", next))

		select {
		case <-ctx.Done():
			// wait for a running cycle to wind down
			c.slot <- struct{}{}
			<-c.slot
			return nil
		case <-c.after(next.Sub(now)):
		}
		c.Refresh(ctx, TriggerScheduled)
	}
}
