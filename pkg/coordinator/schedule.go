package coordinator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

// Trigger is what started a refresh cycle.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// FetchPlan is what a single cycle fetches and how it reports failure.
type FetchPlan struct {
	Trigger Trigger
	// Hourly is the inclusive range of local dates to fetch hourly data for.
	Hourly types.DateRange
	// Surface is true when a failure is returned to the caller instead of
	// only being logged.
	Surface bool
}

// Plan returns the plan for a cycle started at now. The hourly window is the
// trailing days local days ending yesterday, in now's location.
func Plan(now time.Time, trigger Trigger, days int) FetchPlan {
	if days < 1 {
		days = 1
	}
	y, m, d := now.Date()
	end := time.Date(y, m, d-1, 0, 0, 0, 0, now.Location())
	start := time.Date(y, m, d-days, 0, 0, 0, 0, now.Location())
	return FetchPlan{
		Trigger: trigger,
		Hourly:  types.DateRange{Start: start, End: end},
		Surface: trigger == TriggerManual,
	}
}

// NextRun returns the first hour:minute wall clock time strictly after now,
// in now's location. On a day where that time falls in a DST gap the
// normalized time is used.
func NextRun(now time.Time, hour, minute int) time.Time {
	y, m, d := now.Date()
	next := time.Date(y, m, d, hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = time.Date(y, m, d+1, hour, minute, 0, 0, now.Location())
	}
	return next
}

// parseClock parses an "HH:MM" time of day.
func parseClock(s string) (int, int, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time of day %q: expected HH:MM", s)
	}
	hour, err := strconv.Atoi(hs)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(ms)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
