package common

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/levenlabs/go-lflag"
)

var location atomic.Pointer[time.Location]

// ConfigureLocation registers the timezone flag. The account's usage data and
// the refresh schedule are both expressed in this zone.
func ConfigureLocation() {
	name := lflag.String("timezone", "Australia/Sydney", "IANA timezone of the account, used for hourly timestamps and the refresh schedule")
	lflag.Do(func() {
		loc, err := time.LoadLocation(*name)
		if err != nil {
			panic(fmt.Sprintf("failed to load timezone %q: %v", *name, err))
		}
		SetLocation(loc)
	})
}

// Location returns the configured timezone, or Australia/Sydney if ConfigureLocation
// was never run, falling back to UTC if that zone is unavailable.
func Location() *time.Location {
	if loc := location.Load(); loc != nil {
		return loc
	}
	loc, err := time.LoadLocation("Australia/Sydney")
	if err != nil {
		return time.UTC
	}
	location.CompareAndSwap(nil, loc)
	return loc
}

// SetLocation overrides the configured timezone.
func SetLocation(loc *time.Location) {
	location.Store(loc)
}
