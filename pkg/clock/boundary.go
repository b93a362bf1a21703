// Package clock holds the trading-day calendar shared by the ledger and the engine.
package clock

import (
	"fmt"
	"time"
)

// DailyBoundary is the fixed local time at which a trading day starts.
type DailyBoundary struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// ParseBoundary reads "HH:MM" in the named location ("" or "Local" for the
// process zone).
func ParseBoundary(hhmm, location string) (DailyBoundary, error) {
	var b DailyBoundary
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &b.Hour, &b.Minute); err != nil {
		return b, fmt.Errorf("invalid daily reset time %q: %w", hhmm, err)
	}
	if b.Hour < 0 || b.Hour > 23 || b.Minute < 0 || b.Minute > 59 {
		return b, fmt.Errorf("invalid daily reset time %q", hhmm)
	}
	switch location {
	case "", "Local":
		b.Location = time.Local
	default:
		loc, err := time.LoadLocation(location)
		if err != nil {
			return b, fmt.Errorf("invalid timezone %q: %w", location, err)
		}
		b.Location = loc
	}
	return b, nil
}

func (b DailyBoundary) loc() *time.Location {
	if b.Location == nil {
		return time.UTC
	}
	return b.Location
}

// DayStart returns the start of the trading day containing now.
func (b DailyBoundary) DayStart(now time.Time) time.Time {
	local := now.In(b.loc())
	start := time.Date(local.Year(), local.Month(), local.Day(), b.Hour, b.Minute, 0, 0, b.loc())
	if local.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

// NextReset returns the first boundary strictly after now.
func (b DailyBoundary) NextReset(now time.Time) time.Time {
	return b.DayStart(now).AddDate(0, 0, 1)
}
