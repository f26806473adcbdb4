package calendar

import (
	"fmt"
	"strings"
	"time"
)

const (
	eventStatusCancelled    = "cancelled"
	transparencyTransparent = "transparent"
)

// Evaluate decides whether [start, end) is free given the events the provider returned.
// Cancelled and transparent events never block. Overlap is half-open, so back-to-back
// appointments do not conflict.
func Evaluate(events []Event, start, end time.Time) Result {
	var conflicts []string
	for _, e := range events {
		if excluded(e.Status, e.Transparency) {
			continue
		}
		if e.Start.Before(end) && start.Before(e.End) {
			conflicts = append(conflicts, e.ID)
		}
	}
	if len(conflicts) == 0 {
		return Result{Status: StatusFree}
	}
	return Result{
		Status: StatusBusy,
		Detail: fmt.Sprintf("%d conflicting event(s): %s", len(conflicts), strings.Join(conflicts, ",")),
	}
}

// allDaySpan maps a provider all-day date range to instants in loc. The provider's end
// date is exclusive, so a one-day event on D spans [D 00:00, D+1 00:00).
func allDaySpan(startDate, endDate string, loc *time.Location) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(time.DateOnly, startDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid all-day start %q: %w", startDate, err)
	}
	end := start.AddDate(0, 0, 1)
	if endDate != "" {
		parsed, err := time.ParseInLocation(time.DateOnly, endDate, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid all-day end %q: %w", endDate, err)
		}
		if parsed.After(start) {
			end = parsed
		}
	}
	return start, end, nil
}

// excluded reports whether an entry never blocks a slot.
func excluded(status, transparency string) bool {
	return strings.EqualFold(status, eventStatusCancelled) || strings.EqualFold(transparency, transparencyTransparent)
}
