package metering

import "time"

// PermanentPeriodKey is the constant period key for metrics that never
// reset
const PermanentPeriodKey = "permanent"

// periodZone pins period derivation to one reference zone so every backend
// instance sharing a counter store agrees on window boundaries regardless
// of its local zone.
var periodZone = time.UTC

// PeriodKey returns the canonical identifier of the reset window containing
// now: calendar date for daily metrics, year-month for monthly ones, a
// constant for metrics that never reset. Counters for an old key are simply
// abandoned once the key changes; no reset job exists to race with.
func PeriodKey(c Cadence, now time.Time) string {
	switch c {
	case CadenceDaily:
		return now.In(periodZone).Format("2006-01-02")
	case CadenceMonthly:
		return now.In(periodZone).Format("2006-01")
	default:
		return PermanentPeriodKey
	}
}

// NextReset returns the instant the current window ends, or nil for metrics
// that never reset
func NextReset(c Cadence, now time.Time) *time.Time {
	t := now.In(periodZone)
	switch c {
	case CadenceDaily:
		next := time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, periodZone)
		return &next
	case CadenceMonthly:
		next := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, periodZone)
		return &next
	default:
		return nil
	}
}
