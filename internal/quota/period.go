package quota

import "time"

// PeriodStart returns the billing period anchor for the calendar month
// containing now: the billing day clamped to the last valid day of that month
// (day 31 in February anchors to Feb 28, or Feb 29 in a leap year), at
// midnight UTC. Pure, so the same now always yields the same period row key.
func PeriodStart(billingDay int, now time.Time) time.Time {
	now = now.UTC()
	return anchored(now.Year(), now.Month(), billingDay)
}

// PeriodEnd is the clamped anchor of the following month, making
// [start, end) a half-open monthly interval. It doubles as the reset date
// reported on quota rejections.
func PeriodEnd(billingDay int, start time.Time) time.Time {
	year, month := start.Year(), start.Month()
	month++
	if month > time.December {
		month = time.January
		year++
	}
	return anchored(year, month, billingDay)
}

func anchored(year int, month time.Month, day int) time.Time {
	if day < 1 {
		day = 1
	}
	// Day 0 of the next month is the last day of this one.
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
