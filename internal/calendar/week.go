package calendar

import "time"

// WeekStart returns the Monday on or before t, at midnight in t's location.
func WeekStart(t time.Time) time.Time {
	offset := int(t.Weekday()) - 1
	if t.Weekday() == time.Sunday {
		offset = 6
	}
	d := t.AddDate(0, 0, -offset)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, t.Location())
}

// WeekEnd returns the last instant of the Sunday closing the week that
// starts at start.
func WeekEnd(start time.Time) time.Time {
	d := start.AddDate(0, 0, 6)
	return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 999_999_999, start.Location())
}

// ShiftWeeks moves start by n whole weeks, keeping local midnight.
func ShiftWeeks(start time.Time, n int) time.Time {
	d := start.AddDate(0, 0, 7*n)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, start.Location())
}

const displayLayout = "Jan 2, 2006"

// FormatRange renders the inclusive Monday–Sunday range of the week
// starting at start, e.g. "Feb 2, 2026 - Feb 8, 2026".
func FormatRange(start time.Time) string {
	return start.Format(displayLayout) + " - " + WeekEnd(start).Format(displayLayout)
}
