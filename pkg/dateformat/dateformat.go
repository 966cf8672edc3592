// Package dateformat renders timestamps the way the portal and dashboards
// display them.
package dateformat

import (
	"fmt"
	"time"
)

const (
	dateLayout = "Jan 2, 2006"
	timeLayout = "3:04 PM"
	isoDate    = "2006-01-02"
)

func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

func FormatTime(t time.Time) string {
	return t.Format(timeLayout)
}

func FormatDateTime(t time.Time) string {
	return t.Format(dateLayout) + " at " + t.Format(timeLayout)
}

// FormatISODate returns YYYY-MM-DD, the format date inputs submit.
func FormatISODate(t time.Time) string {
	return t.Format(isoDate)
}

// ParseISODate parses YYYY-MM-DD as midnight in loc.
func ParseISODate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(isoDate, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

// FormatTimeRange renders an appointment window. Same-day ranges only repeat
// the time; ranges crossing midnight spell out both ends.
func FormatTimeRange(start, end time.Time) string {
	end = end.In(start.Location())
	if sameDay(start, end) {
		return FormatTime(start) + " – " + FormatTime(end)
	}
	return FormatDateTime(start) + " – " + FormatDateTime(end)
}

// FormatRelative describes t relative to now for notification feeds.
func FormatRelative(now, t time.Time) string {
	t = t.In(now.Location())
	d := now.Sub(t)
	future := d < 0
	if future {
		d = -d
	}

	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return relative(int(d/time.Minute), "minute", future)
	case d < 24*time.Hour && sameDay(now, t):
		return relative(int(d/time.Hour), "hour", future)
	}

	y, m, dd := now.Date()
	today := time.Date(y, m, dd, 0, 0, 0, 0, now.Location())
	switch {
	case sameDay(t, today.AddDate(0, 0, -1)):
		return "yesterday"
	case sameDay(t, today.AddDate(0, 0, 1)):
		return "tomorrow"
	case d < 24*time.Hour:
		return relative(int(d/time.Hour), "hour", future)
	}
	return FormatDate(t)
}

func relative(n int, unit string, future bool) string {
	if n != 1 {
		unit += "s"
	}
	if future {
		return fmt.Sprintf("in %d %s", n, unit)
	}
	return fmt.Sprintf("%d %s ago", n, unit)
}

// FormatDuration renders 90m as "1h 30m" and 45m as "45m".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	d = d.Round(time.Minute)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	switch {
	case h == 0:
		return fmt.Sprintf("%dm", m)
	case m == 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dh %dm", h, m)
	}
}

// InZone converts t into the named zone, falling back to UTC for unknown or
// empty names.
func InZone(t time.Time, tz string) time.Time {
	if tz == "" {
		return t.UTC()
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return t.UTC()
	}
	return t.In(loc)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
