// Package scheduling checks appointment slots against a provider's weekly
// business hours, blocked time and existing bookings, and enumerates the
// open slots in a date range.
package scheduling

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrInvalidInterval      = errors.New("slot end must be after start")
	ErrInPast               = errors.New("slot starts too soon")
	ErrTooFarAhead          = errors.New("slot is too far in the future")
	ErrOutsideBusinessHours = errors.New("slot is outside business hours")
	ErrBlocked              = errors.New("slot overlaps blocked time")
	ErrConflict             = errors.New("slot overlaps an existing appointment")
	ErrInvalidHours         = errors.New("invalid business hours")
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (i Interval) Duration() time.Duration { return i.End.Sub(i.Start) }

// Overlaps reports whether a and b share any instant. Back-to-back intervals
// do not overlap.
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// BusinessHours is one opening window on a weekday, in the practice's local
// time. A weekday may have several windows (split shifts, lunch breaks).
type BusinessHours struct {
	Weekday time.Weekday `json:"weekday"`
	Opens   string       `json:"opens"`
	Closes  string       `json:"closes"`
	Enabled bool         `json:"enabled"`
}

// Rules tune slot generation and validation.
type Rules struct {
	SlotMinutes      int
	BufferMinutes    int
	MinNoticeMinutes int
	MaxDaysAhead     int
	Location         *time.Location
}

func DefaultRules() Rules {
	return Rules{SlotMinutes: 30, MaxDaysAhead: 90, Location: time.UTC}
}

func (r Rules) normalized() Rules {
	if r.SlotMinutes <= 0 {
		r.SlotMinutes = 30
	}
	if r.BufferMinutes < 0 {
		r.BufferMinutes = 0
	}
	if r.MaxDaysAhead <= 0 {
		r.MaxDaysAhead = 90
	}
	if r.Location == nil {
		r.Location = time.UTC
	}
	return r
}

// ParseClock parses "HH:MM" into minutes after midnight. "24:00" is allowed
// as a closing time.
func ParseClock(s string) (int, error) {
	if len(s) != 5 || s[2] != ':' || !digits(s[:2]) || !digits(s[3:]) {
		return 0, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidHours, s)
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("%w: time %q out of range", ErrInvalidHours, s)
	}
	return h*60 + m, nil
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

type window struct{ open, close int }

func (b BusinessHours) window() (window, error) {
	o, err := ParseClock(b.Opens)
	if err != nil {
		return window{}, err
	}
	c, err := ParseClock(b.Closes)
	if err != nil {
		return window{}, err
	}
	if c <= o {
		return window{}, fmt.Errorf("%w: %s closes at %s before opening at %s", ErrInvalidHours, b.Weekday, b.Closes, b.Opens)
	}
	return window{o, c}, nil
}

// ValidateHours rejects malformed windows and windows that overlap on the
// same weekday.
func ValidateHours(hours []BusinessHours) error {
	byDay := make(map[time.Weekday][]window)
	for _, h := range hours {
		if h.Weekday < time.Sunday || h.Weekday > time.Saturday {
			return fmt.Errorf("%w: weekday %d", ErrInvalidHours, h.Weekday)
		}
		w, err := h.window()
		if err != nil {
			return err
		}
		for _, other := range byDay[h.Weekday] {
			if w.open < other.close && other.open < w.close {
				return fmt.Errorf("%w: overlapping windows on %s", ErrInvalidHours, h.Weekday)
			}
		}
		byDay[h.Weekday] = append(byDay[h.Weekday], w)
	}
	return nil
}

// windowsOn returns the enabled windows for the local date of day, sorted
// by opening time, as absolute intervals.
func windowsOn(day time.Time, hours []BusinessHours, loc *time.Location) []Interval {
	y, m, d := day.In(loc).Date()
	wd := time.Date(y, m, d, 12, 0, 0, 0, loc).Weekday()
	var out []Interval
	for _, h := range hours {
		if !h.Enabled || h.Weekday != wd {
			continue
		}
		w, err := h.window()
		if err != nil {
			continue
		}
		out = append(out, Interval{
			Start: time.Date(y, m, d, w.open/60, w.open%60, 0, 0, loc),
			End:   time.Date(y, m, d, w.close/60, w.close%60, 0, 0, loc),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func withinHours(slot Interval, hours []BusinessHours, loc *time.Location) bool {
	for _, w := range windowsOn(slot.Start, hours, loc) {
		if !slot.Start.Before(w.Start) && !slot.End.After(w.End) {
			return true
		}
	}
	return false
}

func overlapsAny(slot Interval, set []Interval) bool {
	for _, iv := range set {
		if Overlaps(slot, iv) {
			return true
		}
	}
	return false
}

// ValidateSlot returns the first rule slot violates, or nil. Checks run in a
// fixed order so callers get a stable reason.
func ValidateSlot(now time.Time, slot Interval, hours []BusinessHours, blocked, busy []Interval, rules Rules) error {
	rules = rules.normalized()
	if !slot.End.After(slot.Start) {
		return ErrInvalidInterval
	}
	if slot.Start.Before(now.Add(time.Duration(rules.MinNoticeMinutes) * time.Minute)) {
		return ErrInPast
	}
	if slot.Start.After(now.AddDate(0, 0, rules.MaxDaysAhead)) {
		return ErrTooFarAhead
	}
	if !withinHours(slot, hours, rules.Location) {
		return ErrOutsideBusinessHours
	}
	if overlapsAny(slot, blocked) {
		return ErrBlocked
	}
	if overlapsAny(slot, busy) {
		return ErrConflict
	}
	return nil
}

// FindSlots enumerates bookable slots of rules.SlotMinutes that lie entirely
// inside [from, to). Candidates start at each window's opening time and step
// by slot length plus buffer.
func FindSlots(now, from, to time.Time, hours []BusinessHours, blocked, busy []Interval, rules Rules) []Interval {
	rules = rules.normalized()
	if !to.After(from) {
		return nil
	}
	if limit := now.AddDate(0, 0, rules.MaxDaysAhead+1); to.After(limit) {
		to = limit
	}

	slotLen := time.Duration(rules.SlotMinutes) * time.Minute
	step := slotLen + time.Duration(rules.BufferMinutes)*time.Minute

	var out []Interval
	y, m, d := from.In(rules.Location).Date()
	for day := time.Date(y, m, d, 0, 0, 0, 0, rules.Location); day.Before(to); day = day.AddDate(0, 0, 1) {
		for _, w := range windowsOn(day, hours, rules.Location) {
			for start := w.Start; !start.Add(slotLen).After(w.End); start = start.Add(step) {
				cand := Interval{Start: start, End: start.Add(slotLen)}
				if cand.Start.Before(from) || cand.End.After(to) {
					continue
				}
				if ValidateSlot(now, cand, hours, blocked, busy, rules) == nil {
					out = append(out, cand)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}
