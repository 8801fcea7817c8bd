/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package interval models when a schedule entry is eligible to show:
// either a fixed UTC window or a weekly recurring wall-clock rule.
// All ranges are half-open, start inclusive and end exclusive.
package interval

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxDuration caps how long a single one-shot entry may run.
const MaxDuration = 7 * 24 * time.Hour

// MinutesPerDay is the number of wall-clock minutes in a civil day.
const MinutesPerDay = 1440

var (
	ErrEndBeforeStart = errors.New("interval end must be after start")
	ErrTooLong        = errors.New("interval exceeds maximum duration")
	ErrEmptyDays      = errors.New("recurring interval needs at least one day")
	ErrClockRange     = errors.New("clock value out of range")
	ErrZeroSpan       = errors.New("recurring start and end clocks must differ")
	ErrBadTimezone    = errors.New("unknown timezone")
	ErrBadKind        = errors.New("unknown interval kind")
	ErrValidityOrder  = errors.New("validity end must be after validity start")
)

// Kind discriminates one-shot windows from weekly recurring rules.
type Kind string

const (
	KindOneShot   Kind = "oneshot"
	KindRecurring Kind = "recurring"
)

// Clock is a wall-clock instant expressed as minutes since midnight.
// End clocks may carry MinutesPerDay (24:00) to mean end of day.
type Clock int

// ParseClock parses "HH:MM". "24:00" is accepted for end-of-day.
func ParseClock(s string) (Clock, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrClockRange, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrClockRange, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrClockRange, s)
	}
	if h == 24 && m == 0 {
		return MinutesPerDay, nil
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrClockRange, s)
	}
	return Clock(h*60 + m), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// DaySet is a bitmask of weekdays, bit 0 being Sunday to match time.Weekday.
type DaySet uint8

// DaysOf builds a set from the given weekdays.
func DaysOf(ws ...time.Weekday) DaySet {
	var d DaySet
	for _, w := range ws {
		d |= 1 << uint(w)
	}
	return d
}

func (d DaySet) Has(w time.Weekday) bool { return d&(1<<uint(w)) != 0 }

func (d DaySet) Empty() bool { return d == 0 }

// Weekdays lists the set members in Sunday-first order.
func (d DaySet) Weekdays() []time.Weekday {
	var out []time.Weekday
	for w := time.Sunday; w <= time.Saturday; w++ {
		if d.Has(w) {
			out = append(out, w)
		}
	}
	return out
}

var dayNames = [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// DayName returns the lowercase three letter name for a weekday.
func DayName(w time.Weekday) string {
	return dayNames[int(w)%7]
}

// ParseDay resolves a three letter day name, case insensitive.
func ParseDay(name string) (time.Weekday, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, dn := range dayNames {
		if n == dn {
			return time.Weekday(i), nil
		}
	}
	return 0, fmt.Errorf("unknown day name %q", name)
}

// ParseDays parses a comma separated day list such as "mon,wed,fri".
func ParseDays(s string) (DaySet, error) {
	var d DaySet
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		w, err := ParseDay(part)
		if err != nil {
			return 0, err
		}
		d |= 1 << uint(w)
	}
	return d, nil
}

func (d DaySet) String() string {
	names := make([]string, 0, 7)
	for _, w := range d.Weekdays() {
		names = append(names, DayName(w))
	}
	return strings.Join(names, ",")
}

// Interval is either a fixed [StartAt, EndAt) UTC window or a weekly
// recurring rule over Days with wall-clock bounds in Timezone.
//
// A recurring rule with StartClock > EndClock wraps midnight: it covers
// [StartClock, 24:00) on each listed day plus [00:00, EndClock) on the
// following calendar day.
//
// Recurring rules may carry a validity range [ValidFrom, ValidUntil):
// outside it the rule never matches. A zero value leaves that side
// unbounded. One-shot windows ignore both fields.
type Interval struct {
	Kind Kind

	StartAt time.Time
	EndAt   time.Time

	Days       DaySet
	StartClock Clock
	EndClock   Clock
	Timezone   string

	ValidFrom  time.Time
	ValidUntil time.Time
}

// OneShot builds a fixed window.
func OneShot(start, end time.Time) Interval {
	return Interval{Kind: KindOneShot, StartAt: start.UTC(), EndAt: end.UTC()}
}

// Recurring builds a weekly rule. tz empty means UTC.
func Recurring(days DaySet, start, end Clock, tz string) Interval {
	return Interval{Kind: KindRecurring, Days: days, StartClock: start, EndClock: end, Timezone: tz}
}

// ValidBetween returns a copy bounded to the given validity range. A zero
// bound leaves that side open.
func (iv Interval) ValidBetween(from, until time.Time) Interval {
	iv.ValidFrom = from
	iv.ValidUntil = until
	return iv
}

// Location resolves the rule timezone, defaulting to UTC.
func (iv Interval) Location() (*time.Location, error) {
	if iv.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(iv.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadTimezone, iv.Timezone)
	}
	return loc, nil
}

// Validate checks structural validity. Recurring rules reject equal
// start and end clocks; a full day is expressed as 00:00 to 24:00.
func (iv Interval) Validate() error {
	switch iv.Kind {
	case KindOneShot:
		if !iv.EndAt.After(iv.StartAt) {
			return ErrEndBeforeStart
		}
		if iv.EndAt.Sub(iv.StartAt) > MaxDuration {
			return ErrTooLong
		}
	case KindRecurring:
		if iv.Days.Empty() {
			return ErrEmptyDays
		}
		if iv.StartClock < 0 || iv.StartClock >= MinutesPerDay {
			return fmt.Errorf("%w: start %d", ErrClockRange, iv.StartClock)
		}
		if iv.EndClock <= 0 || iv.EndClock > MinutesPerDay {
			return fmt.Errorf("%w: end %d", ErrClockRange, iv.EndClock)
		}
		if iv.StartClock == iv.EndClock {
			return ErrZeroSpan
		}
		if !iv.ValidFrom.IsZero() && !iv.ValidUntil.IsZero() && !iv.ValidUntil.After(iv.ValidFrom) {
			return ErrValidityOrder
		}
		if _, err := iv.Location(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrBadKind, iv.Kind)
	}
	return nil
}

// wraps reports whether a recurring rule crosses midnight.
func (iv Interval) wraps() bool { return iv.StartClock > iv.EndClock }

// Contains reports whether t falls inside the interval. Recurring rules
// evaluate t in the rule timezone at minute granularity, after checking
// the validity range.
func (iv Interval) Contains(t time.Time) bool {
	switch iv.Kind {
	case KindOneShot:
		return !t.Before(iv.StartAt) && t.Before(iv.EndAt)
	case KindRecurring:
		if !iv.ValidFrom.IsZero() && t.Before(iv.ValidFrom) {
			return false
		}
		if !iv.ValidUntil.IsZero() && !t.Before(iv.ValidUntil) {
			return false
		}
		return iv.ruleContains(t)
	default:
		return false
	}
}

// ruleContains checks the weekly rule alone, ignoring the validity range.
func (iv Interval) ruleContains(t time.Time) bool {
	loc, err := iv.Location()
	if err != nil {
		return false
	}
	local := t.In(loc)
	minute := Clock(local.Hour()*60 + local.Minute())
	if !iv.wraps() {
		return iv.Days.Has(local.Weekday()) && minute >= iv.StartClock && minute < iv.EndClock
	}
	if iv.Days.Has(local.Weekday()) && minute >= iv.StartClock {
		return true
	}
	prev := time.Weekday((int(local.Weekday()) + 6) % 7)
	return iv.Days.Has(prev) && minute < iv.EndClock
}

// NextBoundary returns the earliest instant strictly after `after` at
// which Contains can change, or ok=false when no boundary remains.
// Recurring boundaries are computed arithmetically over at most the
// next eight civil days in the rule timezone; validity edges count as
// boundaries when the rule is active across them.
func (iv Interval) NextBoundary(after time.Time) (time.Time, bool) {
	switch iv.Kind {
	case KindOneShot:
		if iv.StartAt.After(after) {
			return iv.StartAt, true
		}
		if iv.EndAt.After(after) {
			return iv.EndAt, true
		}
		return time.Time{}, false
	case KindRecurring:
		loc, err := iv.Location()
		if err != nil {
			return time.Time{}, false
		}

		// Rule edges before the validity range never change containment,
		// so the scan starts at ValidFrom when that lies ahead. ValidFrom
		// itself is a boundary when it lands mid-occurrence.
		scanFrom := after
		var best time.Time
		if !iv.ValidFrom.IsZero() && iv.ValidFrom.After(after) {
			scanFrom = iv.ValidFrom
			if iv.ruleContains(iv.ValidFrom) {
				best = iv.ValidFrom
			}
		}

		if edge, ok := iv.nextRuleEdge(scanFrom, loc); ok {
			if iv.ValidUntil.IsZero() || edge.Before(iv.ValidUntil) {
				if best.IsZero() || edge.Before(best) {
					best = edge
				}
			}
		}

		// Expiry is the final boundary when the rule is active just
		// before it.
		if !iv.ValidUntil.IsZero() && iv.ValidUntil.After(after) && iv.Contains(iv.ValidUntil.Add(-time.Minute)) {
			if best.IsZero() || iv.ValidUntil.Before(best) {
				best = iv.ValidUntil
			}
		}

		if best.IsZero() {
			return time.Time{}, false
		}
		return best, true
	default:
		return time.Time{}, false
	}
}

// nextRuleEdge finds the earliest start or end edge of the weekly rule
// strictly after the given instant, ignoring the validity range.
func (iv Interval) nextRuleEdge(after time.Time, loc *time.Location) (time.Time, bool) {
	local := after.In(loc)
	year, month, day := local.Date()

	var best time.Time
	for offset := 0; offset <= 7; offset++ {
		d := time.Date(year, month, day+offset, 0, 0, 0, 0, loc)
		if !iv.Days.Has(d.Weekday()) {
			continue
		}
		start := clockOn(d, iv.StartClock, loc)
		end := clockOn(d, iv.EndClock, loc)
		if iv.wraps() {
			end = clockOn(d.AddDate(0, 0, 1), iv.EndClock, loc)
		}
		for _, candidate := range [2]time.Time{start, end} {
			if candidate.After(after) && (best.IsZero() || candidate.Before(best)) {
				best = candidate
			}
		}
	}
	if best.IsZero() {
		return time.Time{}, false
	}
	return best, true
}

// clockOn places a wall-clock value on the given civil day. A value of
// MinutesPerDay normalizes to midnight of the next day via time.Date.
func clockOn(day time.Time, c Clock, loc *time.Location) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, int(c)/60, int(c)%60, 0, 0, loc)
}

// NextBoundaryIn returns the earliest boundary over a set of intervals.
func NextBoundaryIn(ivls []Interval, after time.Time) (time.Time, bool) {
	var best time.Time
	for _, iv := range ivls {
		if b, ok := iv.NextBoundary(after); ok {
			if best.IsZero() || b.Before(best) {
				best = b
			}
		}
	}
	if best.IsZero() {
		return time.Time{}, false
	}
	return best, true
}

// Overlaps reports whether a and b are both active at some instant in
// [from, to). It walks the merged boundary sequence, so cost is bounded
// by the number of edges in the horizon rather than its length.
func Overlaps(a, b Interval, from, to time.Time) bool {
	if !to.After(from) {
		return false
	}
	t := from
	for i := 0; i < 256; i++ {
		if !t.Before(to) {
			return false
		}
		if a.Contains(t) && b.Contains(t) {
			return true
		}
		next := to
		if na, ok := a.NextBoundary(t); ok && na.Before(next) {
			next = na
		}
		if nb, ok := b.NextBoundary(t); ok && nb.Before(next) {
			next = nb
		}
		if !next.After(t) {
			return false
		}
		t = next
	}
	return false
}

// Duration returns the length of a single occurrence.
func (iv Interval) Duration() time.Duration {
	switch iv.Kind {
	case KindOneShot:
		return iv.EndAt.Sub(iv.StartAt)
	case KindRecurring:
		if iv.wraps() {
			return time.Duration(MinutesPerDay-int(iv.StartClock)+int(iv.EndClock)) * time.Minute
		}
		return time.Duration(int(iv.EndClock)-int(iv.StartClock)) * time.Minute
	default:
		return 0
	}
}
