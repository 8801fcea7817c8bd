package interval

import (
	"errors"
	"testing"
	"time"
)

// March 2, 2026 is a Monday.
func mondayUTC() time.Time {
	return time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
}

func mustClock(t *testing.T, s string) Clock {
	t.Helper()
	c, err := ParseClock(s)
	if err != nil {
		t.Fatalf("parse clock %q: %v", s, err)
	}
	return c
}

func TestParseClock(t *testing.T) {
	cases := []struct {
		in      string
		want    Clock
		wantErr bool
	}{
		{in: "00:00", want: 0},
		{in: "09:30", want: 570},
		{in: "23:59", want: 1439},
		{in: "24:00", want: MinutesPerDay},
		{in: "24:01", wantErr: true},
		{in: "25:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "noon", wantErr: true},
		{in: "12", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseClock(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseClock(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseClock(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseClock(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestDaySetParseAndFormat(t *testing.T) {
	d, err := ParseDays("mon,wed,FRI")
	if err != nil {
		t.Fatalf("parse days: %v", err)
	}
	if !d.Has(time.Monday) || !d.Has(time.Wednesday) || !d.Has(time.Friday) {
		t.Fatalf("missing expected days in %v", d)
	}
	if d.Has(time.Sunday) || d.Has(time.Saturday) {
		t.Fatalf("unexpected days in %v", d)
	}
	if got := d.String(); got != "mon,wed,fri" {
		t.Fatalf("String() = %q", got)
	}
	if _, err := ParseDays("mon,funday"); err == nil {
		t.Fatal("expected error for unknown day name")
	}
}

func TestValidate(t *testing.T) {
	now := mondayUTC()

	cases := []struct {
		name    string
		ivl     Interval
		wantErr error
	}{
		{
			name: "valid one-shot",
			ivl:  OneShot(now, now.Add(2*time.Hour)),
		},
		{
			name:    "one-shot end before start",
			ivl:     OneShot(now, now.Add(-time.Hour)),
			wantErr: ErrEndBeforeStart,
		},
		{
			name:    "one-shot zero length",
			ivl:     OneShot(now, now),
			wantErr: ErrEndBeforeStart,
		},
		{
			name:    "one-shot over a week",
			ivl:     OneShot(now, now.Add(MaxDuration+time.Minute)),
			wantErr: ErrTooLong,
		},
		{
			name: "valid recurring",
			ivl:  Recurring(DaysOf(time.Monday), 540, 1020, ""),
		},
		{
			name: "valid recurring full day",
			ivl:  Recurring(DaysOf(time.Tuesday), 0, MinutesPerDay, "UTC"),
		},
		{
			name: "valid recurring wrap",
			ivl:  Recurring(DaysOf(time.Friday), 1320, 120, ""),
		},
		{
			name: "valid recurring with validity range",
			ivl: Recurring(DaysOf(time.Monday), 540, 1020, "").
				ValidBetween(now, now.AddDate(0, 1, 0)),
		},
		{
			name: "valid recurring open ended validity",
			ivl:  Recurring(DaysOf(time.Monday), 540, 1020, "").ValidBetween(now, time.Time{}),
		},
		{
			name:    "recurring no days",
			ivl:     Recurring(0, 540, 1020, ""),
			wantErr: ErrEmptyDays,
		},
		{
			name:    "recurring equal clocks",
			ivl:     Recurring(DaysOf(time.Monday), 540, 540, ""),
			wantErr: ErrZeroSpan,
		},
		{
			name:    "recurring bad zone",
			ivl:     Recurring(DaysOf(time.Monday), 540, 600, "Mars/Olympus"),
			wantErr: ErrBadTimezone,
		},
		{
			name:    "recurring validity out of order",
			ivl:     Recurring(DaysOf(time.Monday), 540, 1020, "").ValidBetween(now.Add(time.Hour), now),
			wantErr: ErrValidityOrder,
		},
		{
			name:    "unknown kind",
			ivl:     Interval{Kind: "periodic"},
			wantErr: ErrBadKind,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ivl.Validate()
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestOneShotContainsHalfOpen(t *testing.T) {
	start := mondayUTC().Add(9 * time.Hour)
	end := start.Add(time.Hour)
	ivl := OneShot(start, end)

	if !ivl.Contains(start) {
		t.Error("start instant should be contained")
	}
	if ivl.Contains(end) {
		t.Error("end instant should be excluded")
	}
	if ivl.Contains(start.Add(-time.Nanosecond)) {
		t.Error("instant before start should be excluded")
	}
	if !ivl.Contains(end.Add(-time.Nanosecond)) {
		t.Error("instant just before end should be contained")
	}
}

func TestRecurringContains(t *testing.T) {
	// 09:00 to 17:00 on Mondays and Wednesdays.
	ivl := Recurring(DaysOf(time.Monday, time.Wednesday), 540, 1020, "")
	mon := mondayUTC()

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"monday morning inside", mon.Add(10 * time.Hour), true},
		{"monday start edge", mon.Add(9 * time.Hour), true},
		{"monday end edge excluded", mon.Add(17 * time.Hour), false},
		{"monday before start", mon.Add(8 * time.Hour), false},
		{"tuesday excluded", mon.AddDate(0, 0, 1).Add(10 * time.Hour), false},
		{"wednesday inside", mon.AddDate(0, 0, 2).Add(12 * time.Hour), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ivl.Contains(tc.at); got != tc.want {
				t.Fatalf("Contains(%v) = %v, want %v", tc.at, got, tc.want)
			}
		})
	}
}

func TestRecurringMidnightWrap(t *testing.T) {
	// 22:00 to 02:00 on Fridays: active Friday night and into Saturday.
	ivl := Recurring(DaysOf(time.Friday), 1320, 120, "")
	fri := mondayUTC().AddDate(0, 0, 4)

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"friday 23:00", fri.Add(23 * time.Hour), true},
		{"friday 22:00 edge", fri.Add(22 * time.Hour), true},
		{"friday 21:59", fri.Add(21*time.Hour + 59*time.Minute), false},
		{"saturday 01:00", fri.AddDate(0, 0, 1).Add(time.Hour), true},
		{"saturday 02:00 edge excluded", fri.AddDate(0, 0, 1).Add(2 * time.Hour), false},
		{"saturday 03:00", fri.AddDate(0, 0, 1).Add(3 * time.Hour), false},
		{"saturday 23:00 not a rule day", fri.AddDate(0, 0, 1).Add(23 * time.Hour), false},
		{"sunday 01:00 no friday spillover", fri.AddDate(0, 0, 2).Add(time.Hour), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ivl.Contains(tc.at); got != tc.want {
				t.Fatalf("Contains(%v) = %v, want %v", tc.at, got, tc.want)
			}
		})
	}
}

func TestRecurringContainsInZone(t *testing.T) {
	if _, err := time.LoadLocation("America/New_York"); err != nil {
		t.Skip("tzdata unavailable")
	}

	// 09:00 to 17:00 New York time on Mondays.
	ivl := Recurring(DaysOf(time.Monday), 540, 1020, "America/New_York")

	// 15:00 UTC on Monday March 2, 2026 is 10:00 in New York (EST, UTC-5).
	if !ivl.Contains(mondayUTC().Add(15 * time.Hour)) {
		t.Error("expected 10:00 New York to be contained")
	}
	// 13:00 UTC is 08:00 in New York, before the window.
	if ivl.Contains(mondayUTC().Add(13 * time.Hour)) {
		t.Error("expected 08:00 New York to be excluded")
	}
	// 23:00 UTC Monday is 18:00 Monday in New York, after the window.
	if ivl.Contains(mondayUTC().Add(23 * time.Hour)) {
		t.Error("expected 18:00 New York to be excluded")
	}
}

func TestRecurringValidityWindow(t *testing.T) {
	// 09:00 to 17:00 on Mondays, valid from March 9 until noon on March 16.
	mon2 := mondayUTC().AddDate(0, 0, 7)
	mon3 := mondayUTC().AddDate(0, 0, 14)
	ivl := Recurring(DaysOf(time.Monday), 540, 1020, "").
		ValidBetween(mon2, mon3.Add(12*time.Hour))

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"rule day before validity", mondayUTC().Add(10 * time.Hour), false},
		{"first valid monday", mon2.Add(10 * time.Hour), true},
		{"final monday before cutoff", mon3.Add(10 * time.Hour), true},
		{"cutoff instant excluded", mon3.Add(12 * time.Hour), false},
		{"same day after cutoff", mon3.Add(13 * time.Hour), false},
		{"monday after expiry", mon3.AddDate(0, 0, 7).Add(10 * time.Hour), false},
		{"off day inside validity", mon2.AddDate(0, 0, 1).Add(10 * time.Hour), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ivl.Contains(tc.at); got != tc.want {
				t.Fatalf("Contains(%v) = %v, want %v", tc.at, got, tc.want)
			}
		})
	}

	// One-shot windows ignore the validity fields entirely.
	start := mondayUTC().Add(9 * time.Hour)
	shot := OneShot(start, start.Add(time.Hour)).ValidBetween(mon3, mon3.Add(time.Hour))
	if !shot.Contains(start.Add(30 * time.Minute)) {
		t.Error("one-shot should ignore the validity range")
	}
}

func TestOneShotNextBoundary(t *testing.T) {
	start := mondayUTC().Add(9 * time.Hour)
	end := start.Add(time.Hour)
	ivl := OneShot(start, end)

	if b, ok := ivl.NextBoundary(start.Add(-time.Minute)); !ok || !b.Equal(start) {
		t.Fatalf("before start: got %v ok=%v, want %v", b, ok, start)
	}
	// At the start instant the next change is the end.
	if b, ok := ivl.NextBoundary(start); !ok || !b.Equal(end) {
		t.Fatalf("at start: got %v ok=%v, want %v", b, ok, end)
	}
	if b, ok := ivl.NextBoundary(start.Add(30 * time.Minute)); !ok || !b.Equal(end) {
		t.Fatalf("inside: got %v ok=%v, want %v", b, ok, end)
	}
	if _, ok := ivl.NextBoundary(end); ok {
		t.Fatal("expected no boundary after the window ended")
	}
}

func TestRecurringNextBoundary(t *testing.T) {
	// 09:00 to 17:00 on Mondays.
	ivl := Recurring(DaysOf(time.Monday), 540, 1020, "")
	mon := mondayUTC()

	cases := []struct {
		name  string
		after time.Time
		want  time.Time
	}{
		{"sunday night to monday start", mon.Add(-2 * time.Hour), mon.Add(9 * time.Hour)},
		{"monday morning to start", mon.Add(8 * time.Hour), mon.Add(9 * time.Hour)},
		{"at start to end", mon.Add(9 * time.Hour), mon.Add(17 * time.Hour)},
		{"inside to end", mon.Add(12 * time.Hour), mon.Add(17 * time.Hour)},
		{"after end to next week", mon.Add(18 * time.Hour), mon.AddDate(0, 0, 7).Add(9 * time.Hour)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ivl.NextBoundary(tc.after)
			if !ok {
				t.Fatal("expected a boundary")
			}
			if !got.Equal(tc.want) {
				t.Fatalf("NextBoundary(%v) = %v, want %v", tc.after, got, tc.want)
			}
		})
	}
}

func TestWrapNextBoundaryCrossesMidnight(t *testing.T) {
	// 22:00 to 02:00 on Fridays.
	ivl := Recurring(DaysOf(time.Friday), 1320, 120, "")
	fri := mondayUTC().AddDate(0, 0, 4)

	// Inside the Friday night portion the next change is Saturday 02:00.
	got, ok := ivl.NextBoundary(fri.Add(23 * time.Hour))
	want := fri.AddDate(0, 0, 1).Add(2 * time.Hour)
	if !ok || !got.Equal(want) {
		t.Fatalf("NextBoundary = %v ok=%v, want %v", got, ok, want)
	}

	// Inside the Saturday spillover the next change is still Saturday 02:00.
	got, ok = ivl.NextBoundary(fri.AddDate(0, 0, 1).Add(time.Hour))
	if !ok || !got.Equal(want) {
		t.Fatalf("NextBoundary spillover = %v ok=%v, want %v", got, ok, want)
	}
}

func TestValidityNextBoundary(t *testing.T) {
	// 09:00 to 17:00 on Mondays throughout.
	mon := mondayUTC()
	mon2 := mon.AddDate(0, 0, 7)
	rule := Recurring(DaysOf(time.Monday), 540, 1020, "")

	t.Run("scan clamps to validity start", func(t *testing.T) {
		ivl := rule.ValidBetween(mon2, time.Time{})
		got, ok := ivl.NextBoundary(mon.Add(8 * time.Hour))
		if !ok || !got.Equal(mon2.Add(9*time.Hour)) {
			t.Fatalf("NextBoundary = %v ok=%v, want %v", got, ok, mon2.Add(9*time.Hour))
		}
	})

	t.Run("validity start lands mid occurrence", func(t *testing.T) {
		ivl := rule.ValidBetween(mon2.Add(12*time.Hour), time.Time{})
		got, ok := ivl.NextBoundary(mon.Add(10 * time.Hour))
		if !ok || !got.Equal(mon2.Add(12*time.Hour)) {
			t.Fatalf("NextBoundary = %v ok=%v, want %v", got, ok, mon2.Add(12*time.Hour))
		}
	})

	t.Run("expiry cuts an occurrence short", func(t *testing.T) {
		ivl := rule.ValidBetween(time.Time{}, mon2.Add(12*time.Hour))
		got, ok := ivl.NextBoundary(mon2.Add(10 * time.Hour))
		if !ok || !got.Equal(mon2.Add(12*time.Hour)) {
			t.Fatalf("NextBoundary = %v ok=%v, want %v", got, ok, mon2.Add(12*time.Hour))
		}
	})

	t.Run("no boundary after expiry", func(t *testing.T) {
		ivl := rule.ValidBetween(time.Time{}, mon2.Add(12*time.Hour))
		if b, ok := ivl.NextBoundary(mon2.Add(13 * time.Hour)); ok {
			t.Fatalf("expected no boundary past expiry, got %v", b)
		}
	})

	t.Run("quiet gap before expiry yields nothing", func(t *testing.T) {
		// Validity runs out on Saturday, after the final occurrence closed.
		ivl := rule.ValidBetween(time.Time{}, mon2.AddDate(0, 0, 5))
		if b, ok := ivl.NextBoundary(mon2.Add(18 * time.Hour)); ok {
			t.Fatalf("expected no boundary, got %v", b)
		}
	})
}

func TestNextBoundaryIn(t *testing.T) {
	mon := mondayUTC()
	a := OneShot(mon.Add(10*time.Hour), mon.Add(11*time.Hour))
	b := Recurring(DaysOf(time.Monday), 540, 1020, "")

	// From Monday 08:00 the earliest edge is the recurring start at 09:00.
	got, ok := NextBoundaryIn([]Interval{a, b}, mon.Add(8*time.Hour))
	if !ok || !got.Equal(mon.Add(9*time.Hour)) {
		t.Fatalf("NextBoundaryIn = %v ok=%v, want %v", got, ok, mon.Add(9*time.Hour))
	}

	// Exhausted one-shots alone yield no boundary.
	if _, ok := NextBoundaryIn([]Interval{OneShot(mon, mon.Add(time.Hour))}, mon.Add(2*time.Hour)); ok {
		t.Fatal("expected no boundary for an expired one-shot")
	}
}

func TestOverlaps(t *testing.T) {
	mon := mondayUTC()
	horizonFrom := mon
	horizonTo := mon.AddDate(0, 0, 14)

	weekday := Recurring(DaysOf(time.Monday, time.Wednesday), 540, 1020, "")
	lunch := Recurring(DaysOf(time.Monday), 720, 780, "")
	weekend := Recurring(DaysOf(time.Saturday), 540, 1020, "")
	oneshot := OneShot(mon.Add(10*time.Hour), mon.Add(11*time.Hour))

	if !Overlaps(weekday, lunch, horizonFrom, horizonTo) {
		t.Error("monday lunch should overlap the weekday window")
	}
	if Overlaps(weekday, weekend, horizonFrom, horizonTo) {
		t.Error("weekday and weekend windows should not overlap")
	}
	if !Overlaps(weekday, oneshot, horizonFrom, horizonTo) {
		t.Error("monday one-shot should overlap the weekday window")
	}
	if Overlaps(weekday, lunch, mon, mon) {
		t.Error("empty horizon should never overlap")
	}
}

func TestDuration(t *testing.T) {
	mon := mondayUTC()
	if got := OneShot(mon, mon.Add(90*time.Minute)).Duration(); got != 90*time.Minute {
		t.Fatalf("one-shot duration = %v", got)
	}
	if got := Recurring(DaysOf(time.Monday), 540, 1020, "").Duration(); got != 8*time.Hour {
		t.Fatalf("recurring duration = %v", got)
	}
	if got := Recurring(DaysOf(time.Friday), 1320, 120, "").Duration(); got != 4*time.Hour {
		t.Fatalf("wrap duration = %v", got)
	}
}
