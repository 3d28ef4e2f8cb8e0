package timer

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed five-field cron expression:
//
//	minute hour day-of-month month day-of-week
//
// Supported syntax per field: "*", single values, lists ("1,15"),
// ranges ("1-5"), and steps ("*/10", "8-18/2"). Day-of-week accepts
// 0-6 with both 0 and 7 meaning Sunday. The presets @hourly, @daily,
// @weekly, @monthly, and @yearly expand to the usual expressions.
//
// When both day-of-month and day-of-week are restricted (neither is
// "*"), a time matches if either field matches, following the
// traditional cron rule.
type Schedule struct {
	minute [60]bool
	hour   [24]bool
	dom    [32]bool
	month  [13]bool
	dow    [7]bool

	domStar bool
	dowStar bool

	expr string
}

var cronPresets = map[string]string{
	"@hourly":  "0 * * * *",
	"@daily":   "0 0 * * *",
	"@weekly":  "0 0 * * 0",
	"@monthly": "0 0 1 * *",
	"@yearly":  "0 0 1 1 *",
}

// ParseCron parses a cron expression or preset.
func ParseCron(expr string) (*Schedule, error) {
	orig := expr
	expr = strings.TrimSpace(expr)
	if preset, ok := cronPresets[expr]; ok {
		expr = preset
	}
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron %q: want 5 fields, got %d", orig, len(fields))
	}

	s := &Schedule{expr: orig}
	specs := []struct {
		field    string
		min, max int
		set      func(int)
		star     *bool
	}{
		{fields[0], 0, 59, func(v int) { s.minute[v] = true }, nil},
		{fields[1], 0, 23, func(v int) { s.hour[v] = true }, nil},
		{fields[2], 1, 31, func(v int) { s.dom[v] = true }, &s.domStar},
		{fields[3], 1, 12, func(v int) { s.month[v] = true }, nil},
		{fields[4], 0, 6, func(v int) { s.dow[v] = true }, &s.dowStar},
	}
	for _, spec := range specs {
		star, err := parseCronField(spec.field, spec.min, spec.max, spec.set)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", orig, err)
		}
		if spec.star != nil {
			*spec.star = star
		}
	}
	return s, nil
}

// parseCronField fills the set for one field and reports whether the
// field was an unrestricted "*".
func parseCronField(field string, min, max int, set func(int)) (bool, error) {
	star := false
	for _, part := range strings.Split(field, ",") {
		rangePart, stepPart, hasStep := strings.Cut(part, "/")
		step := 1
		if hasStep {
			v, err := strconv.Atoi(stepPart)
			if err != nil || v < 1 {
				return false, fmt.Errorf("bad step %q", part)
			}
			step = v
		}

		lo, hi := min, max
		switch {
		case rangePart == "*":
			if !hasStep && len(field) == 1 {
				star = true
			}
		case strings.Contains(rangePart, "-"):
			loStr, hiStr, _ := strings.Cut(rangePart, "-")
			var err1, err2 error
			lo, err1 = strconv.Atoi(loStr)
			hi, err2 = strconv.Atoi(hiStr)
			if err1 != nil || err2 != nil {
				return false, fmt.Errorf("bad range %q", part)
			}
		default:
			v, err := strconv.Atoi(rangePart)
			if err != nil {
				return false, fmt.Errorf("bad value %q", part)
			}
			lo, hi = v, v
			if !hasStep {
				step = 1
			} else {
				// "N/step" means N to max by step.
				hi = max
			}
		}

		// 7 is Sunday in the day-of-week field.
		if max == 6 {
			if lo == 7 {
				lo = 0
			}
			if hi == 7 {
				hi = 6
				set(0)
			}
		}
		if lo < min || hi > max || lo > hi {
			return false, fmt.Errorf("value out of range in %q", part)
		}
		for v := lo; v <= hi; v += step {
			set(v)
		}
	}
	return star, nil
}

// String returns the original expression.
func (s *Schedule) String() string { return s.expr }

// matchDay applies the dom/dow OR rule.
func (s *Schedule) matchDay(t time.Time) bool {
	domOK := s.dom[t.Day()]
	dowOK := s.dow[int(t.Weekday())]
	switch {
	case s.domStar && s.dowStar:
		return true
	case s.domStar:
		return dowOK
	case s.dowStar:
		return domOK
	default:
		return domOK || dowOK
	}
}

// Next returns the first instant strictly after t that matches the
// schedule, in t's location. It returns the zero time if no match
// exists within five years.
//
// Daylight saving transitions follow wall-clock semantics: times
// skipped by a spring-forward transition do not fire, and times that
// occur twice in a fall-back transition fire on the first occurrence.
func (s *Schedule) Next(t time.Time) time.Time {
	loc := t.Location()
	// Start at the next whole minute.
	t = t.Add(time.Minute - time.Duration(t.Nanosecond())).Truncate(time.Minute)

	limit := t.AddDate(5, 0, 0)
	for {
		if t.After(limit) {
			return time.Time{}
		}
		if !s.month[int(t.Month())] {
			// Jump to the first minute of the next month.
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
			continue
		}
		if !s.matchDay(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
			continue
		}
		if !s.hour[t.Hour()] {
			// Add walks real elapsed time, so wall-clock hours skipped
			// by a spring-forward transition are naturally passed over.
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc).Add(time.Hour)
			continue
		}
		if !s.minute[t.Minute()] {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
}
