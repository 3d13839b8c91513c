// Package cronexpr implements the scheduler's seven-field cron grammar
// (year, month, day-of-month, day-of-week, hour, minute, second — §3, §4.2).
//
// robfig/cron/v3 — already part of the dependency graph this project was
// grounded on — exposes a Schedule interface with a single Next(time.Time)
// time.Time method and a field-bitmask parser; no released cron library in
// the example pack parses a year field or this exact field set, so this
// package hand-rolls the parser and matcher but keeps the same Schedule
// shape so callers can use either interchangeably.
package cronexpr

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule computes firing times for one parsed seven-field expression.
type Schedule struct {
	year, month, dom, dow, hour, minute, second field
}

// field is a parsed single cron field: either "matches everything" or an
// explicit set of allowed integer values within [min, max].
type field struct {
	all    bool
	values map[int]bool
}

func (f field) match(v int) bool {
	if f.all {
		return true
	}
	return f.values[v]
}

// Fields mirrors types.CronFields textually, decoupled from that package to
// keep cronexpr dependency-free.
type Fields struct {
	Year, Month, DayOfMonth, DayOfWeek, Hour, Minute, Second string
}

// Parse compiles a seven-field expression set. Empty fields default to "*";
// Second additionally defaults to "0" when entirely unset, per §4.2 ("Seconds
// default to 0 if unspecified") — callers that want an explicit "*" second
// field must say so.
func Parse(f Fields) (*Schedule, error) {
	def := func(s, fallback string) string {
		if strings.TrimSpace(s) == "" {
			return fallback
		}
		return s
	}

	spec := map[string]struct {
		expr     string
		min, max int
	}{
		"year":        {def(f.Year, "*"), 1970, 2200},
		"month":       {def(f.Month, "*"), 1, 12},
		"day_of_month": {def(f.DayOfMonth, "*"), 1, 31},
		"day_of_week": {def(f.DayOfWeek, "*"), 0, 6},
		"hour":        {def(f.Hour, "*"), 0, 23},
		"minute":      {def(f.Minute, "*"), 0, 59},
		"second":      {def(f.Second, "0"), 0, 59},
	}

	parsed := make(map[string]field, len(spec))
	for name, s := range spec {
		fld, err := parseField(s.expr, s.min, s.max)
		if err != nil {
			return nil, fmt.Errorf("cronexpr: field %s: %w", name, err)
		}
		parsed[name] = fld
	}

	return &Schedule{
		year:   parsed["year"],
		month:  parsed["month"],
		dom:    parsed["day_of_month"],
		dow:    parsed["day_of_week"],
		hour:   parsed["hour"],
		minute: parsed["minute"],
		second: parsed["second"],
	}, nil
}

// parseField parses one comma-separated field expression: "*", "N", "N-M",
// "*/S", "N-M/S", or any comma-separated combination of those.
func parseField(expr string, min, max int) (field, error) {
	if expr == "*" {
		return field{all: true}, nil
	}

	values := make(map[int]bool)
	for _, part := range strings.Split(expr, ",") {
		lo, hi, step := min, max, 1
		base := part

		if idx := strings.Index(part, "/"); idx >= 0 {
			base = part[:idx]
			s, err := strconv.Atoi(part[idx+1:])
			if err != nil || s <= 0 {
				return field{}, fmt.Errorf("invalid step in %q", part)
			}
			step = s
		}

		switch {
		case base == "*":
			// lo/hi already the full range
		case strings.Contains(base, "-"):
			bounds := strings.SplitN(base, "-", 2)
			l, err1 := strconv.Atoi(bounds[0])
			h, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil || l > h {
				return field{}, fmt.Errorf("invalid range %q", base)
			}
			lo, hi = l, h
		default:
			v, err := strconv.Atoi(base)
			if err != nil {
				return field{}, fmt.Errorf("invalid value %q", base)
			}
			lo, hi = v, v
		}

		if lo < min || hi > max {
			return field{}, fmt.Errorf("value out of range [%d,%d]: %q", min, max, part)
		}

		for v := lo; v <= hi; v += step {
			values[v] = true
		}
	}

	return field{values: values}, nil
}

// restricted reports whether a parsed field restricts its values (i.e. is
// not the "match everything" wildcard).
func (f field) restricted() bool { return !f.all }

// Next returns the smallest timestamp strictly greater than t that
// satisfies every field, matching classic cron day-of-month/day-of-week OR
// semantics: when both are restricted, a day matches if it satisfies
// either one.
func (s *Schedule) Next(t time.Time) time.Time {
	t = t.Add(time.Second).Truncate(time.Second)

	// Bounded to avoid spinning forever on an unsatisfiable expression
	// (e.g. Feb 30). 5 years of field-level hops is far more than any
	// legitimate schedule needs to advance through.
	deadline := t.AddDate(5, 0, 0)

	for t.Before(deadline) {
		if !s.year.match(t.Year()) {
			t = time.Date(t.Year()+1, time.January, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !s.month.match(int(t.Month())) {
			t = firstOfNextMonth(t)
			continue
		}
		if !s.dayMatches(t) {
			t = startOfNextDay(t)
			continue
		}
		if !s.hour.match(t.Hour()) {
			t = startOfNextHour(t)
			continue
		}
		if !s.minute.match(t.Minute()) {
			t = startOfNextMinute(t)
			continue
		}
		if !s.second.match(t.Second()) {
			t = t.Add(time.Second)
			continue
		}
		return t
	}

	return time.Time{}
}

func (s *Schedule) dayMatches(t time.Time) bool {
	domOK := s.dom.match(t.Day())
	dowOK := s.dow.match(int(t.Weekday()))

	switch {
	case s.dom.restricted() && s.dow.restricted():
		return domOK || dowOK
	case s.dom.restricted():
		return domOK
	case s.dow.restricted():
		return dowOK
	default:
		return true
	}
}

func firstOfNextMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
}

func startOfNextDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}

func startOfNextHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location()).Add(time.Hour)
}

func startOfNextMinute(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location()).Add(time.Minute)
}
