// Package scheduler runs the subscription-update and GeoIP-update
// background tasks on a hand-rolled 5-field cron schedule. A bounded
// linear search over candidate minutes is used instead of a closed-form
// "next occurrence" solver, matching
// original_source/src/scheduler.rs's next_after exactly: the spec pins
// this exact algorithm (including the day-of-week 7≡0 convention) as a
// testable property, which a general-purpose cron library such as
// robfig/cron does not guarantee bit-for-bit.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// field holds, for one cron column, which values in [min,max] are allowed.
type field struct {
	min, max int
	allowed  []bool
}

func newField(min, max int) *field {
	return &field{min: min, max: max, allowed: make([]bool, max-min+1)}
}

func (f *field) set(v int) {
	if v < f.min || v > f.max {
		return
	}
	f.allowed[v-f.min] = true
}

func (f *field) setRangeStep(start, end, step int) {
	if step < 1 {
		step = 1
	}
	if start < f.min {
		start = f.min
	}
	if end > f.max {
		end = f.max
	}
	for v := start; v <= end; v += step {
		f.set(v)
	}
}

func (f *field) setAll() {
	for v := f.min; v <= f.max; v++ {
		f.set(v)
	}
}

func (f *field) matches(v int) bool {
	if v < f.min || v > f.max {
		return false
	}
	return f.allowed[v-f.min]
}

// Schedule is a parsed 5-field cron expression (minute hour dom month dow).
type Schedule struct {
	minute, hour, dayOfMonth, month, dayOfWeek *field
}

// Parse parses a standard 5-field cron expression. Fields accept "*",
// single values, "a-b" ranges, comma lists, and "/step" modifiers.
func Parse(expr string) (*Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields")
	}

	minute, err := parseField(parts[0], 0, 59)
	if err != nil {
		return nil, err
	}
	hour, err := parseField(parts[1], 0, 23)
	if err != nil {
		return nil, err
	}
	dom, err := parseField(parts[2], 1, 31)
	if err != nil {
		return nil, err
	}
	month, err := parseField(parts[3], 1, 12)
	if err != nil {
		return nil, err
	}
	dow, err := parseDowField(parts[4])
	if err != nil {
		return nil, err
	}

	return &Schedule{minute: minute, hour: hour, dayOfMonth: dom, month: month, dayOfWeek: dow}, nil
}

func parseField(spec string, min, max int) (*field, error) {
	f := newField(min, max)
	spec = strings.TrimSpace(spec)
	if spec == "*" {
		f.setAll()
		return f, nil
	}

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		rangePart, stepPart, hasStep := strings.Cut(part, "/")
		step := 1
		if hasStep {
			v, err := strconv.Atoi(strings.TrimSpace(stepPart))
			if err != nil {
				return nil, fmt.Errorf("invalid step value %q in cron field %q: %w", stepPart, spec, err)
			}
			step = v
		}

		if rangePart == "*" {
			f.setRangeStep(min, max, step)
			continue
		}

		var start, end int
		if a, b, ok := strings.Cut(rangePart, "-"); ok {
			s, err := strconv.Atoi(strings.TrimSpace(a))
			if err != nil {
				return nil, fmt.Errorf("invalid range start %q in cron field %q: %w", a, spec, err)
			}
			e, err := strconv.Atoi(strings.TrimSpace(b))
			if err != nil {
				return nil, fmt.Errorf("invalid range end %q in cron field %q: %w", b, spec, err)
			}
			start, end = s, e
		} else {
			v, err := strconv.Atoi(rangePart)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q in cron field %q: %w", rangePart, spec, err)
			}
			start, end = v, v
		}

		if start > end {
			return nil, fmt.Errorf("invalid range %d-%d in cron field %q", start, end, spec)
		}
		f.setRangeStep(start, end, step)
	}

	return f, nil
}

// parseDowField parses the day-of-week field over [0,7] then folds 7 (an
// alternate Sunday spelling some cron dialects accept) into 0.
func parseDowField(spec string) (*field, error) {
	f, err := parseField(spec, 0, 7)
	if err != nil {
		return nil, err
	}
	if len(f.allowed) == 8 && f.allowed[7] {
		f.allowed[0] = true
		f.allowed[7] = false
	}
	return f, nil
}

// maxSteps bounds the linear search to one year of minutes, so a
// pathological schedule (e.g. Feb 30) terminates instead of looping forever.
const maxSteps = 365 * 24 * 60

// NextAfter returns the first minute-aligned instant strictly after now
// that satisfies every field, or the zero Time and false if none is found
// within one year.
func (s *Schedule) NextAfter(now time.Time) (time.Time, bool) {
	candidate := now.Truncate(time.Minute).Add(time.Minute)

	for i := 0; i < maxSteps; i++ {
		minute := candidate.Minute()
		hour := candidate.Hour()
		day := candidate.Day()
		month := int(candidate.Month())
		dow := int(candidate.Weekday())

		if s.minute.matches(minute) &&
			s.hour.matches(hour) &&
			s.dayOfMonth.matches(day) &&
			s.month.matches(month) &&
			s.dayOfWeek.matches(dow) {
			return candidate, true
		}

		candidate = candidate.Add(time.Minute)
	}

	return time.Time{}, false
}
