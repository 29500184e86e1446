package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// bucketMinutes is the width of the minute buckets schedules are matched in.
const bucketMinutes = 15

type field struct {
	any   bool
	step  int
	value int
}

// Schedule is a five-field job schedule: minute, hour, day of month,
// month and year. Each field is "*", "*/N", or a literal number. The
// minute field matches any time inside the same 15-minute bucket.
type Schedule struct {
	raw    string
	fields [5]field
}

var fieldNames = [5]string{"minute", "hour", "day", "month", "year"}

// ParseSchedule parses a job schedule string.
func ParseSchedule(s string) (Schedule, error) {
	parts := strings.Fields(s)
	if len(parts) != len(fieldNames) {
		return Schedule{}, fmt.Errorf("schedule %q: want %d fields, got %d", s, len(fieldNames), len(parts))
	}
	sched := Schedule{raw: s}
	for i, p := range parts {
		f, err := parseField(p)
		if err != nil {
			return Schedule{}, fmt.Errorf("schedule %q: %s: %w", s, fieldNames[i], err)
		}
		sched.fields[i] = f
	}
	return sched, nil
}

func parseField(s string) (field, error) {
	if s == "*" {
		return field{any: true}, nil
	}
	if rest, ok := strings.CutPrefix(s, "*/"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n <= 0 {
			return field{}, fmt.Errorf("invalid step %q", s)
		}
		return field{step: n}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return field{}, fmt.Errorf("invalid value %q", s)
	}
	return field{value: n}, nil
}

func (s Schedule) String() string { return s.raw }

// Due reports whether the schedule selects t, evaluated in UTC.
func (s Schedule) Due(t time.Time) bool {
	t = t.UTC()
	exact := [4]int{t.Hour(), t.Day(), int(t.Month()), t.Year()}
	for i, v := range exact {
		if !s.fields[i+1].matches(v) {
			return false
		}
	}
	return s.fields[0].matchesBucket(t.Minute() / bucketMinutes)
}

func (f field) matches(v int) bool {
	switch {
	case f.any:
		return true
	case f.step > 0:
		return v%f.step == 0
	default:
		return v == f.value
	}
}

func (f field) matchesBucket(bucket int) bool {
	switch {
	case f.any:
		return true
	case f.step > 0:
		for m := bucket * bucketMinutes; m < (bucket+1)*bucketMinutes; m++ {
			if m%f.step == 0 {
				return true
			}
		}
		return false
	default:
		return f.value/bucketMinutes == bucket
	}
}
