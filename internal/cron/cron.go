// Package cron parses five-field cron expressions, descriptor aliases, and
// the interval:<ms> shorthand, and computes matching instants.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
	"github.com/zulandar/roundhouse/internal/orcherr"
)

// horizon bounds how far Next searches before giving up.
const horizon = 366 * 24 * time.Hour

const starBit = 1 << 63

var parser = robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor)

// Schedule is a parsed expression.
type Schedule struct {
	expr     string
	spec     *robfig.SpecSchedule
	interval time.Duration
	// pinned is set when the expression names its own time zone.
	pinned bool
}

// Parse parses expr. Errors wrap orcherr.ErrInvalidCronExpression.
func Parse(expr string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cron: empty expression: %w", orcherr.ErrInvalidCronExpression)
	}

	if rest, ok := strings.CutPrefix(expr, "interval:"); ok {
		ms, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("cron: %q: interval must be a positive number of milliseconds: %w",
				expr, orcherr.ErrInvalidCronExpression)
		}
		return &Schedule{expr: expr, interval: time.Duration(ms) * time.Millisecond}, nil
	}

	parsed, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron: %q: %v: %w", expr, err, orcherr.ErrInvalidCronExpression)
	}
	switch s := parsed.(type) {
	case *robfig.SpecSchedule:
		return &Schedule{
			expr:   expr,
			spec:   s,
			pinned: strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ="),
		}, nil
	case robfig.ConstantDelaySchedule:
		return &Schedule{expr: expr, interval: s.Delay}, nil
	default:
		return nil, fmt.Errorf("cron: %q: unsupported schedule %T: %w", expr, parsed, orcherr.ErrInvalidCronExpression)
	}
}

// String returns the expression the schedule was parsed from.
func (s *Schedule) String() string { return s.expr }

// Interval returns the fixed period of an interval schedule, or zero.
func (s *Schedule) Interval() time.Duration { return s.interval }

// Matches reports whether t falls on a minute the schedule fires.
// Interval schedules match no calendar instant.
func (s *Schedule) Matches(t time.Time) bool {
	if s.spec == nil {
		return false
	}
	if s.pinned {
		t = t.In(s.spec.Location)
	}
	return bit(s.spec.Minute, t.Minute()) &&
		bit(s.spec.Hour, t.Hour()) &&
		bit(s.spec.Month, int(t.Month())) &&
		dayMatches(s.spec, t)
}

// Next returns the first firing instant strictly after from. Calendar
// schedules are evaluated in from's location unless the expression pins a
// zone. Unsatisfiable expressions fail with orcherr.ErrComputationExceeded.
func (s *Schedule) Next(from time.Time) (time.Time, error) {
	if s.spec == nil {
		return from.Add(s.interval), nil
	}
	spec := *s.spec
	if !s.pinned {
		spec.Location = from.Location()
	}
	next := spec.Next(from)
	if next.IsZero() || next.Sub(from) > horizon {
		return time.Time{}, fmt.Errorf("cron: %q: no match within a year of %s: %w",
			s.expr, from.Format(time.RFC3339), orcherr.ErrComputationExceeded)
	}
	return next, nil
}

func bit(field uint64, v int) bool {
	return field&(1<<uint(v)) != 0
}

// dayMatches ORs day-of-month and day-of-week when both are restricted;
// when either is "*" the other decides alone.
func dayMatches(s *robfig.SpecSchedule, t time.Time) bool {
	dom := bit(s.Dom, t.Day())
	dow := bit(s.Dow, int(t.Weekday()))
	if s.Dom&starBit != 0 || s.Dow&starBit != 0 {
		return dom && dow
	}
	return dom || dow
}

// Matches parses expr and tests t against it.
func Matches(expr string, t time.Time) (bool, error) {
	s, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return s.Matches(t), nil
}

// Next parses expr and returns its next firing instant after from.
func Next(expr string, from time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from)
}
