package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// fieldParser accepts exactly five fields and no descriptors (@daily, @every).
var fieldParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Expr is a parsed cron expression.
type Expr struct {
	src   string
	min   uint64
	hour  uint64
	dom   uint64
	month uint64
	dow   uint64
}

// Parse validates expr and returns its parsed form.
//
// Each field is "*", a number, a comma list, a range "a-b" or a stepped range
// "a-b/s" / "*/s". Values outside the field domain, zero or non-numeric steps
// and inverted ranges are errors.
func Parse(expr string) (Expr, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return Expr{}, fmt.Errorf("empty cron expression")
	}
	if strings.HasPrefix(s, "TZ=") || strings.HasPrefix(s, "CRON_TZ=") {
		return Expr{}, fmt.Errorf("time zone prefix not supported: %q", expr)
	}
	sched, err := fieldParser.Parse(s)
	if err != nil {
		return Expr{}, err
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return Expr{}, fmt.Errorf("unsupported cron expression %q", expr)
	}
	return Expr{
		src:   s,
		min:   spec.Minute,
		hour:  spec.Hour,
		dom:   spec.Dom,
		month: spec.Month,
		dow:   spec.Dow,
	}, nil
}

// Matches reports whether expr matches the minute containing at.
func Matches(expr string, at time.Time) (bool, error) {
	e, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return e.Match(at), nil
}

func (e Expr) String() string { return e.src }

// Match reports whether all five fields match at. Seconds are ignored.
func (e Expr) Match(at time.Time) bool {
	return e.matchDay(at) && has(e.hour, at.Hour()) && has(e.min, at.Minute())
}

func (e Expr) matchDay(at time.Time) bool {
	return has(e.month, int(at.Month())) && has(e.dom, at.Day()) && has(e.dow, int(at.Weekday()))
}

// maxSearchDays bounds Next; expressions like "0 0 30 2 *" never match.
const maxSearchDays = 5 * 366

// Next returns the first matching minute strictly after t, in t's location.
// It returns the zero time if nothing matches within five years.
func (e Expr) Next(t time.Time) time.Time {
	t = t.Truncate(time.Minute).Add(time.Minute)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())

	for i := 0; i < maxSearchDays; i++ {
		if e.matchDay(day) {
			for h := 0; h < 24; h++ {
				if !has(e.hour, h) {
					continue
				}
				for m := 0; m < 60; m++ {
					if !has(e.min, m) {
						continue
					}
					c := time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location())
					if !c.Before(t) {
						return c
					}
				}
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}
}

func has(bits uint64, v int) bool {
	return bits&(1<<uint(v)) != 0
}
