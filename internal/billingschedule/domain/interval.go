package domain

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidInterval = errors.New("invalid billing interval")

type IntervalUnit string

const (
	UnitHour  IntervalUnit = "hour"
	UnitDay   IntervalUnit = "day"
	UnitWeek  IntervalUnit = "week"
	UnitMonth IntervalUnit = "month"
	UnitYear  IntervalUnit = "year"
)

// Interval is a calendar-aware duration such as "1 month" or "2 weeks".
type Interval struct {
	Number int          `json:"number"`
	Unit   IntervalUnit `json:"unit"`
}

func (iv Interval) Validate() error {
	if iv.Number <= 0 {
		return fmt.Errorf("%w: number must be positive, got %d", ErrInvalidInterval, iv.Number)
	}
	switch iv.Unit {
	case UnitHour, UnitDay, UnitWeek, UnitMonth, UnitYear:
		return nil
	default:
		return fmt.Errorf("%w: unknown unit %q", ErrInvalidInterval, iv.Unit)
	}
}

// Add advances t by the interval. Month and year additions clamp the day of
// month so Jan 31 + 1 month lands on Feb 28/29 instead of rolling over.
func (iv Interval) Add(t time.Time) time.Time {
	switch iv.Unit {
	case UnitHour:
		return t.Add(time.Duration(iv.Number) * time.Hour)
	case UnitDay:
		return t.AddDate(0, 0, iv.Number)
	case UnitWeek:
		return t.AddDate(0, 0, 7*iv.Number)
	case UnitMonth:
		return addMonths(t, iv.Number)
	case UnitYear:
		return addMonths(t, 12*iv.Number)
	default:
		return t
	}
}

// Floor truncates t to the beginning of the interval's calendar unit, the
// anchor used by fixed schedules.
func (iv Interval) Floor(t time.Time) time.Time {
	switch iv.Unit {
	case UnitHour:
		return t.Truncate(time.Hour)
	case UnitDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	case UnitWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		// ISO week, Monday start.
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case UnitMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	case UnitYear:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, t.Location())
	default:
		return t
	}
}

func addMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	h, min, sec := t.Clock()
	first := time.Date(y, m, 1, h, min, sec, t.Nanosecond(), t.Location()).AddDate(0, months, 0)
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, h, min, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1).Day()
}
