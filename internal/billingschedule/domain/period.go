package domain

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidBillingPeriod = errors.New("billing period start must precede end")

// BillingPeriod is a half-open interval [Start, End). Periods generated by a
// schedule tile the timeline: the next period starts exactly where the
// current one ends.
type BillingPeriod struct {
	Start time.Time
	End   time.Time
}

func NewBillingPeriod(start, end time.Time) (BillingPeriod, error) {
	if !start.Before(end) {
		return BillingPeriod{}, fmt.Errorf("%w: [%s, %s)", ErrInvalidBillingPeriod, start, end)
	}
	return BillingPeriod{Start: start.UTC(), End: end.UTC()}, nil
}

// Contains reports whether t falls within the period. The end is exclusive.
func (p BillingPeriod) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

func (p BillingPeriod) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

func (p BillingPeriod) IsZero() bool {
	return p.Start.IsZero() && p.End.IsZero()
}

func (p BillingPeriod) Equal(o BillingPeriod) bool {
	return p.Start.Equal(o.Start) && p.End.Equal(o.End)
}

func (p BillingPeriod) String() string {
	return fmt.Sprintf("[%s, %s)", p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339))
}
